package acquire

import (
	"context"
	"errors"
	"fmt"

	"github.com/knpwrs/recfetch/internal/downloader"
	"github.com/knpwrs/recfetch/internal/manifest"
	"github.com/knpwrs/recfetch/internal/model"
	"github.com/knpwrs/recfetch/internal/validate"
)

// AcquireOptions adjusts a single acquisition.
type AcquireOptions struct {
	// OutputPath overrides "<output_dir>/<title> (<id>).mp4". Raw output
	// replaces the extension with .ts.
	OutputPath string
}

// Result is the outcome of acquiring one recording.
type Result struct {
	Key        string
	Status     manifest.Status
	OutputPath string
	Validation validate.Verdict
	Outcome    downloader.Outcome
	// Skipped is set when the manifest already held a complete entry and no
	// work was done.
	Skipped bool
	// Err is the resource-level failure that aborted this recording.
	Err error
}

// Acquire runs the pipeline for one recording.
//
// A recording already complete in the manifest returns immediately without
// any network request. Resource-level failures are recorded in the manifest
// and reported through Result.Err with a nil error; the returned error is
// reserved for cancellation and ledger write failures, which end the run.
func (e *Engine) Acquire(ctx context.Context, desc model.RecordingDescriptor, opts AcquireOptions) (Result, error) {
	key := desc.Key()
	res := Result{Key: key, Status: manifest.StatusNotStarted}
	if err := desc.Validate(); err != nil {
		if key == "" {
			res.Status = manifest.StatusFailed
			res.Err = err
			return res, nil
		}
		return e.fail(ctx, desc, res, err)
	}

	logger := e.logger.With().Str("key", key).Logger()

	if e.manifest.State(key) == manifest.StatusComplete {
		entry, _ := e.manifest.Lookup(key)
		logger.Debug().Str("output", entry.OutputPath).Msg("already complete")
		res.Status = manifest.StatusComplete
		res.OutputPath = entry.OutputPath
		res.Validation = validate.Verdict{Class: validate.Class(entry.Validation), Expected: entry.ExpectedDuration}
		if entry.MeasuredDuration != nil {
			res.Validation.Measured = *entry.MeasuredDuration
		}
		res.Skipped = true
		e.countRecording("skipped")
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if err := e.manifest.MarkInProgress(desc); err != nil {
		return res, err
	}
	res.Status = manifest.StatusInProgress
	logger.Info().Str("title", desc.Title).Msg("acquiring recording")

	groups, scheme, err := e.resolver.Resolve(ctx, desc)
	if err != nil {
		return e.fail(ctx, desc, res, err)
	}
	e.layout.Assign(key, groups)

	outcome, err := e.downloader.FetchAll(ctx, key, scheme, groups)
	res.Outcome = outcome
	if err != nil {
		return e.fail(ctx, desc, res, err)
	}
	if err := outcome.Check(key, e.cfg.FailedFraction()); err != nil {
		// Staged segments stay for the next attempt.
		return e.fail(ctx, desc, res, err)
	}

	target := opts.OutputPath
	if target == "" {
		target = e.layout.OutputPath(desc, ".mp4")
	}
	logger.Debug().Str("output", e.reconstructor.OutputPath(target)).Msg("reconstructing")
	out, err := e.reconstructor.Reconstruct(ctx, groups, e.layout.RecordingDir(key), target)
	if err != nil {
		return e.fail(ctx, desc, res, err)
	}
	res.OutputPath = out.Path

	res.Validation = e.validator.Validate(ctx, out.Path, desc.ExpectedDuration)
	var measured *float64
	if res.Validation.Measured > 0 {
		m := res.Validation.Measured
		measured = &m
	}
	if err := e.manifest.MarkComplete(key, out.Path, measured, string(res.Validation.Class)); err != nil {
		return res, err
	}

	res.Status = manifest.StatusComplete
	e.countRecording(string(manifest.StatusComplete))
	logger.Info().
		Str("output", out.Path).
		Str("validation", string(res.Validation.Class)).
		Int("failed_segments", outcome.Failed).
		Msg("recording complete")
	return res, nil
}

// fail records a resource-level failure. Cancellation leaves the entry in
// progress so the recording resumes later. Unsupported schemes and invalid
// descriptors are recorded as permanent so resume does not retry them.
func (e *Engine) fail(ctx context.Context, desc model.RecordingDescriptor, res Result, cause error) (Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.logger.Warn().Str("key", res.Key).Err(cause).Msg("acquisition interrupted")
		return res, ctxErr
	}
	var writeErr *manifest.WriteError
	if errors.As(cause, &writeErr) {
		return res, cause
	}

	var unsupported *model.UnsupportedSchemeError
	permanent := errors.As(cause, &unsupported) || errors.Is(cause, model.ErrInvalidDescriptor)
	if !model.IsResourceFatal(cause) && !permanent {
		cause = fmt.Errorf("recording %s: %w", res.Key, cause)
	}
	res.Status = manifest.StatusFailed
	res.Err = cause
	e.countRecording(string(manifest.StatusFailed))
	e.logger.Error().Str("key", res.Key).Err(cause).Msg("recording failed")

	mark := func() error { return e.manifest.MarkFailed(res.Key, cause.Error()) }
	if permanent {
		mark = func() error { return e.manifest.MarkPermanentFailure(desc, cause.Error()) }
	}
	if err := mark(); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) countRecording(status string) {
	e.metrics.Recordings.WithLabelValues(status).Inc()
}
