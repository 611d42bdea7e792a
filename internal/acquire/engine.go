// Package acquire runs the acquisition pipeline for recordings: manifest
// lookup, resolution, segment fetching, reconstruction, duration validation
// and the final manifest update.
package acquire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/knpwrs/recfetch/internal/auth"
	"github.com/knpwrs/recfetch/internal/catalog"
	"github.com/knpwrs/recfetch/internal/config"
	"github.com/knpwrs/recfetch/internal/downloader"
	"github.com/knpwrs/recfetch/internal/fetcher"
	"github.com/knpwrs/recfetch/internal/filesystem"
	"github.com/knpwrs/recfetch/internal/manifest"
	"github.com/knpwrs/recfetch/internal/metrics"
	"github.com/knpwrs/recfetch/internal/model"
	"github.com/knpwrs/recfetch/internal/reconstruct"
	"github.com/knpwrs/recfetch/internal/resolver"
	"github.com/knpwrs/recfetch/internal/validate"
)

// Options injects collaborators that are normally derived from configuration.
type Options struct {
	// HTTPClient replaces the pooled client of every fetcher.
	HTTPClient *http.Client
	// Clock drives credential expiry; defaults to time.Now.
	Clock func() time.Time
	// Runner replaces the ffmpeg command runner.
	Runner reconstruct.CommandRunner
	// Probe replaces the ffprobe duration probe.
	Probe validate.ProbeFunc
	// Progress receives the progress line and summary when set.
	Progress io.Writer
	Logger   zerolog.Logger
}

// Engine acquires recordings. One Engine serves one run; its credential
// cache, in-flight ceiling and counters are shared by every recording.
type Engine struct {
	cfg           *config.Config
	manifest      *manifest.Manifest
	resolver      *resolver.Resolver
	downloader    *downloader.Downloader
	reconstructor *reconstruct.Reconstructor
	validator     *validate.Validator
	layout        *filesystem.Layout
	progress      *downloader.ProgressTracker
	metrics       *metrics.Metrics
	runID         string
	logger        zerolog.Logger
}

// New wires an Engine from cfg around an open manifest.
//
// Every network request of the run, whatever its purpose, passes through one
// in-flight gate sized fetch.max_in_flight. Catalog and identity calls are
// additionally paced. Identity requests are attempted once per issuance
// because the authenticator owns their retries.
func New(cfg *config.Config, m *manifest.Manifest, opts Options) *Engine {
	runID := uuid.NewString()
	logger := opts.Logger.With().Str("run_id", runID).Logger()
	counters := metrics.New()
	gate := fetcher.NewGate(cfg.Fetch.MaxInFlight)

	base := fetcher.Options{
		UserAgent:      cfg.Fetch.UserAgent,
		Retry:          cfg.RetryPolicy(),
		RequestTimeout: cfg.RequestTimeout(),
		Gate:           gate,
		HTTPClient:     opts.HTTPClient,
		Logger:         logger.With().Str("component", "fetcher").Logger(),
	}
	transfers := fetcher.New(base)

	api := base
	api.RequestsPerSecond = cfg.Fetch.APIRequestsPerSecond
	apiFetcher := fetcher.New(api)

	identity := api
	identity.Retry.MaxAttempts = 1
	identityFetcher := fetcher.New(identity)

	authenticator := auth.New(auth.Options{
		Issuer:       auth.NewIdentityClient(identityFetcher, cfg.Auth.IdentityURL, cfg.Auth.IdentityToken),
		SafetyMargin: cfg.SafetyMargin(),
		SignTTL:      cfg.SignTTL(),
		Retry:        cfg.RetryPolicy(),
		Clock:        opts.Clock,
		Metrics:      counters,
		Logger:       logger.With().Str("component", "auth").Logger(),
	})

	var progress *downloader.ProgressTracker
	if opts.Progress != nil {
		progress = downloader.NewProgressTracker(opts.Progress)
	}

	probe := opts.Probe
	if probe == nil {
		probe = validate.FFprobe(cfg.Reconstruct.FFprobeBinary)
	}

	return &Engine{
		cfg:      cfg,
		manifest: m,
		resolver: resolver.New(transfers, authenticator, catalog.NewClient(apiFetcher, cfg.SchemeB.PlayInfoURL, cfg.SchemeB.AccessToken), resolver.Options{
			CDNBase:        cfg.SchemeA.CDNBase,
			DescriptorName: cfg.SchemeA.DescriptorName,
			Logger:         logger.With().Str("component", "resolver").Logger(),
		}),
		downloader: downloader.New(transfers, authenticator, downloader.Config{
			Concurrency: cfg.Fetch.Concurrency,
			Progress:    progress,
			Metrics:     counters,
			Logger:      logger.With().Str("component", "downloader").Logger(),
		}),
		reconstructor: reconstruct.New(reconstruct.Options{
			Strategy:      reconstruct.Strategy(cfg.Reconstruct.Strategy),
			FFmpegBinary:  cfg.Reconstruct.FFmpegBinary,
			FallbackToRaw: cfg.Reconstruct.FallbackToRaw,
			KeepStaging:   cfg.Reconstruct.KeepStaging,
			Runner:        opts.Runner,
			Logger:        logger.With().Str("component", "reconstruct").Logger(),
		}),
		validator: validate.New(probe, counters, logger.With().Str("component", "validate").Logger()),
		layout:    filesystem.New(cfg.Paths.StagingDir, cfg.Paths.OutputDir),
		progress:  progress,
		metrics:   counters,
		runID:     runID,
		logger:    logger,
	}
}

// RunID identifies this run in logs.
func (e *Engine) RunID() string {
	return e.runID
}

// Metrics returns the run's counters.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Close exports the run's counters when metrics.textfile_path is set.
func (e *Engine) Close() error {
	if e.cfg.Metrics.TextfilePath == "" {
		return nil
	}
	if err := e.metrics.WriteTextfile(e.cfg.Metrics.TextfilePath); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// AcquireOne acquires a single recording while reporting progress.
func (e *Engine) AcquireOne(ctx context.Context, desc model.RecordingDescriptor, opts AcquireOptions) (Result, error) {
	e.progress.Start(time.Second)
	defer e.progress.Stop()
	return e.Acquire(ctx, desc, opts)
}

// AcquireAll acquires descs with at most fetch.recording_concurrency running
// at once. Results are returned in the order of descs. A run-fatal error or
// cancellation stops the batch; recordings not started by then have a zero
// Result.
func (e *Engine) AcquireAll(ctx context.Context, descs []model.RecordingDescriptor) ([]Result, error) {
	results := make([]Result, len(descs))

	e.progress.Start(time.Second)
	defer e.progress.Stop()

	g, gctx := errgroup.WithContext(ctx)
	limit := e.cfg.Fetch.RecordingConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, desc := range descs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := e.Acquire(gctx, desc, AcquireOptions{})
			results[i] = res
			return err
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return results, err
}

// Resume replays every manifest entry that is not complete.
func (e *Engine) Resume(ctx context.Context) ([]Result, error) {
	pending := e.manifest.Pending()
	descs := make([]model.RecordingDescriptor, 0, len(pending))
	for _, rec := range pending {
		descs = append(descs, rec.Descriptor())
	}
	e.logger.Info().Int("pending", len(descs)).Str("manifest", e.manifest.Path()).Msg("resuming")
	return e.AcquireAll(ctx, descs)
}
