package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/knpwrs/recfetch/internal/fetcher"
	"github.com/knpwrs/recfetch/internal/filesystem"
	"github.com/knpwrs/recfetch/internal/metrics"
	"github.com/knpwrs/recfetch/internal/model"
)

// SegmentFetcher downloads one URL into a file, retrying transient failures.
type SegmentFetcher interface {
	FetchToFile(ctx context.Context, rawURL, path string) (int64, int, error)
}

// Signer authorizes a segment URL at fetch time.
type Signer interface {
	SignURL(ctx context.Context, scheme model.Scheme, uri string) (string, error)
}

// Downloader fetches every segment of a recording with a bounded worker pool.
//
// Workers pull segment tasks from a queue and report back on a result channel.
// A single collector applies results to the segments, so segment state is
// never shared between goroutines. Execution order is irrelevant: a segment's
// position is carried as task metadata.
//
// See: https://context7.com/golang/go for Go concurrency documentation
type Downloader struct {
	fetcher     SegmentFetcher
	signer      Signer
	concurrency int
	progress    *ProgressTracker
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// Config holds configuration for the Downloader.
type Config struct {
	Concurrency int
	Progress    *ProgressTracker
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// New creates a new Downloader with the given configuration.
func New(f SegmentFetcher, signer Signer, cfg Config) *Downloader {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Downloader{
		fetcher:     f,
		signer:      signer,
		concurrency: cfg.Concurrency,
		progress:    cfg.Progress,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Outcome summarizes one FetchAll call.
type Outcome struct {
	Total   int
	Fetched int
	Reused  int
	Failed  int
	Bytes   int64
	Retries int
}

// Usable is the number of segments available for reconstruction.
func (o Outcome) Usable() int {
	return o.Fetched + o.Reused
}

// Check applies the failed-segment threshold. Segments that are neither
// fetched nor reused count as failed. A recording with no usable segment fails
// regardless of the threshold.
func (o Outcome) Check(key string, threshold float64) error {
	missing := o.Total - o.Usable()
	if o.Usable() == 0 || float64(missing)/float64(o.Total) > threshold {
		return &model.IncompleteDownloadError{Key: key, Failed: missing, Total: o.Total, Threshold: threshold}
	}
	return nil
}

type result struct {
	pos      int
	bytes    int64
	reused   bool
	attempts int
	err      error
}

// FetchAll downloads every segment of groups into its StagingPath and records
// the per-segment status in place.
//
// Individual segment failures are contained: the segment is marked failed and
// the pool moves on. The returned error is non-nil only when ctx ends or a
// credential cannot be obtained, both of which stop dispatching new segments.
// Downloads already in progress always finish writing.
//
// See: https://context7.com/golang/go for Go context documentation
func (d *Downloader) FetchAll(ctx context.Context, key string, scheme model.Scheme, groups []model.SegmentGroup) (Outcome, error) {
	segs := model.Flatten(groups)
	out := Outcome{Total: len(segs)}
	if len(segs) == 0 {
		return out, nil
	}
	d.progress.AddTotal(len(segs))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := d.concurrency
	if workers > len(segs) {
		workers = len(segs)
	}

	tasks := make(chan int)
	results := make(chan result)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range tasks {
				results <- d.fetchOne(runCtx, scheme, *segs[pos], pos)
			}
		}()
	}

	// Send tasks to workers until cancelled
	go func() {
		defer close(tasks)
		for pos := range segs {
			select {
			case <-runCtx.Done():
				return
			case tasks <- pos:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var authErr error
	for res := range results {
		seg := segs[res.pos]
		switch {
		case res.err == nil:
			seg.Status = model.SegmentFetched
			seg.Bytes = res.bytes
			seg.Err = ""
			out.Bytes += res.bytes
			if res.reused {
				out.Reused++
				d.progress.IncrementReused(res.bytes)
				d.count(func(m *metrics.Metrics) { m.SegmentsReused.Inc() })
			} else {
				out.Fetched++
				d.progress.IncrementFetched(res.bytes)
				d.count(func(m *metrics.Metrics) {
					m.SegmentsFetched.Inc()
					m.SegmentBytes.Add(float64(res.bytes))
				})
			}
		case errors.Is(res.err, context.Canceled) && runCtx.Err() != nil:
			// Never started; stays pending.
		default:
			var auth *model.AuthError
			if errors.As(res.err, &auth) && authErr == nil {
				authErr = res.err
				cancel()
			}
			seg.Status = model.SegmentFailed
			seg.Err = res.err.Error()
			out.Failed++
			d.progress.IncrementFailed()
			d.count(func(m *metrics.Metrics) { m.SegmentsFailed.Inc() })
			d.logger.Warn().Str("key", key).Int("group", seg.Group).Int("segment", seg.Index).Err(res.err).Msg("segment failed")
		}
		if res.attempts > 1 {
			out.Retries += res.attempts - 1
			d.count(func(m *metrics.Metrics) { m.SegmentRetries.Add(float64(res.attempts - 1)) })
		}
	}

	d.logger.Info().
		Str("key", key).
		Int("total", out.Total).
		Int("fetched", out.Fetched).
		Int("reused", out.Reused).
		Int("failed", out.Failed).
		Int64("bytes", out.Bytes).
		Msg("segments settled")

	if err := ctx.Err(); err != nil {
		return out, err
	}
	if authErr != nil {
		return out, authErr
	}
	return out, nil
}

// fetchOne works on a copy of the segment; only the collector mutates the original.
func (d *Downloader) fetchOne(ctx context.Context, scheme model.Scheme, seg model.Segment, pos int) result {
	if seg.StagingPath == "" {
		return result{pos: pos, err: fmt.Errorf("segment %d/%d has no staging path", seg.Group, seg.Index)}
	}

	// Staged by an earlier run.
	if ok, size, err := filesystem.NonEmptyFileExists(seg.StagingPath); err == nil && ok {
		return result{pos: pos, bytes: size, reused: true}
	}

	if err := ctx.Err(); err != nil {
		return result{pos: pos, err: err}
	}

	signed, err := d.signer.SignURL(ctx, scheme, seg.SourceURI)
	if err != nil {
		return result{pos: pos, err: err}
	}

	n, attempts, err := d.fetcher.FetchToFile(ctx, signed, seg.StagingPath)
	if err != nil {
		if errors.Is(err, context.Canceled) && attempts <= 1 {
			return result{pos: pos, attempts: attempts, err: err}
		}
		return result{pos: pos, attempts: attempts, err: &model.SegmentFetchError{
			Group:     seg.Group,
			Index:     seg.Index,
			URI:       fetcher.Redact(seg.SourceURI),
			Retryable: !fetcher.IsStatus(err, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone),
			Err:       err,
		}}
	}
	return result{pos: pos, bytes: n, attempts: attempts}
}

func (d *Downloader) count(fn func(*metrics.Metrics)) {
	if d.metrics != nil {
		fn(d.metrics)
	}
}
