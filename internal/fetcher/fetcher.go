package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/knpwrs/recfetch/internal/retry"
)

// Fetcher handles HTTP requests with retry logic, custom headers, and a shared
// ceiling on in-flight requests.
//
// This structure wraps the retryablehttp client to provide automatic retries
// for transient network failures, which are common when downloading many
// segments from a CDN. Several Fetchers of one run share the same Gate so the
// total number of in-flight requests stays bounded across recordings.
//
// See: https://context7.com/golang/go for Go HTTP client documentation
type Fetcher struct {
	client    *retryablehttp.Client
	single    *http.Client
	userAgent string
	headers   http.Header
	policy    retry.Policy
	timeout   time.Duration
	gate      *semaphore.Weighted
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// Options configures the Fetcher behavior.
type Options struct {
	// UserAgent sets the User-Agent header for requests
	UserAgent string
	// Headers are added to every request
	Headers map[string]string
	// Retry sets the attempt count and backoff shape
	Retry retry.Policy
	// RequestTimeout bounds a single attempt, body included
	RequestTimeout time.Duration
	// Gate is the run-wide in-flight ceiling; nil means unbounded
	Gate *semaphore.Weighted
	// RequestsPerSecond paces requests when positive
	RequestsPerSecond float64
	// HTTPClient overrides the underlying pooled client
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// DefaultOptions returns sensible default options for the Fetcher.
func DefaultOptions() Options {
	return Options{
		UserAgent:      "recfetch/1.0",
		Retry:          retry.Default(),
		RequestTimeout: 30 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

// StatusError reports a response with an unexpected status code.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d for %s", e.StatusCode, e.URL)
}

// NewGate returns a semaphore sized for the run-wide in-flight ceiling.
func NewGate(maxInFlight int) *semaphore.Weighted {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return semaphore.NewWeighted(int64(maxInFlight))
}

// New creates a new Fetcher with the given options.
//
// The Fetcher uses exponential backoff for retries and will automatically
// retry on network errors, 429 and 5xx server errors.
//
// See: https://context7.com/golang/go for Go documentation
func New(opts Options) *Fetcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions().RequestTimeout
	}

	client := retryablehttp.NewClient()
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	client.HTTPClient.Timeout = opts.RequestTimeout
	client.Logger = nil // Disable default logging
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	opts.Retry.Apply(client)

	headers := make(http.Header, len(opts.Headers))
	for k, v := range opts.Headers {
		headers.Set(k, v)
	}

	f := &Fetcher{
		client:    client,
		single:    &http.Client{Transport: client.HTTPClient.Transport},
		userAgent: opts.UserAgent,
		headers:   headers,
		policy:    opts.Retry,
		timeout:   opts.RequestTimeout,
		gate:      opts.Gate,
		logger:    opts.Logger,
	}
	if opts.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			f.logger.Debug().Str("url", Redact(req.URL.String())).Int("attempt", attempt+1).Msg("retrying request")
		}
	}
	return f
}

// Fetch downloads content from the given URL.
//
// This method will automatically retry failed requests with exponential
// backoff. It returns the response body as a byte slice.
//
// See: https://context7.com/golang/go for Go context documentation
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", Redact(rawURL), err)
	}
	return f.do(ctx, req)
}

// PostJSON posts payload as JSON and decodes a JSON response into out.
func (f *Fetcher) PostJSON(ctx context.Context, rawURL string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", Redact(rawURL), err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", Redact(rawURL), err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	data, err := f.do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", Redact(rawURL), err)
	}
	return nil
}

func (f *Fetcher) do(ctx context.Context, req *retryablehttp.Request) ([]byte, error) {
	f.decorate(req.Header)

	release, err := f.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	target := Redact(req.URL.String())
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", target, err)
	}
	return body, nil
}

// FetchToFile downloads rawURL into path, retrying transient failures with the
// configured policy. It returns the bytes written and the attempts spent.
//
// ctx stops further attempts, but an attempt that has started runs to
// completion (bounded by the request timeout). The body is written through a
// pending file that only replaces path once complete, so path never holds a
// truncated download.
func (f *Fetcher) FetchToFile(ctx context.Context, rawURL, path string) (int64, int, error) {
	var written int64
	attempts, err := f.policy.Do(ctx, func(int) error {
		n, retryable, err := f.fetchFileOnce(ctx, rawURL, path)
		if err != nil {
			if !retryable {
				return retry.Permanent(err)
			}
			return err
		}
		written = n
		return nil
	})
	return written, attempts, err
}

func (f *Fetcher) fetchFileOnce(ctx context.Context, rawURL, path string) (int64, bool, error) {
	release, err := f.acquire(ctx)
	if err != nil {
		return 0, false, err
	}
	defer release()

	target := Redact(rawURL)
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create request for %s: %w", target, err)
	}
	f.decorate(req.Header)

	resp, err := f.single.Do(req)
	if err != nil {
		retryable, _ := retryablehttp.DefaultRetryPolicy(context.WithoutCancel(ctx), nil, err)
		return 0, retryable, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		retryable, _ := retryablehttp.DefaultRetryPolicy(context.WithoutCancel(ctx), resp, nil)
		return 0, retryable, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, false, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return 0, false, fmt.Errorf("failed to create pending file for %s: %w", path, err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	n, err := io.Copy(pending, resp.Body)
	if err != nil {
		return 0, true, fmt.Errorf("failed to read response body from %s: %w", target, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return 0, true, fmt.Errorf("short body from %s: got %d of %d bytes", target, n, resp.ContentLength)
	}
	if n == 0 {
		return 0, true, fmt.Errorf("empty body from %s", target)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return n, false, nil
}

func (f *Fetcher) acquire(ctx context.Context) (func(), error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if f.gate == nil {
		return func() {}, nil
	}
	if err := f.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { f.gate.Release(1) }, nil
}

func (f *Fetcher) decorate(h http.Header) {
	if f.userAgent != "" {
		h.Set("User-Agent", f.userAgent)
	}
	for k, v := range f.headers {
		if h.Get(k) == "" {
			h[k] = v
		}
	}
}

// IsStatus reports whether err carries one of the given HTTP status codes.
func IsStatus(err error, codes ...int) bool {
	var status *StatusError
	if !errors.As(err, &status) {
		return false
	}
	for _, code := range codes {
		if status.StatusCode == code {
			return true
		}
	}
	return false
}

// Redact strips the query string so signatures never reach logs or errors.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
