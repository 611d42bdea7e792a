// Package retry holds the single retry policy shared by every network caller.
package retry

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. Waits grow exponentially from InitialInterval by
// Multiplier and are capped at MaxInterval.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Default returns the policy used when nothing else is configured.
func Default() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Millisecond
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delay returns the wait before retry number attempt (0 is the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxInterval) || math.IsInf(d, 0) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the context ends, or
// MaxAttempts is reached. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) (int, error) {
	p = p.normalized()
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, op(attempts)
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return attempts, err
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	return b
}

// Apply configures a retryablehttp client with the same attempt count and
// backoff shape. Retry-After headers on 429/503 responses are still honoured.
func (p Policy) Apply(client *retryablehttp.Client) {
	p = p.normalized()
	client.RetryMax = p.MaxAttempts - 1
	client.RetryWaitMin = p.InitialInterval
	client.RetryWaitMax = p.MaxInterval
	client.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
			return retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
		}
		return p.Delay(attemptNum)
	}
}
