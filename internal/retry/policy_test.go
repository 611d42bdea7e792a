package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond, Multiplier: 2}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(400))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(5).Do(context.Background(), func(int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	attempts, err := fastPolicy(3).Do(context.Background(), func(int) error {
		return errors.New("still down")
	})
	require.EqualError(t, err, "still down")
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	denied := errors.New("denied")
	attempts, err := fastPolicy(5).Do(context.Background(), func(int) error {
		return Permanent(denied)
	})
	require.ErrorIs(t, err, denied)
	assert.Equal(t, 1, attempts)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1}
	attempts, err := p.Do(ctx, func(int) error {
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestApplyConfiguresClient(t *testing.T) {
	client := retryablehttp.NewClient()
	p := Policy{MaxAttempts: 4, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second, Multiplier: 3}
	p.Apply(client)

	assert.Equal(t, 3, client.RetryMax)
	assert.Equal(t, 50*time.Millisecond, client.RetryWaitMin)
	assert.Equal(t, 150*time.Millisecond, client.Backoff(client.RetryWaitMin, client.RetryWaitMax, 1, &http.Response{StatusCode: 500}))
}

func TestNormalizedRejectsZeroValues(t *testing.T) {
	attempts, err := Policy{}.Do(context.Background(), func(int) error { return errors.New("x") })
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
