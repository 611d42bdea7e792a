package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knpwrs/recfetch/internal/fetcher"
	"github.com/knpwrs/recfetch/internal/metrics"
	"github.com/knpwrs/recfetch/internal/model"
	"github.com/knpwrs/recfetch/internal/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}

func countingIssuer(clock *fakeClock, lifetime time.Duration, calls *atomic.Int32) Issuer {
	return IssuerFunc(func(ctx context.Context, scheme model.Scheme) (Credential, error) {
		n := calls.Add(1)
		return Credential{
			AccessKey: "ak",
			Secret:    "secret-" + string(rune('0'+n)),
			ExpiresAt: clock.Now().Add(lifetime),
		}, nil
	})
}

func TestCredentialReusedUntilSafetyMargin(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var calls atomic.Int32
	a := New(Options{
		Issuer:       countingIssuer(clock, 10*time.Minute, &calls),
		SafetyMargin: 60 * time.Second,
		Retry:        fastRetry,
		Clock:        clock.Now,
	})
	ctx := context.Background()

	first, err := a.Credential(ctx, model.SchemeA)
	require.NoError(t, err)
	assert.Equal(t, model.SchemeA, first.Scheme)
	assert.Equal(t, clock.Now(), first.IssuedAt)

	// 120s before expiry: still reused.
	clock.Advance(8 * time.Minute)
	again, err := a.Credential(ctx, model.SchemeA)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(1), calls.Load())

	// 30s before expiry: renewed.
	clock.Advance(90 * time.Second)
	renewed, err := a.Credential(ctx, model.SchemeA)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.NotEqual(t, first.Secret, renewed.Secret)
	assert.Equal(t, "secret-1", first.Secret, "earlier credential is never mutated")
}

func TestConcurrentRenewalsCollapse(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var calls atomic.Int32
	release := make(chan struct{})
	issuer := IssuerFunc(func(ctx context.Context, scheme model.Scheme) (Credential, error) {
		calls.Add(1)
		<-release
		return Credential{AccessKey: "ak", Secret: "s", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	})
	a := New(Options{Issuer: issuer, SafetyMargin: time.Minute, Retry: fastRetry, Clock: clock.Now})

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Credential(context.Background(), model.SchemeA)
			errs <- err
		}()
	}
	// Let the callers pile up behind the in-flight issuance.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelledCallerDoesNotFailSharedRenewal(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	issuer := IssuerFunc(func(ctx context.Context, scheme model.Scheme) (Credential, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
		return Credential{AccessKey: "ak", Secret: "s", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	a := New(Options{Issuer: issuer, Retry: fastRetry, Logger: zerolog.Nop()})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.Credential(firstCtx, model.SchemeA)
		firstErr <- err
	}()
	<-started

	secondErr := make(chan error, 1)
	go func() {
		_, err := a.Credential(context.Background(), model.SchemeA)
		secondErr <- err
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	require.NoError(t, <-secondErr)
	assert.Equal(t, int32(1), calls.Load())

	cred, err := a.Credential(context.Background(), model.SchemeA)
	require.NoError(t, err)
	assert.Equal(t, "ak", cred.AccessKey)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIssuanceRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	m := metrics.New()
	issuer := IssuerFunc(func(ctx context.Context, scheme model.Scheme) (Credential, error) {
		if calls.Add(1) < 3 {
			return Credential{}, &fetcher.StatusError{URL: "https://id.example.com", StatusCode: http.StatusBadGateway}
		}
		return Credential{AccessKey: "ak", Secret: "s", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	a := New(Options{Issuer: issuer, Retry: fastRetry, Metrics: m, Logger: zerolog.Nop()})

	_, err := a.Credential(context.Background(), model.SchemeA)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CredentialIssuance.WithLabelValues("A", "success")))
}

func TestIssuanceExhaustionIsAuthError(t *testing.T) {
	var calls atomic.Int32
	issuer := IssuerFunc(func(ctx context.Context, scheme model.Scheme) (Credential, error) {
		calls.Add(1)
		return Credential{}, errors.New("connection reset")
	})
	a := New(Options{Issuer: issuer, Retry: fastRetry})

	_, err := a.Credential(context.Background(), model.SchemeA)
	var authErr *model.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 3, authErr.Attempts)
	assert.Equal(t, model.SchemeA, authErr.Scheme)
	assert.True(t, model.IsResourceFatal(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestIssuanceStopsOnRejection(t *testing.T) {
	var calls atomic.Int32
	issuer := IssuerFunc(func(ctx context.Context, scheme model.Scheme) (Credential, error) {
		calls.Add(1)
		return Credential{}, &fetcher.StatusError{URL: "https://id.example.com", StatusCode: http.StatusUnauthorized}
	})
	a := New(Options{Issuer: issuer, Retry: fastRetry})

	_, err := a.Credential(context.Background(), model.SchemeA)
	var authErr *model.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, authErr.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSchemeBIsPassThrough(t *testing.T) {
	a := New(Options{Retry: fastRetry})
	uri := "https://vod.example.com/v/seg1.ts?auth_key=abc"

	signed, err := a.SignURL(context.Background(), model.SchemeB, uri)
	require.NoError(t, err)
	assert.Equal(t, uri, signed)
}

func TestUnknownSchemeIsRejected(t *testing.T) {
	a := New(Options{Retry: fastRetry})
	_, err := a.Credential(context.Background(), model.Scheme(0))
	var unsupported *model.UnsupportedSchemeError
	require.ErrorAs(t, err, &unsupported)

	_, err = a.Sign("https://x/y", Credential{})
	require.ErrorAs(t, err, &unsupported)
}

func TestSignIsDeterministicAndBoundedByExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := New(Options{SignTTL: time.Hour, Retry: fastRetry, Clock: func() time.Time { return now }})
	cred := Credential{
		Scheme:    model.SchemeA,
		AccessKey: "AK1",
		Secret:    "topsecret",
		Token:     "sts",
		ExpiresAt: now.Add(10 * time.Minute),
	}

	first, err := a.Sign("https://cdn.example.com/liveclass/rec/a2/00001.ts?x=1", cred)
	require.NoError(t, err)
	second, err := a.Sign("https://cdn.example.com/liveclass/rec/a2/00001.ts?x=1", cred)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	u, err := url.Parse(first)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "1", q.Get("x"))
	assert.Equal(t, "AK1", q.Get(ParamAccessKey))
	assert.Equal(t, "sts", q.Get(ParamSecurityToken))
	assert.Equal(t, "1700000600", q.Get(ParamExpires), "capped at credential expiry")
	assert.Equal(t, Signature("topsecret", "/liveclass/rec/a2/00001.ts", "1700000600", "AK1"), q.Get(ParamSignature))

	cred.ExpiresAt = now.Add(24 * time.Hour)
	longLived, err := a.Sign("https://cdn.example.com/a.ts", cred)
	require.NoError(t, err)
	lu, _ := url.Parse(longLived)
	assert.Equal(t, "1700003600", lu.Query().Get(ParamExpires))

	_, err = a.Sign("relative/a.ts", cred)
	require.Error(t, err)
}

func TestCredentialUsable(t *testing.T) {
	now := time.Unix(100, 0)
	assert.True(t, Credential{}.Usable(now, time.Hour))
	assert.True(t, Credential{ExpiresAt: now.Add(2 * time.Minute)}.Usable(now, time.Minute))
	assert.False(t, Credential{ExpiresAt: now.Add(30 * time.Second)}.Usable(now, time.Minute))
	assert.False(t, Credential{ExpiresAt: now.Add(-time.Second)}.Usable(now, 0))
}

func TestIdentityClientIssue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer id-token", r.Header.Get("Authorization"))
		var req identityRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "A", req.Scheme)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_key":       "AK",
			"secret_or_token":  "SK",
			"security_token":   "ST",
			"expiry_timestamp": 1700003600,
		})
	}))
	defer server.Close()

	opts := fetcher.DefaultOptions()
	opts.Retry = retry.Policy{MaxAttempts: 1}
	client := NewIdentityClient(fetcher.New(opts), server.URL, "id-token")

	cred, err := client.Issue(context.Background(), model.SchemeA)
	require.NoError(t, err)
	assert.Equal(t, "AK", cred.AccessKey)
	assert.Equal(t, "SK", cred.Secret)
	assert.Equal(t, "ST", cred.Token)
	assert.Equal(t, time.Unix(1700003600, 0), cred.ExpiresAt)
}

func TestIdentityClientRejectsIncompleteCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_key":"AK"}`))
	}))
	defer server.Close()

	client := NewIdentityClient(fetcher.New(fetcher.DefaultOptions()), server.URL, "")
	_, err := client.Issue(context.Background(), model.SchemeA)
	require.ErrorIs(t, err, ErrInvalidCredential)

	unconfigured := NewIdentityClient(fetcher.New(fetcher.DefaultOptions()), "", "")
	_, err = unconfigured.Issue(context.Background(), model.SchemeA)
	require.ErrorIs(t, err, ErrInvalidCredential)
}
