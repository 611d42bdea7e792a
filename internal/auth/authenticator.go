package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/knpwrs/recfetch/internal/fetcher"
	"github.com/knpwrs/recfetch/internal/metrics"
	"github.com/knpwrs/recfetch/internal/model"
	"github.com/knpwrs/recfetch/internal/retry"
)

// ErrInvalidCredential marks an issuer response that can never become valid by
// asking again.
var ErrInvalidCredential = errors.New("invalid credential")

// Issuer obtains a fresh credential for a scheme.
type Issuer interface {
	Issue(ctx context.Context, scheme model.Scheme) (Credential, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context, scheme model.Scheme) (Credential, error)

// Issue calls f.
func (f IssuerFunc) Issue(ctx context.Context, scheme model.Scheme) (Credential, error) {
	return f(ctx, scheme)
}

// Options configures an Authenticator.
type Options struct {
	Issuer       Issuer
	SafetyMargin time.Duration
	SignTTL      time.Duration
	// RenewTimeout bounds one shared renewal, retries included.
	RenewTimeout time.Duration
	Retry        retry.Policy
	Clock        func() time.Time
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Authenticator hands out credentials and signs URLs with them.
//
// Each instance owns its cache. Reads take the mutex only long enough to copy
// the current pointer; renewal happens outside the lock and concurrent renewals
// for the same scheme collapse into one issuer call.
type Authenticator struct {
	issuer  Issuer
	margin  time.Duration
	signTTL time.Duration
	timeout time.Duration
	policy  retry.Policy
	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu    sync.Mutex
	cache map[model.Scheme]*Credential
	group singleflight.Group
}

// New creates an Authenticator.
func New(opts Options) *Authenticator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SignTTL <= 0 {
		opts.SignTTL = time.Hour
	}
	if opts.SafetyMargin < 0 {
		opts.SafetyMargin = 0
	}
	if opts.RenewTimeout <= 0 {
		opts.RenewTimeout = 2 * time.Minute
	}
	return &Authenticator{
		issuer:  opts.Issuer,
		margin:  opts.SafetyMargin,
		signTTL: opts.SignTTL,
		timeout: opts.RenewTimeout,
		policy:  opts.Retry,
		now:     opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		cache:   make(map[model.Scheme]*Credential),
	}
}

// Credential returns a usable credential for scheme, issuing a new one when the
// cached value is missing or too close to expiry.
func (a *Authenticator) Credential(ctx context.Context, scheme model.Scheme) (Credential, error) {
	switch scheme {
	case model.SchemeA:
	case model.SchemeB:
		// Scheme B URLs arrive pre-signed.
		return Credential{Scheme: model.SchemeB}, nil
	default:
		return Credential{}, &model.UnsupportedSchemeError{Marker: scheme.String()}
	}

	if cred, ok := a.cached(scheme); ok {
		return cred, nil
	}

	// The renewal is shared by every waiting caller, so it must not inherit
	// the cancellation of whichever caller happened to start it.
	ch := a.group.DoChan(scheme.String(), func() (any, error) {
		if cred, ok := a.cached(scheme); ok {
			return cred, nil
		}
		renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		return a.renew(renewCtx, scheme)
	})
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// Sign returns uri authorized by cred.
func (a *Authenticator) Sign(uri string, cred Credential) (string, error) {
	switch cred.Scheme {
	case model.SchemeA:
		return signURL(uri, cred, a.now(), a.signTTL)
	case model.SchemeB:
		return uri, nil
	default:
		return "", &model.UnsupportedSchemeError{Marker: cred.Scheme.String()}
	}
}

// SignURL fetches the scheme's credential and signs uri with it.
func (a *Authenticator) SignURL(ctx context.Context, scheme model.Scheme, uri string) (string, error) {
	cred, err := a.Credential(ctx, scheme)
	if err != nil {
		return "", err
	}
	return a.Sign(uri, cred)
}

func (a *Authenticator) cached(scheme model.Scheme) (Credential, bool) {
	a.mu.Lock()
	cred := a.cache[scheme]
	a.mu.Unlock()
	if cred == nil || !cred.Usable(a.now(), a.margin) {
		return Credential{}, false
	}
	return *cred, true
}

func (a *Authenticator) renew(ctx context.Context, scheme model.Scheme) (Credential, error) {
	if a.issuer == nil {
		return Credential{}, &model.AuthError{Scheme: scheme, Err: errors.New("no credential issuer configured")}
	}

	var cred Credential
	attempts, err := a.policy.Do(ctx, func(attempt int) error {
		issued, err := a.issuer.Issue(ctx, scheme)
		if err != nil {
			a.logger.Warn().Err(err).Str("scheme", scheme.String()).Int("attempt", attempt).Msg("credential issuance failed")
			if isPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		cred = issued
		return nil
	})
	if err != nil {
		a.count(scheme, "failure")
		return Credential{}, &model.AuthError{Scheme: scheme, Attempts: attempts, Err: err}
	}

	cred.Scheme = scheme
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = a.now()
	}
	stored := cred
	a.mu.Lock()
	a.cache[scheme] = &stored
	a.mu.Unlock()

	a.count(scheme, "success")
	a.logger.Debug().Str("scheme", scheme.String()).Time("expires_at", cred.ExpiresAt).Msg("credential issued")
	return cred, nil
}

func (a *Authenticator) count(scheme model.Scheme, result string) {
	if a.metrics == nil {
		return
	}
	a.metrics.CredentialIssuance.WithLabelValues(scheme.String(), result).Inc()
}

func isPermanent(err error) bool {
	if errors.Is(err, ErrInvalidCredential) || errors.Is(err, context.Canceled) {
		return true
	}
	return fetcher.IsStatus(err, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound)
}
