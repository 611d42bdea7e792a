package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable for acquisition.
func (c *Config) Validate() error {
	if err := c.validateThreshold(); err != nil {
		return err
	}
	return c.ValidateReadOnly()
}

// ValidateReadOnly checks everything except the failure threshold, which only
// commands that fetch segments need.
func (c *Config) ValidateReadOnly() error {
	if err := c.validateFetch(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateSchemes(); err != nil {
		return err
	}
	if err := c.validateReconstruct(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateThreshold() error {
	if c.Fetch.MaxFailedFraction == nil {
		return fmt.Errorf("fetch.max_failed_fraction is required. Set it in %s or pass --max-failed-fraction", defaultConfigDisplayPath)
	}
	if f := *c.Fetch.MaxFailedFraction; f < 0 || f >= 1 {
		return errors.New("fetch.max_failed_fraction must be at least 0 and below 1")
	}
	return nil
}

func (c *Config) validateFetch() error {
	if c.Fetch.MaxFailedFraction != nil {
		if f := *c.Fetch.MaxFailedFraction; f < 0 || f >= 1 {
			return errors.New("fetch.max_failed_fraction must be at least 0 and below 1")
		}
	}
	if c.Fetch.Concurrency < 1 {
		return errors.New("fetch.concurrency must be positive")
	}
	if c.Fetch.MaxInFlight < 1 {
		return errors.New("fetch.max_in_flight must be positive")
	}
	if c.Fetch.RecordingConcurrency < 1 {
		return errors.New("fetch.recording_concurrency must be positive")
	}
	if c.Fetch.RequestTimeoutSeconds < 1 {
		return errors.New("fetch.request_timeout_seconds must be positive")
	}
	if c.Fetch.MaxAttempts < 1 {
		return errors.New("fetch.max_attempts must be at least 1")
	}
	if c.Fetch.RetryInitialMillis < 0 || c.Fetch.RetryMaxMillis < 0 {
		return errors.New("fetch.retry_initial_ms and fetch.retry_max_ms must not be negative")
	}
	if c.Fetch.RetryMaxMillis < c.Fetch.RetryInitialMillis {
		return errors.New("fetch.retry_max_ms must be at least fetch.retry_initial_ms")
	}
	if c.Fetch.RetryMultiplier < 1 {
		return errors.New("fetch.retry_multiplier must be at least 1")
	}
	if c.Fetch.APIRequestsPerSecond < 0 {
		return errors.New("fetch.api_requests_per_second must not be negative")
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth.SafetyMarginSeconds < 0 {
		return errors.New("auth.safety_margin_seconds must not be negative")
	}
	if c.Auth.SignTTLSeconds < 1 {
		return errors.New("auth.sign_ttl_seconds must be positive")
	}
	if c.Auth.IdentityURL != "" {
		if err := validateURL(c.Auth.IdentityURL); err != nil {
			return fmt.Errorf("auth.identity_url: %w", err)
		}
	}
	return nil
}

func (c *Config) validateSchemes() error {
	if err := validateURL(c.SchemeA.CDNBase); err != nil {
		return fmt.Errorf("scheme_a.cdn_base: %w", err)
	}
	if err := validateURL(c.SchemeB.PlayInfoURL); err != nil {
		return fmt.Errorf("scheme_b.play_info_url: %w", err)
	}
	return nil
}

func (c *Config) validateReconstruct() error {
	switch c.Reconstruct.Strategy {
	case StrategyRaw, StrategyMux, StrategyAuto:
		return nil
	default:
		return fmt.Errorf("reconstruct.strategy must be one of raw, mux, auto (got %q)", c.Reconstruct.Strategy)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json (got %q)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error (got %q)", c.Logging.Level)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
