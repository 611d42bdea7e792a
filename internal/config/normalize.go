package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeFetch()
	c.normalizeAuth()
	c.normalizeSchemes()
	c.normalizeReconstruct()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		c.Paths.StagingDir = defaultStagingDir
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ManifestPath) == "" {
		c.Paths.ManifestPath = defaultManifestPath
	}
	if c.Paths.ManifestPath, err = expandPath(c.Paths.ManifestPath); err != nil {
		return fmt.Errorf("paths.manifest_path: %w", err)
	}
	if c.Metrics.TextfilePath, err = expandPath(strings.TrimSpace(c.Metrics.TextfilePath)); err != nil {
		return fmt.Errorf("metrics.textfile_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeFetch() {
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = defaultUserAgent
	}
	// The ceiling must admit at least one full worker pool.
	if c.Fetch.MaxInFlight > 0 && c.Fetch.MaxInFlight < c.Fetch.Concurrency {
		c.Fetch.MaxInFlight = c.Fetch.Concurrency
	}
}

func (c *Config) normalizeAuth() {
	c.Auth.IdentityURL = strings.TrimSpace(c.Auth.IdentityURL)
	if c.Auth.IdentityToken == "" {
		if value, ok := os.LookupEnv(envIdentityToken); ok {
			c.Auth.IdentityToken = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeSchemes() {
	c.SchemeA.CDNBase = strings.TrimRight(strings.TrimSpace(c.SchemeA.CDNBase), "/")
	if c.SchemeA.CDNBase == "" {
		c.SchemeA.CDNBase = defaultCDNBase
	}
	c.SchemeA.DescriptorName = strings.Trim(strings.TrimSpace(c.SchemeA.DescriptorName), "/")
	if c.SchemeA.DescriptorName == "" {
		c.SchemeA.DescriptorName = defaultDescriptorName
	}
	c.SchemeB.PlayInfoURL = strings.TrimSpace(c.SchemeB.PlayInfoURL)
	if c.SchemeB.PlayInfoURL == "" {
		c.SchemeB.PlayInfoURL = defaultPlayInfoURL
	}
	if c.SchemeB.AccessToken == "" {
		if value, ok := os.LookupEnv(envAccessToken); ok {
			c.SchemeB.AccessToken = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeReconstruct() {
	c.Reconstruct.Strategy = strings.ToLower(strings.TrimSpace(c.Reconstruct.Strategy))
	if c.Reconstruct.Strategy == "" {
		c.Reconstruct.Strategy = defaultReconstructStrategy
	}
	if strings.TrimSpace(c.Reconstruct.FFmpegBinary) == "" {
		c.Reconstruct.FFmpegBinary = defaultFFmpegBinary
	}
	if strings.TrimSpace(c.Reconstruct.FFprobeBinary) == "" {
		c.Reconstruct.FFprobeBinary = defaultFFprobeBinary
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
