package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/knpwrs/recfetch/internal/retry"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains the on-disk locations used by a run.
type Paths struct {
	StagingDir   string `toml:"staging_dir"`
	OutputDir    string `toml:"output_dir"`
	ManifestPath string `toml:"manifest_path"`
}

// Fetch contains network concurrency, retry, and tolerance settings.
type Fetch struct {
	// Concurrency is the number of segment workers per recording.
	Concurrency int `toml:"concurrency"`
	// MaxInFlight caps in-flight requests across every recording of the run.
	MaxInFlight int `toml:"max_in_flight"`
	// RecordingConcurrency is the number of recordings acquired at once.
	RecordingConcurrency  int     `toml:"recording_concurrency"`
	RequestTimeoutSeconds int     `toml:"request_timeout_seconds"`
	MaxAttempts           int     `toml:"max_attempts"`
	RetryInitialMillis    int     `toml:"retry_initial_ms"`
	RetryMaxMillis        int     `toml:"retry_max_ms"`
	RetryMultiplier       float64 `toml:"retry_multiplier"`
	// MaxFailedFraction is the tolerated share of failed segments. No default.
	MaxFailedFraction    *float64 `toml:"max_failed_fraction"`
	UserAgent            string   `toml:"user_agent"`
	APIRequestsPerSecond float64  `toml:"api_requests_per_second"`
}

// Auth contains credential issuance and signing settings.
type Auth struct {
	IdentityURL         string `toml:"identity_url"`
	IdentityToken       string `toml:"identity_token"`
	SafetyMarginSeconds int    `toml:"safety_margin_seconds"`
	SignTTLSeconds      int    `toml:"sign_ttl_seconds"`
}

// SchemeA locates descriptor documents on the CDN.
type SchemeA struct {
	CDNBase        string `toml:"cdn_base"`
	DescriptorName string `toml:"descriptor_name"`
}

// SchemeB configures the play-info lookup.
type SchemeB struct {
	PlayInfoURL string `toml:"play_info_url"`
	AccessToken string `toml:"access_token"`
}

// Reconstruct controls how staged segments become one output file.
type Reconstruct struct {
	Strategy      string `toml:"strategy"`
	FFmpegBinary  string `toml:"ffmpeg_binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
	FallbackToRaw bool   `toml:"fallback_to_raw"`
	KeepStaging   bool   `toml:"keep_staging"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Metrics configures optional counter export.
type Metrics struct {
	TextfilePath string `toml:"textfile_path"`
}

// Config encapsulates all configuration values for recfetch.
//
// Configuration sections by subsystem:
//   - Paths: staging area, output directory, manifest location
//   - Fetch: worker counts, in-flight ceiling, retry policy, failure tolerance
//   - Auth: identity service and URL signing
//   - SchemeA / SchemeB: per-scheme endpoints
//   - Reconstruct: strategy and external tools
//   - Logging: log format and level
//   - Metrics: optional textfile export
type Config struct {
	Paths       Paths       `toml:"paths"`
	Fetch       Fetch       `toml:"fetch"`
	Auth        Auth        `toml:"auth"`
	SchemeA     SchemeA     `toml:"scheme_a"`
	SchemeB     SchemeB     `toml:"scheme_b"`
	Reconstruct Reconstruct `toml:"reconstruct"`
	Logging     Logging     `toml:"logging"`
	Metrics     Metrics     `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigDisplayPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	return LoadWith(path, nil)
}

// LoadWith behaves like Load but applies override to the decoded file before
// normalization and validation, so command-line flags take part in both.
func LoadWith(path string, override func(*Config)) (*Config, string, bool, error) {
	return load(path, override, (*Config).Validate)
}

// LoadReadOnly behaves like LoadWith for commands that only inspect state. It
// does not require the failure threshold.
func LoadReadOnly(path string, override func(*Config)) (*Config, string, bool, error) {
	return load(path, override, (*Config).ValidateReadOnly)
}

func load(path string, override func(*Config), validate func(*Config) error) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if override != nil {
		override(&cfg)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := validate(&cfg); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs(defaultProjectConfigFilename)
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the staging, output, and manifest directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StagingDir, c.Paths.OutputDir, filepath.Dir(c.Paths.ManifestPath)}
	if strings.TrimSpace(c.Metrics.TextfilePath) != "" {
		dirs = append(dirs, filepath.Dir(c.Metrics.TextfilePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RetryPolicy returns the shared retry policy described by [fetch].
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Fetch.MaxAttempts,
		InitialInterval: time.Duration(c.Fetch.RetryInitialMillis) * time.Millisecond,
		MaxInterval:     time.Duration(c.Fetch.RetryMaxMillis) * time.Millisecond,
		Multiplier:      c.Fetch.RetryMultiplier,
	}
}

// RequestTimeout bounds a single network attempt.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Fetch.RequestTimeoutSeconds) * time.Second
}

// SafetyMargin is how long before expiry a credential stops being reused.
func (c *Config) SafetyMargin() time.Duration {
	return time.Duration(c.Auth.SafetyMarginSeconds) * time.Second
}

// SignTTL is the lifetime requested for each signed URL.
func (c *Config) SignTTL() time.Duration {
	return time.Duration(c.Auth.SignTTLSeconds) * time.Second
}

// FailedFraction returns the configured tolerance. Validate guarantees it is set.
func (c *Config) FailedFraction() float64 {
	if c.Fetch.MaxFailedFraction == nil {
		return 0
	}
	return *c.Fetch.MaxFailedFraction
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
// An existing file is never overwritten.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("config already exists at %s", path)
		}
		return fmt.Errorf("write sample config: %w", err)
	}
	if _, err := file.WriteString(sampleConfig); err != nil {
		_ = file.Close()
		return fmt.Errorf("write sample config: %w", err)
	}
	return file.Close()
}
