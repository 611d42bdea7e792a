package config

const (
	defaultStagingDir            = "~/.local/share/recfetch/staging"
	defaultOutputDir             = "~/recordings"
	defaultManifestPath          = "~/.local/share/recfetch/manifest.json"
	defaultConcurrency           = 16
	defaultMaxInFlight           = 32
	defaultRecordingConcurrency  = 2
	defaultRequestTimeoutSeconds = 30
	defaultMaxAttempts           = 3
	defaultRetryInitialMillis    = 500
	defaultRetryMaxMillis        = 10000
	defaultRetryMultiplier       = 2.0
	defaultUserAgent             = "recfetch/1.0"
	defaultAPIRequestsPerSecond  = 8.0
	defaultSafetyMarginSeconds   = 60
	defaultSignTTLSeconds        = 3600
	defaultCDNBase               = "https://filecdn.plaso.cn"
	defaultDescriptorName        = "streams.json"
	defaultPlayInfoURL           = "https://www.plaso.cn/yxt/servlet/ali/getPlayInfo"
	defaultReconstructStrategy   = StrategyAuto
	defaultFFmpegBinary          = "ffmpeg"
	defaultFFprobeBinary         = "ffprobe"
	defaultFallbackToRaw         = true
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultConfigDisplayPath     = "~/.config/recfetch/config.toml"
	defaultProjectConfigFilename = "recfetch.toml"
	envAccessToken               = "RECFETCH_ACCESS_TOKEN"
	envIdentityToken             = "RECFETCH_IDENTITY_TOKEN"
)

// Reconstruction strategies.
const (
	StrategyRaw  = "raw"
	StrategyMux  = "mux"
	StrategyAuto = "auto"
)

// Default returns a Config populated with repository defaults.
// fetch.max_failed_fraction is intentionally left unset.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir:   defaultStagingDir,
			OutputDir:    defaultOutputDir,
			ManifestPath: defaultManifestPath,
		},
		Fetch: Fetch{
			Concurrency:           defaultConcurrency,
			MaxInFlight:           defaultMaxInFlight,
			RecordingConcurrency:  defaultRecordingConcurrency,
			RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
			MaxAttempts:           defaultMaxAttempts,
			RetryInitialMillis:    defaultRetryInitialMillis,
			RetryMaxMillis:        defaultRetryMaxMillis,
			RetryMultiplier:       defaultRetryMultiplier,
			UserAgent:             defaultUserAgent,
			APIRequestsPerSecond:  defaultAPIRequestsPerSecond,
		},
		Auth: Auth{
			SafetyMarginSeconds: defaultSafetyMarginSeconds,
			SignTTLSeconds:      defaultSignTTLSeconds,
		},
		SchemeA: SchemeA{
			CDNBase:        defaultCDNBase,
			DescriptorName: defaultDescriptorName,
		},
		SchemeB: SchemeB{
			PlayInfoURL: defaultPlayInfoURL,
		},
		Reconstruct: Reconstruct{
			Strategy:      defaultReconstructStrategy,
			FFmpegBinary:  defaultFFmpegBinary,
			FFprobeBinary: defaultFFprobeBinary,
			FallbackToRaw: defaultFallbackToRaw,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
