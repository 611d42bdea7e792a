package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/knpwrs/recfetch/internal/acquire"
	"github.com/knpwrs/recfetch/internal/config"
	"github.com/knpwrs/recfetch/internal/log"
	"github.com/knpwrs/recfetch/internal/manifest"
)

var (
	configPath        string
	logLevel          string
	logFormat         string
	maxFailedFraction float64
	noProgress        bool
)

// rootCmd represents the base command when called without any subcommands.
//
// recfetch reconstructs recordings that are only published as authenticated,
// time-limited segments: it resolves the recording's sub-streams, fetches
// every segment, assembles them in order and checks the result's duration,
// keeping a manifest so repeated runs only do outstanding work.
//
// See: https://context7.com/golang/go for Go documentation
var rootCmd = &cobra.Command{
	Use:   "recfetch",
	Short: "Acquire and reconstruct segmented recordings",
	Long: `recfetch downloads recordings that a platform exposes only as short, signed
media segments spread over one or more sub-streams, and reassembles them into a
single file.

Every recording is tracked in a manifest. Completed recordings are skipped on
later runs, and failed or interrupted ones can be picked up with "resume".`,
	Example: `  # Write a sample configuration
  recfetch config init

  # Acquire one recording
  recfetch acquire --id 5f1c --title "Algebra week 1" --location liveclass/plaso/5f1c --expected 3600

  # Acquire every recording listed in a catalog export
  recfetch acquire --descriptors recordings.json

  # Retry everything not yet complete
  recfetch resume

  # Show the manifest
  recfetch status`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
//
// This is called by main.main(). It only needs to happen once to the rootCmd.
//
// See: https://context7.com/golang/go for Go documentation
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Configuration file (default ~/.config/recfetch/config.toml or ./recfetch.toml)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "Log format: console or json")
	flags.Float64Var(&maxFailedFraction, "max-failed-fraction", 0, "Tolerated share of failed segments per recording, in [0,1)")
	flags.BoolVar(&noProgress, "no-progress", false, "Do not print download progress")

	rootCmd.AddCommand(acquireCmd, resumeCmd, statusCmd, depsCmd, configCmd)
}

type configLoader func(path string, override func(*config.Config)) (*config.Config, string, bool, error)

// loadConfig loads the configuration with command-line overrides applied and
// configures logging from it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return loadConfigWith(cmd, config.LoadWith)
}

// loadReadOnlyConfig is loadConfig for commands that never fetch segments.
func loadReadOnlyConfig(cmd *cobra.Command) (*config.Config, error) {
	return loadConfigWith(cmd, config.LoadReadOnly)
}

func loadConfigWith(cmd *cobra.Command, loader configLoader) (*config.Config, error) {
	cfg, _, _, err := loader(configPath, func(c *config.Config) {
		if cmd.Flags().Changed("max-failed-fraction") {
			f := maxFailedFraction
			c.Fetch.MaxFailedFraction = &f
		}
		if logLevel != "" {
			c.Logging.Level = logLevel
		}
		if logFormat != "" {
			c.Logging.Format = logFormat
		}
	})
	if err != nil {
		return nil, err
	}
	log.Configure(log.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, nil
}

// session is everything a pipeline command needs.
type session struct {
	cfg      *config.Config
	manifest *manifest.Manifest
	engine   *acquire.Engine
}

func openSession(cmd *cobra.Command, manifestOverride string) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if manifestOverride != "" {
		path, err := config.ExpandPath(manifestOverride)
		if err != nil {
			return nil, err
		}
		cfg.Paths.ManifestPath = path
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	m, err := manifest.Open(cfg.Paths.ManifestPath)
	if err != nil {
		return nil, err
	}

	opts := acquire.Options{Logger: log.WithComponent("engine")}
	if !noProgress && isatty.IsTerminal(os.Stderr.Fd()) {
		opts.Progress = os.Stderr
	}
	return &session{cfg: cfg, manifest: m, engine: acquire.New(cfg, m, opts)}, nil
}

func (s *session) close(logger zerolog.Logger) {
	if err := s.engine.Close(); err != nil {
		logger.Warn().Err(err).Msg("metrics export failed")
	}
	if err := s.manifest.Close(); err != nil {
		logger.Warn().Err(err).Msg("manifest lock not released")
	}
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// report prints one line per result and returns an error when any failed.
func report(cmd *cobra.Command, results []acquire.Result) error {
	failed := 0
	for _, res := range results {
		if res.Key == "" && res.Status == "" {
			continue
		}
		switch {
		case res.Err != nil:
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "FAILED    %s: %v\n", res.Key, res.Err)
		case res.Skipped:
			fmt.Fprintf(cmd.OutOrStdout(), "SKIPPED   %s: %s\n", res.Key, res.OutputPath)
		case res.Status == manifest.StatusComplete:
			fmt.Fprintf(cmd.OutOrStdout(), "COMPLETE  %s: %s (duration %s)\n", res.Key, res.OutputPath, res.Validation.Class)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s\n", res.Status, res.Key)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d recording(s) failed", failed)
	}
	return nil
}
