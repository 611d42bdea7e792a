package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knpwrs/recfetch/internal/config"
)

var samplePath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := samplePath
		if path == "" {
			var err error
			if path, err = config.DefaultConfigPath(); err != nil {
				return err
			}
		} else {
			var err error
			if path, err = config.ExpandPath(path); err != nil {
				return err
			}
		}
		if err := config.CreateSample(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", path)
		fmt.Fprintln(cmd.OutOrStdout(), "Set fetch.max_failed_fraction before the first run.")
		return nil
	},
}

func init() {
	configInitCmd.Flags().StringVarP(&samplePath, "path", "p", "", "Where to write the sample (default ~/.config/recfetch/config.toml)")
	configCmd.AddCommand(configInitCmd)
}
