package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knpwrs/recfetch/internal/log"
)

var resumeManifest string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Replay every recording in the manifest that is not complete",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, resumeManifest)
		if err != nil {
			return err
		}
		logger := log.WithComponent("cli")
		defer s.close(logger)

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		results, err := s.engine.Resume(ctx)
		if err != nil {
			return fmt.Errorf("run %s stopped: %w", s.engine.RunID(), err)
		}
		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to resume")
			return nil
		}
		return report(cmd, results)
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeManifest, "manifest", "", "Manifest file (default paths.manifest_path)")
}
