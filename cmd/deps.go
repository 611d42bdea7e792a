package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/knpwrs/recfetch/internal/config"
	"github.com/knpwrs/recfetch/internal/deps"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Check the external binaries used for remuxing and validation",
	Long: `deps looks up ffmpeg and ffprobe as configured. ffmpeg is required only when
reconstruct.strategy is "mux"; without ffprobe every duration check fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadReadOnlyConfig(cmd)
		if err != nil {
			return err
		}
		statuses := deps.CheckBinaries(mediaRequirements(cfg))
		fmt.Fprintln(cmd.OutOrStdout(), renderDeps(statuses))
		if missing := missingRequired(statuses); missing > 0 {
			return fmt.Errorf("%d required binary(ies) missing", missing)
		}
		return nil
	},
}

func mediaRequirements(cfg *config.Config) []deps.Requirement {
	return deps.Media(cfg.Reconstruct.FFmpegBinary, cfg.Reconstruct.FFprobeBinary, cfg.Reconstruct.Strategy != config.StrategyMux)
}

func missingRequired(statuses []deps.Status) int {
	missing := 0
	for _, st := range statuses {
		if !st.Available && !st.Optional {
			missing++
		}
	}
	return missing
}

func renderDeps(statuses []deps.Status) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Binary", "Command", "Status", "Path", "Used for"})
	for _, st := range statuses {
		state := "ok"
		switch {
		case !st.Available && st.Optional:
			state = "missing (optional)"
		case !st.Available:
			state = "missing"
		}
		path := st.Path
		if path == "" {
			path = st.Detail
		}
		tw.AppendRow(table.Row{st.Name, st.Command, state, path, st.Description})
	}
	return tw.Render()
}
