package cmd

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/knpwrs/recfetch/internal/config"
	"github.com/knpwrs/recfetch/internal/manifest"
)

var statusManifest string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every recording in the manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadReadOnlyConfig(cmd)
		if err != nil {
			return err
		}
		path := cfg.Paths.ManifestPath
		if statusManifest != "" {
			if path, err = config.ExpandPath(statusManifest); err != nil {
				return err
			}
		}

		records, err := manifest.Read(path)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No recordings in %s\n", path)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderStatus(records))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusManifest, "manifest", "", "Manifest file (default paths.manifest_path)")
}

func renderStatus(records []manifest.Record) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Key", "Title", "Status", "Duration", "Validation", "Updated", "Detail"})
	for _, rec := range records {
		duration := ""
		if rec.MeasuredDuration != nil {
			duration = strconv.FormatFloat(*rec.MeasuredDuration, 'f', 1, 64) + "s"
		}
		detail := rec.OutputPath
		if rec.Reason != "" {
			detail = rec.Reason
		}
		tw.AppendRow(table.Row{
			rec.Key,
			rec.Title,
			string(rec.Status),
			duration,
			rec.Validation,
			rec.UpdatedAt.Local().Format("2006-01-02 15:04"),
			text.Trim(detail, 60),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
