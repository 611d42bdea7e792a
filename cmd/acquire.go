package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knpwrs/recfetch/internal/acquire"
	"github.com/knpwrs/recfetch/internal/log"
	"github.com/knpwrs/recfetch/internal/model"
)

var (
	recordingID     string
	recordingTitle  string
	locationPath    string
	schemeMarker    string
	expectedSeconds float64
	outputPath      string
	descriptorsFile string
)

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Acquire one recording, or every recording in a descriptor file",
	Long: `acquire resolves, fetches, reconstructs and validates recordings.

Describe a single recording with --id and --location (plus --title, --scheme and
--expected as available), or pass --descriptors with a JSON array of
{"id","title","scheme_marker","location_path","expected_duration_seconds"} objects.`,
	Args: cobra.NoArgs,
	RunE: runAcquire,
}

func init() {
	f := acquireCmd.Flags()
	f.StringVar(&recordingID, "id", "", "Recording identifier")
	f.StringVar(&recordingTitle, "title", "", "Recording title, used for the output file name")
	f.StringVar(&locationPath, "location", "", "Location path of the recording (e.g. liveclass/plaso/<id>)")
	f.StringVar(&schemeMarker, "scheme", "", "Scheme marker; defaults to the first location path component")
	f.Float64Var(&expectedSeconds, "expected", 0, "Expected duration in seconds")
	f.StringVarP(&outputPath, "output", "o", "", "Output file (single recording only)")
	f.StringVar(&descriptorsFile, "descriptors", "", "JSON file listing recording descriptors")
	acquireCmd.MarkFlagsMutuallyExclusive("id", "descriptors")
	acquireCmd.MarkFlagsMutuallyExclusive("output", "descriptors")
}

func runAcquire(cmd *cobra.Command, args []string) error {
	descs, err := descriptorsFromFlags(cmd)
	if err != nil {
		return err
	}

	s, err := openSession(cmd, "")
	if err != nil {
		return err
	}
	logger := log.WithComponent("cli")
	defer s.close(logger)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var results []acquire.Result
	if len(descs) == 1 {
		var res acquire.Result
		res, err = s.engine.AcquireOne(ctx, descs[0], acquire.AcquireOptions{OutputPath: outputPath})
		results = []acquire.Result{res}
	} else {
		results, err = s.engine.AcquireAll(ctx, descs)
	}
	if err != nil {
		return fmt.Errorf("run %s stopped: %w", s.engine.RunID(), err)
	}
	return report(cmd, results)
}

func descriptorsFromFlags(cmd *cobra.Command) ([]model.RecordingDescriptor, error) {
	if descriptorsFile != "" {
		data, err := os.ReadFile(descriptorsFile)
		if err != nil {
			return nil, fmt.Errorf("read descriptors: %w", err)
		}
		var descs []model.RecordingDescriptor
		if err := json.Unmarshal(data, &descs); err != nil {
			return nil, fmt.Errorf("parse descriptors %s: %w", descriptorsFile, err)
		}
		if len(descs) == 0 {
			return nil, errors.New("descriptor file lists no recordings")
		}
		return descs, nil
	}

	if recordingID == "" || locationPath == "" {
		return nil, errors.New("either --descriptors or both --id and --location are required")
	}
	desc := model.RecordingDescriptor{
		ID:           recordingID,
		Title:        recordingTitle,
		SchemeMarker: schemeMarker,
		LocationPath: locationPath,
	}
	if cmd.Flags().Changed("expected") {
		expected := expectedSeconds
		desc.ExpectedDuration = &expected
	}
	return []model.RecordingDescriptor{desc}, nil
}
