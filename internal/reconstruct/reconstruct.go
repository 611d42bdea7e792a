// Package reconstruct assembles staged segments into a single output file.
package reconstruct

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/knpwrs/recfetch/internal/deps"
	"github.com/knpwrs/recfetch/internal/model"
)

// Strategy selects how segments become the output file.
type Strategy string

const (
	// StrategyRaw appends segment bytes into a transport stream.
	StrategyRaw Strategy = "raw"
	// StrategyMux concatenates, then remuxes with ffmpeg.
	StrategyMux Strategy = "mux"
	// StrategyAuto muxes when ffmpeg is available and falls back to raw otherwise.
	StrategyAuto Strategy = "auto"
)

// RawExt is the extension of raw concatenations.
const RawExt = ".ts"

// CommandRunner executes an external command.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// Options configures a Reconstructor.
type Options struct {
	Strategy      Strategy
	FFmpegBinary  string
	FallbackToRaw bool
	KeepStaging   bool
	Runner        CommandRunner
	Logger        zerolog.Logger
}

// Output describes a finished reconstruction.
type Output struct {
	Path           string
	Strategy       Strategy
	Segments       int
	Bytes          int64
	AudioReencoded bool
	FellBack       bool
	LocalPlaylist  string
}

// Reconstructor turns fetched segments into one ordered output stream.
type Reconstructor struct {
	strategy      Strategy
	ffmpeg        string
	fallbackToRaw bool
	keepStaging   bool
	run           CommandRunner
	logger        zerolog.Logger
}

// New creates a Reconstructor. An empty strategy means auto.
func New(opts Options) *Reconstructor {
	if opts.Strategy == "" {
		opts.Strategy = StrategyAuto
	}
	if strings.TrimSpace(opts.FFmpegBinary) == "" {
		opts.FFmpegBinary = "ffmpeg"
	}
	if opts.Runner == nil {
		opts.Runner = defaultCommandRunner
	}
	return &Reconstructor{
		strategy:      opts.Strategy,
		ffmpeg:        opts.FFmpegBinary,
		fallbackToRaw: opts.FallbackToRaw,
		keepStaging:   opts.KeepStaging,
		run:           opts.Runner,
		logger:        opts.Logger,
	}
}

// Effective resolves auto into raw or mux by looking for ffmpeg.
func (r *Reconstructor) Effective() Strategy {
	if r.strategy != StrategyAuto {
		return r.strategy
	}
	if deps.Check(deps.Requirement{Name: "FFmpeg", Command: r.ffmpeg}).Available {
		return StrategyMux
	}
	return StrategyRaw
}

// OutputPath returns the path a reconstruction into outputPath will produce
// under the effective strategy: raw output always carries the .ts extension.
func (r *Reconstructor) OutputPath(outputPath string) string {
	if r.Effective() == StrategyRaw {
		return rawPath(outputPath)
	}
	return outputPath
}

// Ordered returns the fetched segments of groups sorted by (group, segment).
// Failed and pending segments are left out.
func Ordered(groups []model.SegmentGroup) []model.Segment {
	var segs []model.Segment
	for _, g := range groups {
		for _, s := range g.Segments {
			if s.Status == model.SegmentFetched {
				segs = append(segs, s)
			}
		}
	}
	slices.SortStableFunc(segs, func(a, b model.Segment) int {
		if c := cmp.Compare(a.Group, b.Group); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
	return segs
}

// Reconstruct writes the fetched segments of groups to outputPath.
//
// The raw strategy writes <stem>.ts. The mux strategy concatenates into
// stagingDir and remuxes with ffmpeg, tolerating corrupt frames; a second
// pass re-encodes audio only. When both passes fail, the raw concatenation is
// kept as <stem>.ts if fallback is enabled, otherwise a ReconstructionError is
// returned. Staging is removed on success unless it is kept, in which case a
// local.m3u8 describing the staged files is written for inspection.
func (r *Reconstructor) Reconstruct(ctx context.Context, groups []model.SegmentGroup, stagingDir, outputPath string) (Output, error) {
	segs := Ordered(groups)
	if len(segs) == 0 {
		return Output{}, &model.ReconstructionError{Output: outputPath, Err: errors.New("no fetched segments")}
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return Output{}, &model.ReconstructionError{Output: outputPath, Err: err}
	}

	var (
		out Output
		err error
	)
	switch strategy := r.Effective(); strategy {
	case StrategyRaw:
		out, err = r.raw(segs, outputPath)
	case StrategyMux:
		out, err = r.mux(ctx, segs, stagingDir, outputPath)
	default:
		return Output{}, &model.ReconstructionError{Output: outputPath, Err: fmt.Errorf("unknown strategy %q", strategy)}
	}
	if err != nil {
		return Output{}, err
	}

	if r.keepStaging {
		playlist, err := WriteLocalPlaylist(groups, stagingDir)
		if err != nil {
			r.logger.Warn().Err(err).Str("staging", stagingDir).Msg("local playlist not written")
		}
		out.LocalPlaylist = playlist
	} else if err := os.RemoveAll(stagingDir); err != nil {
		r.logger.Warn().Err(err).Str("staging", stagingDir).Msg("staging not removed")
	}

	r.logger.Info().
		Str("output", out.Path).
		Str("strategy", string(out.Strategy)).
		Int("segments", out.Segments).
		Bool("fell_back", out.FellBack).
		Msg("reconstructed")
	return out, nil
}

func (r *Reconstructor) raw(segs []model.Segment, outputPath string) (Output, error) {
	target := rawPath(outputPath)
	n, err := concat(segs, target)
	if err != nil {
		return Output{}, &model.ReconstructionError{Output: target, Err: err}
	}
	return Output{Path: target, Strategy: StrategyRaw, Segments: len(segs), Bytes: n}, nil
}

func (r *Reconstructor) mux(ctx context.Context, segs []model.Segment, stagingDir, outputPath string) (Output, error) {
	joined := filepath.Join(stagingDir, "joined"+RawExt)
	n, err := concat(segs, joined)
	if err != nil {
		return Output{}, &model.ReconstructionError{Output: outputPath, Err: err}
	}
	defer os.Remove(joined)

	tmp := partialPath(outputPath)
	defer os.Remove(tmp)

	out := Output{Path: outputPath, Strategy: StrategyMux, Segments: len(segs), Bytes: n}
	copyErr := r.run(ctx, r.ffmpeg, ffmpegArgs(joined, tmp, false)...)
	if copyErr != nil {
		r.logger.Warn().Err(copyErr).Str("output", outputPath).Msg("stream copy failed, re-encoding audio")
		if err := r.run(ctx, r.ffmpeg, ffmpegArgs(joined, tmp, true)...); err != nil {
			return r.fallback(segs, outputPath, errors.Join(copyErr, err))
		}
		out.AudioReencoded = true
	}

	if err := os.Rename(tmp, outputPath); err != nil {
		return Output{}, &model.ReconstructionError{Output: outputPath, Err: err}
	}
	return out, nil
}

func (r *Reconstructor) fallback(segs []model.Segment, outputPath string, cause error) (Output, error) {
	if !r.fallbackToRaw {
		return Output{}, &model.ReconstructionError{Output: outputPath, Err: fmt.Errorf("ffmpeg: %w", cause)}
	}
	r.logger.Warn().Err(cause).Str("output", outputPath).Msg("ffmpeg failed, keeping raw concatenation")
	out, err := r.raw(segs, outputPath)
	if err != nil {
		return Output{}, err
	}
	out.FellBack = true
	return out, nil
}

func ffmpegArgs(input, output string, reencodeAudio bool) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-err_detect", "ignore_err",
		"-fflags", "+genpts+discardcorrupt",
		"-i", input,
	}
	if reencodeAudio {
		args = append(args, "-c:v", "copy", "-c:a", "aac")
	} else {
		args = append(args, "-c", "copy")
	}
	return append(args, output)
}

// concat appends segs into target through a pending file.
func concat(segs []model.Segment, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	pending, err := renameio.NewPendingFile(target, renameio.WithPermissions(0o644))
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", target, err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	var total int64
	for _, seg := range segs {
		n, err := appendFile(pending, seg.StagingPath)
		if err != nil {
			return 0, fmt.Errorf("append segment %d/%d: %w", seg.Group, seg.Index, err)
		}
		total += n
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("write %s: %w", target, err)
	}
	return total, nil
}

func appendFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

func rawPath(outputPath string) string {
	return strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + RawExt
}

// partialPath keeps the extension so ffmpeg still infers the container.
func partialPath(outputPath string) string {
	dir, base := filepath.Split(outputPath)
	ext := filepath.Ext(base)
	return filepath.Join(dir, "."+strings.TrimSuffix(base, ext)+".partial"+ext)
}

// defaultCommandRunner executes commands and includes their output in errors.
func defaultCommandRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
