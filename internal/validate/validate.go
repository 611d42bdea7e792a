// Package validate classifies a reconstructed recording's duration against
// the duration the platform reported for it.
package validate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/knpwrs/recfetch/internal/deps"
	"github.com/knpwrs/recfetch/internal/ffprobe"
	"github.com/knpwrs/recfetch/internal/metrics"
)

// Class is the outcome of a duration check.
type Class string

const (
	ClassOK   Class = "OK"
	ClassWarn Class = "WARN"
	ClassFail Class = "FAIL"
)

const (
	okTolerance   = 0.05
	warnTolerance = 0.20
	// epsilon absorbs float noise so exact boundary values classify inclusively.
	epsilon = 1e-9
)

// Verdict is an advisory duration check result. It never blocks completion.
type Verdict struct {
	Class      Class    `json:"class"`
	Measured   float64  `json:"measured_seconds,omitempty"`
	Expected   *float64 `json:"expected_seconds,omitempty"`
	Difference float64  `json:"difference,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Classify compares measured against expected. The relative difference is
// |measured-expected|/expected: at most 5% is OK, at most 20% is WARN, and
// anything above, a missing expectation or an unusable measurement is FAIL.
func Classify(measured float64, expected *float64) Verdict {
	v := Verdict{Measured: measured, Expected: expected}
	switch {
	case expected == nil || *expected <= 0:
		v.Class = ClassFail
		v.Reason = "expected duration unavailable"
		return v
	case math.IsNaN(measured) || math.IsInf(measured, 0) || measured <= 0:
		v.Class = ClassFail
		v.Reason = "measured duration unavailable"
		return v
	}

	v.Difference = math.Abs(measured-*expected) / *expected
	switch {
	case v.Difference <= okTolerance+epsilon:
		v.Class = ClassOK
	case v.Difference <= warnTolerance+epsilon:
		v.Class = ClassWarn
		v.Reason = fmt.Sprintf("duration differs by %.2f%%", v.Difference*100)
	default:
		v.Class = ClassFail
		v.Reason = fmt.Sprintf("duration differs by %.2f%%", v.Difference*100)
	}
	return v
}

// ProbeFunc measures the duration of a media file in seconds.
type ProbeFunc func(ctx context.Context, path string) (float64, error)

// ErrProbeUnavailable reports that no probe binary could be found.
var ErrProbeUnavailable = errors.New("ffprobe not available")

// FFprobe returns a ProbeFunc backed by the given ffprobe binary.
func FFprobe(binary string) ProbeFunc {
	return func(ctx context.Context, path string) (float64, error) {
		if !deps.Check(deps.Requirement{Name: "FFprobe", Command: binary}).Available {
			return 0, ErrProbeUnavailable
		}
		result, err := ffprobe.Inspect(ctx, binary, path)
		if err != nil {
			return 0, err
		}
		return result.DurationSeconds(), nil
	}
}

// Validator probes outputs and classifies their durations.
type Validator struct {
	probe   ProbeFunc
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Validator. m may be nil.
func New(probe ProbeFunc, m *metrics.Metrics, logger zerolog.Logger) *Validator {
	return &Validator{probe: probe, metrics: m, logger: logger}
}

// Validate measures path and classifies it against expected. A probe failure
// yields a FAIL verdict carrying the probe error as its reason.
func (v *Validator) Validate(ctx context.Context, path string, expected *float64) Verdict {
	var verdict Verdict
	measured, err := v.probe(ctx, path)
	if err != nil {
		verdict = Verdict{Class: ClassFail, Expected: expected, Reason: fmt.Sprintf("probe failed: %v", err)}
	} else {
		verdict = Classify(measured, expected)
	}

	if v.metrics != nil {
		v.metrics.Validations.WithLabelValues(string(verdict.Class)).Inc()
	}
	event := v.logger.Info()
	if verdict.Class != ClassOK {
		event = v.logger.Warn()
	}
	event.Str("output", path).
		Str("class", string(verdict.Class)).
		Float64("measured", verdict.Measured).
		Str("reason", verdict.Reason).
		Msg("duration validated")
	return verdict
}
