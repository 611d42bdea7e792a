package model

import (
	"errors"
	"fmt"
	"strings"
)

// Scheme identifies the storage and authentication strategy behind a recording.
//
// The set is closed: ParseScheme is the only way to obtain a non-zero value, and
// every switch over Scheme handles SchemeA and SchemeB explicitly and rejects the
// rest. Adding a scheme means adding a constant and fixing every switch.
type Scheme int

const (
	schemeUnknown Scheme = iota
	// SchemeA covers multi-segment archival recordings behind delegated credentials.
	SchemeA
	// SchemeB covers single transcoded streams reached through a play-info lookup.
	SchemeB
)

const (
	markerSchemeA = "liveclass"
	markerSchemeB = "ossvideo"
)

// String returns a short, stable label used in logs, metrics and the manifest.
func (s Scheme) String() string {
	switch s {
	case SchemeA:
		return "A"
	case SchemeB:
		return "B"
	default:
		return "unknown"
	}
}

// ParseScheme maps a scheme marker onto a Scheme.
//
// Archival recordings live under paths such as "liveclass/plaso" while transcoded
// uploads live under "ossvideo".
func ParseScheme(marker string) (Scheme, error) {
	m := strings.ToLower(strings.Trim(strings.TrimSpace(marker), "/"))
	if i := strings.Index(m, "/"); i >= 0 {
		m = m[:i]
	}
	switch {
	case strings.HasPrefix(m, markerSchemeA):
		return SchemeA, nil
	case m == markerSchemeB:
		return SchemeB, nil
	default:
		return schemeUnknown, &UnsupportedSchemeError{Marker: marker}
	}
}

// RecordingDescriptor is the catalog's description of one recording.
type RecordingDescriptor struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	SchemeMarker     string   `json:"scheme_marker,omitempty"`
	LocationPath     string   `json:"location_path"`
	ExpectedDuration *float64 `json:"expected_duration_seconds,omitempty"`
}

// Key returns the manifest key for the recording.
func (d RecordingDescriptor) Key() string {
	return strings.TrimSpace(d.ID)
}

// Marker returns the explicit scheme marker, or the first location path
// component when none was supplied.
func (d RecordingDescriptor) Marker() string {
	if m := strings.TrimSpace(d.SchemeMarker); m != "" {
		return m
	}
	return strings.Trim(strings.TrimSpace(d.LocationPath), "/")
}

// Scheme resolves the descriptor's storage scheme.
func (d RecordingDescriptor) Scheme() (Scheme, error) {
	scheme, err := ParseScheme(d.Marker())
	var unsupported *UnsupportedSchemeError
	if errors.As(err, &unsupported) {
		unsupported.Key = d.Key()
	}
	return scheme, err
}

// ErrInvalidDescriptor marks descriptors that cannot be processed at all.
var ErrInvalidDescriptor = errors.New("invalid recording descriptor")

// Validate reports descriptors that cannot be processed at all. The error
// wraps ErrInvalidDescriptor.
func (d RecordingDescriptor) Validate() error {
	if d.Key() == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDescriptor)
	}
	if d.ExpectedDuration != nil && *d.ExpectedDuration < 0 {
		return fmt.Errorf("%w: recording %s: negative expected duration", ErrInvalidDescriptor, d.Key())
	}
	return nil
}
