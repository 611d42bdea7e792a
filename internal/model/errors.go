package model

import (
	"errors"
	"fmt"
)

// ResolutionError reports a recording whose segment groups could not be discovered.
type ResolutionError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("resolve %s: %s", e.Key, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// UnsupportedSchemeError reports a scheme marker the engine does not know.
type UnsupportedSchemeError struct {
	Key    string
	Marker string
}

func (e *UnsupportedSchemeError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("unsupported scheme marker %q", e.Marker)
	}
	return fmt.Sprintf("recording %s: unsupported scheme marker %q", e.Key, e.Marker)
}

// AuthError reports a credential that could not be issued.
type AuthError struct {
	Scheme   Scheme
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("issue scheme %s credential after %d attempt(s): %v", e.Scheme, e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// MalformedPlaylistError reports a playlist without any segment entries.
type MalformedPlaylistError struct {
	URI    string
	Reason string
}

func (e *MalformedPlaylistError) Error() string {
	return fmt.Sprintf("malformed playlist %s: %s", e.URI, e.Reason)
}

// SegmentFetchError is scoped to a single segment and contained by the downloader.
type SegmentFetchError struct {
	Group     int
	Index     int
	URI       string
	Retryable bool
	Err       error
}

func (e *SegmentFetchError) Error() string {
	return fmt.Sprintf("segment %d/%d (%s): %v", e.Group, e.Index, e.URI, e.Err)
}

func (e *SegmentFetchError) Unwrap() error { return e.Err }

// IncompleteDownloadError reports a recording whose failed-segment fraction
// exceeded the configured threshold, or that fetched nothing at all.
type IncompleteDownloadError struct {
	Key       string
	Failed    int
	Total     int
	Threshold float64
}

func (e *IncompleteDownloadError) Error() string {
	if e.Total > 0 && e.Failed >= e.Total {
		return fmt.Sprintf("recording %s: no segment could be fetched (%d failed)", e.Key, e.Failed)
	}
	return fmt.Sprintf("recording %s: %d of %d segments failed, above threshold %.4f",
		e.Key, e.Failed, e.Total, e.Threshold)
}

// FailedFraction returns Failed/Total, or 1 for an empty recording.
func (e *IncompleteDownloadError) FailedFraction() float64 {
	if e.Total == 0 {
		return 1
	}
	return float64(e.Failed) / float64(e.Total)
}

// ReconstructionError reports a failed assembly of the output stream.
type ReconstructionError struct {
	Output string
	Err    error
}

func (e *ReconstructionError) Error() string {
	return fmt.Sprintf("reconstruct %s: %v", e.Output, e.Err)
}

func (e *ReconstructionError) Unwrap() error { return e.Err }

// IsResourceFatal reports whether err aborts only the recording it belongs to.
func IsResourceFatal(err error) bool {
	var (
		resolution  *ResolutionError
		unsupported *UnsupportedSchemeError
		auth        *AuthError
		malformed   *MalformedPlaylistError
		incomplete  *IncompleteDownloadError
		rebuild     *ReconstructionError
	)
	switch {
	case errors.As(err, &resolution),
		errors.As(err, &unsupported),
		errors.As(err, &auth),
		errors.As(err, &malformed),
		errors.As(err, &incomplete),
		errors.As(err, &rebuild):
		return true
	default:
		return false
	}
}
