// Package deps locates the external binaries used for reconstruction and
// duration probing.
package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement defines an external binary recfetch may call.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a binary.
type Status struct {
	Name        string
	Command     string
	Path        string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		results = append(results, Check(req))
	}
	return results
}

// Check evaluates a single requirement.
func Check(req Requirement) Status {
	cmd := strings.TrimSpace(req.Command)
	status := Status{
		Name:        req.Name,
		Command:     cmd,
		Description: strings.TrimSpace(req.Description),
		Optional:    req.Optional,
	}
	if cmd == "" {
		status.Detail = "command not configured"
		return status
	}
	path, err := exec.LookPath(cmd)
	if err != nil {
		status.Detail = fmt.Sprintf("binary %q not found", cmd)
		return status
	}
	status.Path = path
	status.Available = true
	return status
}

// Media returns the requirements for the configured ffmpeg and ffprobe binaries.
// ffmpeg is optional when the raw strategy can stand in for it.
func Media(ffmpeg, ffprobe string, ffmpegOptional bool) []Requirement {
	return []Requirement{
		{Name: "FFmpeg", Command: ffmpeg, Description: "remuxes concatenated segments into the output container", Optional: ffmpegOptional},
		{Name: "FFprobe", Command: ffprobe, Description: "measures output duration for validation", Optional: true},
	}
}
