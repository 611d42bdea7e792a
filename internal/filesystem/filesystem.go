package filesystem

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/knpwrs/recfetch/internal/model"
)

// Layout maps recordings and segments onto local paths.
//
// Staged segments live under one directory per recording:
//
//	<staging>/<sanitized id>-<hash8>/g<group>/<nnnnn>_<basename>
//
// The numeric prefix keeps a plain directory listing in playback order and
// keeps two segments with the same basename apart. Paths are a pure function
// of the recording key and segment metadata, so a later run finds the files an
// earlier run staged.
//
// See: https://context7.com/golang/go for Go file I/O documentation
type Layout struct {
	stagingDir string
	outputDir  string
}

// New creates a Layout rooted at the given staging and output directories.
func New(stagingDir, outputDir string) *Layout {
	return &Layout{stagingDir: stagingDir, outputDir: outputDir}
}

// RecordingDir returns the staging directory of one recording.
func (l *Layout) RecordingDir(key string) string {
	return filepath.Join(l.stagingDir, SanitizeFilename(key)+"-"+generateHash(key)[:8])
}

// SegmentPath returns the staging path of a segment.
func (l *Layout) SegmentPath(key string, seg model.Segment) string {
	return filepath.Join(
		l.RecordingDir(key),
		fmt.Sprintf("g%d", seg.Group),
		fmt.Sprintf("%05d_%s", seg.Index, segmentBasename(seg.SourceURI)),
	)
}

// Assign fills StagingPath for every segment of groups.
func (l *Layout) Assign(key string, groups []model.SegmentGroup) {
	for gi := range groups {
		for si := range groups[gi].Segments {
			seg := &groups[gi].Segments[si]
			seg.StagingPath = l.SegmentPath(key, *seg)
		}
	}
}

// OutputPath returns "<output>/<title> (<id>)<ext>", or "<output>/<id><ext>"
// when the recording has no title.
func (l *Layout) OutputPath(desc model.RecordingDescriptor, ext string) string {
	id := SanitizeFilename(desc.Key())
	name := id
	if strings.TrimSpace(desc.Title) != "" {
		name = fmt.Sprintf("%s (%s)", SanitizeFilename(desc.Title), id)
	}
	return filepath.Join(l.outputDir, name+ext)
}

// RelativePath returns the slash-separated path of target relative to dir.
//
// This is used when writing a local playlist next to staged files so the
// playlist keeps working if the directory is moved.
func RelativePath(dir, target string) (string, error) {
	relPath, err := filepath.Rel(dir, target)
	if err != nil {
		return "", fmt.Errorf("failed to calculate relative path: %w", err)
	}
	return filepath.ToSlash(relPath), nil
}

// NonEmptyFileExists reports whether path is a regular file with content.
//
// This is used to skip re-downloading segments a previous run staged.
func NonEmptyFileExists(path string) (bool, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return false, 0, nil
	}
	return true, info.Size(), nil
}

// FileExists checks if anything exists at path.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

var (
	reservedChars = regexp.MustCompile(`[\\/:*?"<>|]`)
	spaceRun      = regexp.MustCompile(`\s+`)
)

const maxNameRunes = 150

// SanitizeFilename makes name safe to use as a single path component on
// common filesystems. Reserved characters become underscores, the result is
// NFC-normalized, and overly long names are truncated.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	name = spaceRun.ReplaceAllString(name, " ")
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = reservedChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, " .")

	if utf8.RuneCountInString(name) > maxNameRunes {
		runes := []rune(name)
		name = strings.TrimRight(string(runes[:maxNameRunes]), " .")
	}
	if name == "" {
		return "untitled"
	}
	return name
}

// segmentBasename extracts the last path element of a segment URL.
func segmentBasename(uri string) string {
	parsedURL, err := url.Parse(uri)
	if err != nil {
		return generateFilenameFromURL(uri)
	}
	filename := path.Base(parsedURL.Path)
	if filename == "" || filename == "." || filename == "/" {
		return generateFilenameFromURL(uri)
	}
	return SanitizeFilename(filename)
}

// generateFilenameFromURL creates a filename from a URL when no filename is present.
func generateFilenameFromURL(urlStr string) string {
	return generateHash(urlStr)[:16] + ".ts"
}

// generateHash creates a hex SHA-256 of s for unique identification.
func generateHash(s string) string {
	hasher := sha256.New()
	hasher.Write([]byte(s))
	return hex.EncodeToString(hasher.Sum(nil))
}
