package filesystem

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knpwrs/recfetch/internal/model"
)

func TestSegmentPath(t *testing.T) {
	tmpDir := t.TempDir()
	l := New(tmpDir, filepath.Join(tmpDir, "out"))

	seg := model.Segment{Group: 3, Index: 12, SourceURI: "https://example.com/path/to/file.ts?signature=abc"}
	localPath := l.SegmentPath("rec-1", seg)

	dir := l.RecordingDir("rec-1")
	expected := filepath.Join(dir, "g3", "00012_file.ts")
	if localPath != expected {
		t.Errorf("Expected %s, got %s", expected, localPath)
	}
	if !strings.HasPrefix(filepath.Base(dir), "rec-1-") {
		t.Errorf("Expected recording dir to start with the key, got %s", dir)
	}

	// Same inputs map to the same path on every call.
	if again := l.SegmentPath("rec-1", seg); again != localPath {
		t.Error("SegmentPath should be stable")
	}
}

func TestRecordingDirSeparatesKeysThatSanitizeAlike(t *testing.T) {
	l := New(t.TempDir(), "")
	assert.NotEqual(t, l.RecordingDir("a/b"), l.RecordingDir("a:b"))
}

func TestSegmentPathWithoutBasename(t *testing.T) {
	l := New(t.TempDir(), "")
	p := l.SegmentPath("k", model.Segment{Group: 1, Index: 1, SourceURI: "https://example.com/"})
	assert.Regexp(t, `00001_[0-9a-f]{16}\.ts$`, p)
}

func TestAssign(t *testing.T) {
	l := New(t.TempDir(), "")
	groups := []model.SegmentGroup{
		model.NewSegmentGroup(2, "a2", "", []string{"https://cdn/a2/s.ts", "https://cdn/a2/s.ts?x=2"}),
	}
	l.Assign("k", groups)

	assert.NotEmpty(t, groups[0].Segments[0].StagingPath)
	assert.NotEqual(t, groups[0].Segments[0].StagingPath, groups[0].Segments[1].StagingPath)
}

func TestOutputPath(t *testing.T) {
	l := New("", "/out")
	assert.Equal(t, filepath.Join("/out", "Week 3_ Limits (rec-7).mp4"),
		l.OutputPath(model.RecordingDescriptor{ID: "rec-7", Title: "Week 3: Limits"}, ".mp4"))
	assert.Equal(t, filepath.Join("/out", "rec-7.ts"),
		l.OutputPath(model.RecordingDescriptor{ID: "rec-7"}, ".ts"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`a/b\c:d*e?f"g<h>i|j`, "a_b_c_d_e_f_g_h_i_j"},
		{"  spaced\t\tout  ", "spaced out"},
		{"trailing dots...", "trailing dots"},
		{"bell\x07char", "bellchar"},
		{"", "untitled"},
		{"...", "untitled"},
		{"café", "café"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}

	long := strings.Repeat("录", 400)
	assert.Equal(t, maxNameRunes, len([]rune(SanitizeFilename(long))))
}

func TestNonEmptyFileExists(t *testing.T) {
	dir := t.TempDir()

	ok, _, err := NonEmptyFileExists(filepath.Join(dir, "missing.ts"))
	require.NoError(t, err)
	assert.False(t, ok)

	empty := filepath.Join(dir, "empty.ts")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	ok, _, err = NonEmptyFileExists(empty)
	require.NoError(t, err)
	assert.False(t, ok)

	full := filepath.Join(dir, "full.ts")
	require.NoError(t, os.WriteFile(full, []byte("data"), 0o644))
	ok, size, err := NonEmptyFileExists(full)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(4), size)

	ok, _, err = NonEmptyFileExists(dir)
	require.NoError(t, err)
	assert.False(t, ok, "directories are not staged segments")
}

func TestFileExists(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.txt")

	exists, err := FileExists(path)
	if err != nil {
		t.Fatalf("FileExists failed: %v", err)
	}
	if exists {
		t.Error("File should not exist yet")
	}

	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	exists, err = FileExists(path)
	if err != nil {
		t.Fatalf("FileExists failed: %v", err)
	}
	if !exists {
		t.Error("File should exist after writing")
	}
}

func TestRelativePath(t *testing.T) {
	l := New(t.TempDir(), "")
	dir := l.RecordingDir("k")
	seg := l.SegmentPath("k", model.Segment{Group: 1, Index: 1, SourceURI: "https://cdn/s.ts"})
	require.NoError(t, os.MkdirAll(filepath.Dir(seg), 0o755))
	require.NoError(t, os.WriteFile(seg, []byte("x"), 0o644))

	rel, err := RelativePath(dir, seg)
	require.NoError(t, err)
	assert.Equal(t, "g1/00001_s.ts", rel)
}
