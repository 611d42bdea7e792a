// Package manifest persists the per-recording idempotency ledger.
//
// The ledger is a single JSON document rewritten atomically on every
// mutation. Writers serialize on a mutex; readers use an immutable snapshot
// and never block. A lock file next to the ledger keeps a second process from
// writing it concurrently.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"github.com/knpwrs/recfetch/internal/filesystem"
	"github.com/knpwrs/recfetch/internal/model"
)

// Version is the ledger format version.
const Version = 1

// Status is the lifecycle state of a recording.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// ErrLocked reports a ledger held by another process.
var ErrLocked = errors.New("manifest is locked by another process")

// WriteError reports a ledger that could not be persisted. It is run-fatal.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write manifest %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Entry is the persisted state of one recording. Descriptor fields are kept so
// pending work can be replayed without the catalog.
type Entry struct {
	Status           Status   `json:"status"`
	OutputPath       string   `json:"output_path,omitempty"`
	MeasuredDuration *float64 `json:"measured_duration,omitempty"`
	Validation       string   `json:"validation,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	// Permanent marks a failure that retrying cannot fix, such as an
	// unsupported scheme. Resume leaves such entries alone.
	Permanent bool      `json:"permanent,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`

	Title            string   `json:"title,omitempty"`
	SchemeMarker     string   `json:"scheme_marker,omitempty"`
	LocationPath     string   `json:"location_path,omitempty"`
	ExpectedDuration *float64 `json:"expected_duration_seconds,omitempty"`
}

// Record pairs an entry with its key.
type Record struct {
	Key string
	Entry
}

// Descriptor rebuilds the recording descriptor stored with the entry.
func (r Record) Descriptor() model.RecordingDescriptor {
	return model.RecordingDescriptor{
		ID:               r.Key,
		Title:            r.Title,
		SchemeMarker:     r.SchemeMarker,
		LocationPath:     r.LocationPath,
		ExpectedDuration: r.ExpectedDuration,
	}
}

type document struct {
	Version    int              `json:"version"`
	Recordings map[string]Entry `json:"recordings"`
}

// Manifest is the ledger of one manifest file.
type Manifest struct {
	path string
	lock *flock.Flock

	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]Entry]
	now      func() time.Time
}

// Open loads the ledger at path, creating an empty one in memory when the file
// does not exist yet, and takes the process lock.
func Open(path string) (*Manifest, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire manifest lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	entries, err := load(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	m := &Manifest{path: path, lock: lock, now: time.Now}
	m.snapshot.Store(&entries)
	return m, nil
}

func load(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("manifest %s: unsupported version %d", path, doc.Version)
	}
	if doc.Recordings == nil {
		doc.Recordings = map[string]Entry{}
	}
	return doc.Recordings, nil
}

// Path returns the ledger location.
func (m *Manifest) Path() string {
	return m.path
}

// Close releases the process lock.
func (m *Manifest) Close() error {
	return m.lock.Unlock()
}

// Lookup returns the entry for key. A complete entry whose output file has
// gone missing is reported as not started so the recording is redone.
func (m *Manifest) Lookup(key string) (Entry, bool) {
	entry, ok := (*m.snapshot.Load())[key]
	if !ok {
		return Entry{}, false
	}
	return effective(entry), true
}

// State returns the effective status of key.
func (m *Manifest) State(key string) Status {
	entry, ok := m.Lookup(key)
	if !ok {
		return StatusNotStarted
	}
	return entry.Status
}

// Entries returns every record sorted by key.
func (m *Manifest) Entries() []Record {
	return m.records(func(Entry) bool { return true })
}

// Pending returns every record that is not complete, sorted by key. Permanent
// failures are left out.
func (m *Manifest) Pending() []Record {
	return m.records(func(e Entry) bool { return e.Status != StatusComplete && !e.Permanent })
}

func (m *Manifest) records(keep func(Entry) bool) []Record {
	return collect(*m.snapshot.Load(), keep)
}

// Read returns every record of the ledger at path without taking the process
// lock, so status can be shown while a run holds it.
func Read(path string) ([]Record, error) {
	entries, err := load(path)
	if err != nil {
		return nil, err
	}
	return collect(entries, func(Entry) bool { return true }), nil
}

func collect(snap map[string]Entry, keep func(Entry) bool) []Record {
	out := make([]Record, 0, len(snap))
	for key, entry := range snap {
		entry = effective(entry)
		if keep(entry) {
			out = append(out, Record{Key: key, Entry: entry})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func effective(e Entry) Entry {
	if e.Status != StatusComplete {
		return e
	}
	if ok, _ := filesystem.FileExists(e.OutputPath); ok {
		return e
	}
	e.Status = StatusNotStarted
	e.Reason = "output missing: " + e.OutputPath
	return e
}

// MarkInProgress records that desc is being acquired.
func (m *Manifest) MarkInProgress(desc model.RecordingDescriptor) error {
	return m.update(desc.Key(), func(e *Entry) {
		e.Status = StatusInProgress
		e.Reason = ""
		e.Permanent = false
		e.describe(desc)
	})
}

func (e *Entry) describe(desc model.RecordingDescriptor) {
	e.Title = desc.Title
	e.SchemeMarker = desc.SchemeMarker
	e.LocationPath = desc.LocationPath
	e.ExpectedDuration = desc.ExpectedDuration
}

// MarkComplete records a reconstructed output and its advisory validation.
func (m *Manifest) MarkComplete(key, outputPath string, measured *float64, validation string) error {
	return m.update(key, func(e *Entry) {
		e.Status = StatusComplete
		e.OutputPath = outputPath
		e.MeasuredDuration = measured
		e.Validation = validation
		e.Reason = ""
	})
}

// MarkFailed records a resource-level failure.
func (m *Manifest) MarkFailed(key, reason string) error {
	return m.update(key, func(e *Entry) {
		e.Status = StatusFailed
		e.Reason = reason
		e.Permanent = false
	})
}

// MarkPermanentFailure records a failure that retrying the same descriptor
// cannot fix. The descriptor is stored so the entry can be inspected.
func (m *Manifest) MarkPermanentFailure(desc model.RecordingDescriptor, reason string) error {
	return m.update(desc.Key(), func(e *Entry) {
		e.Status = StatusFailed
		e.Reason = reason
		e.Permanent = true
		e.describe(desc)
	})
}

// update applies fn to a copy of the ledger, persists it, and only then
// publishes the new snapshot.
func (m *Manifest) update(key string, fn func(*Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := *m.snapshot.Load()
	next := make(map[string]Entry, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	entry := next[key]
	fn(&entry)
	entry.UpdatedAt = m.now().UTC()
	next[key] = entry

	if err := m.write(next); err != nil {
		return &WriteError{Path: m.path, Err: err}
	}
	m.snapshot.Store(&next)
	return nil
}

func (m *Manifest) write(entries map[string]Entry) error {
	data, err := json.MarshalIndent(document{Version: Version, Recordings: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	pending, err := renameio.NewPendingFile(m.path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	if _, err := pending.Write(append(data, '\n')); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}
