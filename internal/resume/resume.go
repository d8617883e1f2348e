// Package resume implements the durable checkpoint store: one JSON
// file per transfer under a state directory, written atomically
// (write-temp-then-rename), scanned on startup to discover resumable
// transfers, and swept for corruption before a session resumes from
// it.
package resume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/filemesh/transfercore/internal/chunkmgr"
)

// Direction mirrors TransferRequest's direction.
type Direction string

const (
	DirectionUpload   Direction = "Upload"
	DirectionDownload Direction = "Download"
)

// ChunkState is one of the five states a chunk can occupy, duplicated
// here (rather than imported from internal/session) to keep the
// resume file format stable independent of the in-memory session
// representation; the two are kept in sync by the session engine on
// every checkpoint.
type ChunkState string

const (
	ChunkPending    ChunkState = "Pending"
	ChunkInProgress ChunkState = "InProgress"
	ChunkCompleted  ChunkState = "Completed"
	ChunkFailed     ChunkState = "Failed"
	ChunkRetrying   ChunkState = "Retrying"
)

// State is the durable record for one transfer, matching the document
// described in spec.md §6 field for field. Metadata is preserved
// round-trip even for keys this module does not itself understand, and
// so is any top-level field outside this set: Unknown carries whatever
// else a newer or older writer put in the file so Save never drops it.
type State struct {
	TransferID      string                `json:"transfer_id"`
	FileName        string                `json:"file_name"`
	FileSize        int64                 `json:"file_size"`
	ChunkSize       int64                 `json:"chunk_size"`
	TotalChunks     int64                 `json:"total_chunks"`
	CompletedChunks int64                 `json:"completed_chunks"`
	Direction       Direction             `json:"direction"`
	RemoteEndpoint  string                `json:"remote_endpoint"`
	LocalPath       string                `json:"local_path"`
	LastSaved       time.Time             `json:"last_saved"`
	ChunkStates     map[int64]ChunkState  `json:"chunk_states"`
	ChunkChecksums  map[int64]string      `json:"chunk_checksums"`
	Metadata        map[string]string     `json:"metadata"`

	// Unknown holds any top-level JSON field this version of State
	// doesn't declare, keyed by field name, so a round-trip through an
	// older or newer writer never silently loses data.
	Unknown map[string]json.RawMessage `json:"-"`
}

// stateAlias has State's declared fields without its custom
// Marshal/UnmarshalJSON, so those methods can delegate to the default
// struct codec without recursing into themselves.
type stateAlias State

// knownStateFields lists the JSON keys stateAlias already owns, so
// UnmarshalJSON knows which leftover keys belong in Unknown.
var knownStateFields = map[string]bool{
	"transfer_id": true, "file_name": true, "file_size": true,
	"chunk_size": true, "total_chunks": true, "completed_chunks": true,
	"direction": true, "remote_endpoint": true, "local_path": true,
	"last_saved": true, "chunk_states": true, "chunk_checksums": true,
	"metadata": true,
}

// MarshalJSON emits the declared fields plus any Unknown ones merged
// back in at the top level.
func (s *State) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal((*stateAlias)(s))
	if err != nil {
		return nil, err
	}
	if len(s.Unknown) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(s.Unknown)+12)
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Unknown {
		if _, declared := knownStateFields[k]; declared {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the declared fields and stashes every other
// top-level key in Unknown so a later Save re-emits it unchanged.
func (s *State) UnmarshalJSON(data []byte) error {
	var alias stateAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*s = State(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range knownStateFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		s.Unknown = raw
	}
	return nil
}

var (
	// ErrResumeNotFound is returned when no state file exists for a
	// transfer id.
	ErrResumeNotFound = errors.New("resume: state not found")
	// ErrResumeBlocked wraps a human-readable reason validation failed.
	ErrResumeBlocked = errors.New("resume: blocked")
)

// Summary is returned after a successful resume, reporting what the
// corruption sweep found.
type Summary struct {
	ResumedFromChunk int64
	RemainingChunks  int64
	RecoveredChunks  int64 // demoted Completed -> Failed by the sweep
}

// CorruptionFunc is invoked once per chunk demoted by the corruption
// sweep.
type CorruptionFunc func(transferID string, chunkIndex int64)

// ChunkReader resolves the local bytes for a chunk index, so the
// sweep can recompute its hash. The session engine supplies this over
// the destination file (download) or source file (upload).
type ChunkReader func(index int64) ([]byte, error)

// Store manages one JSON file per transfer under dir.
type Store struct {
	dir string

	mu       sync.Mutex
	perFile  map[string]*sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("resume: create state dir %q: %w", dir, err)
	}
	return &Store{dir: dir, perFile: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) pathFor(transferID string) string {
	return filepath.Join(s.dir, transferID+".json")
}

func (s *Store) lockFor(transferID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.perFile[transferID]
	if !ok {
		l = &sync.Mutex{}
		s.perFile[transferID] = l
	}
	return l
}

// Save serializes state and writes it atomically (write-temp-then-rename).
func (s *Store) Save(state *State) error {
	lock := s.lockFor(state.TransferID)
	lock.Lock()
	defer lock.Unlock()

	state.LastSaved = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("resume: marshal state for %q: %w", state.TransferID, err)
	}

	finalPath := s.pathFor(state.TransferID)
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("resume: write temp state for %q: %w", state.TransferID, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("resume: rename temp state for %q: %w", state.TransferID, err)
	}
	return nil
}

// Load reads the raw state for transferID. Any top-level JSON field
// not declared on State is captured in its Unknown map and re-emitted
// verbatim by the next Save, so a newer or older writer's fields
// survive a load/save round-trip.
func (s *Store) Load(transferID string) (*State, error) {
	data, err := os.ReadFile(s.pathFor(transferID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrResumeNotFound, transferID)
		}
		return nil, fmt.Errorf("resume: read state for %q: %w", transferID, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("resume: unmarshal state for %q: %w", transferID, err)
	}
	return &state, nil
}

// Delete removes the state file for transferID. Called on terminal
// success or explicit cancellation.
func (s *Store) Delete(transferID string) error {
	lock := s.lockFor(transferID)
	lock.Lock()
	defer lock.Unlock()
	err := os.Remove(s.pathFor(transferID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("resume: delete state for %q: %w", transferID, err)
	}
	return nil
}

// Resumable describes one candidate discovered by ListResumable.
type Resumable struct {
	TransferID string
	CanResume  bool
	Reason     string
}

// ListResumable scans the state directory and validates every record
// found: age (MaxResumeAge), and for uploads that the local source
// file still exists with matching length, for downloads that the
// `<path>.partial` file exists.
func (s *Store) ListResumable(maxAge time.Duration) ([]Resumable, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("resume: list state dir: %w", err)
	}

	var out []Resumable
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		transferID := entry.Name()[:len(entry.Name())-len(".json")]
		state, err := s.Load(transferID)
		if err != nil {
			continue
		}
		canResume, reason := validate(state, maxAge)
		out = append(out, Resumable{TransferID: transferID, CanResume: canResume, Reason: reason})
	}
	return out, nil
}

func validate(state *State, maxAge time.Duration) (bool, string) {
	if time.Since(state.LastSaved) > maxAge {
		return false, "resume state exceeds MaxResumeAge"
	}
	switch state.Direction {
	case DirectionUpload:
		info, err := os.Stat(state.LocalPath)
		if err != nil {
			return false, "source file no longer exists"
		}
		if info.Size() != state.FileSize {
			return false, "source file size no longer matches recorded size"
		}
	case DirectionDownload:
		if _, err := os.Stat(state.LocalPath + ".partial"); err != nil {
			return false, "partial download file no longer exists"
		}
	}
	return true, ""
}

// Resume runs the full resume algorithm: load, validate, sweep for
// corruption, and return a fresh surviving bitmap plus a summary.
// readChunk resolves local bytes for a Completed chunk's byte range so
// its hash can be recomputed.
func (s *Store) Resume(transferID string, maxAge time.Duration, readChunk ChunkReader, onCorruption CorruptionFunc) (*State, Summary, error) {
	state, err := s.Load(transferID)
	if err != nil {
		return nil, Summary{}, err
	}

	if ok, reason := validate(state, maxAge); !ok {
		return nil, Summary{}, fmt.Errorf("%w: %s", ErrResumeBlocked, reason)
	}

	var recovered int64
	for index, st := range state.ChunkStates {
		if st != ChunkCompleted {
			continue
		}
		expected, ok := state.ChunkChecksums[index]
		if !ok {
			state.ChunkStates[index] = ChunkFailed
			state.CompletedChunks--
			recovered++
			if onCorruption != nil {
				onCorruption(transferID, index)
			}
			continue
		}
		data, err := readChunk(index)
		if err != nil || !chunkmgr.Verify(data, expected) {
			state.ChunkStates[index] = ChunkFailed
			state.CompletedChunks--
			recovered++
			if onCorruption != nil {
				onCorruption(transferID, index)
			}
		}
	}

	var remaining int64
	var resumedFrom int64 = -1
	for index := int64(0); index < state.TotalChunks; index++ {
		st, ok := state.ChunkStates[index]
		if !ok || st != ChunkCompleted {
			remaining++
			if resumedFrom == -1 {
				resumedFrom = index
			}
		}
	}
	if resumedFrom == -1 {
		resumedFrom = state.TotalChunks
	}

	if err := s.Save(state); err != nil {
		return nil, Summary{}, err
	}

	return state, Summary{
		ResumedFromChunk: resumedFrom,
		RemainingChunks:  remaining,
		RecoveredChunks:  recovered,
	}, nil
}
