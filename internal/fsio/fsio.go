// Package fsio is the minimal file abstraction the transfer core
// consumes, per spec.md §6: open-read-at, open-write, length,
// modified-time, and an optional whole-file hash. It is the concrete,
// local-disk implementation of that external interface — callers that
// need a different backing store (cloud blob, virtual filesystem)
// implement the same two interfaces directly.
package fsio

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"time"
)

// Source is a read side: a file the core reads chunks out of for an
// upload.
type Source interface {
	ReadAt(offset, length int64) ([]byte, error)
	Length() (int64, error)
	ModifiedAt() (time.Time, error)
	Hash() (string, error)
	Close() error
}

// Sink is a write side: a file the core writes chunks into for a
// download.
type Sink interface {
	WriteAt(offset int64, data []byte) error
	Flush() error
	Close() error
}

// LocalSource opens a local file for chunked reads.
type LocalSource struct {
	path string
	f    *os.File
}

// OpenSource opens path for reading. The classified error on a missing
// file surfaces through internal/classifier's FileSystem category via
// the caller, not here — this layer returns the *PathError wrapped
// with the path, so errors.Is/As still reach it.
func OpenSource(path string) (*LocalSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fsio: open source %q: %w", path, err)
	}
	return &LocalSource{path: path, f: f}, nil
}

func (s *LocalSource) ReadAt(offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := s.f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("fsio: read %q at %d: %w", s.path, offset, err)
	}
	return buf[:n], nil
}

func (s *LocalSource) Length() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("fsio: stat %q: %w", s.path, err)
	}
	return info.Size(), nil
}

func (s *LocalSource) ModifiedAt() (time.Time, error) {
	info, err := s.f.Stat()
	if err != nil {
		return time.Time{}, fmt.Errorf("fsio: stat %q: %w", s.path, err)
	}
	return info.ModTime(), nil
}

// Hash computes the whole-file SHA-256/base64 digest, for the
// end-to-end byte-conservation check in spec.md §8 property 2. It reads
// the file in chunk-sized passes rather than loading it wholesale.
func (s *LocalSource) Hash() (string, error) {
	length, err := s.Length()
	if err != nil {
		return "", err
	}
	const passSize = 4 << 20
	h := chunkmgrHasher{}
	var offset int64
	for offset < length || (length == 0 && offset == 0) {
		n := int64(passSize)
		if offset+n > length {
			n = length - offset
		}
		if n == 0 {
			break
		}
		buf, err := s.ReadAt(offset, n)
		if err != nil {
			return "", err
		}
		h.Write(buf)
		offset += n
		if length == 0 {
			break
		}
	}
	return h.Sum(), nil
}

func (s *LocalSource) Close() error { return s.f.Close() }

// LocalSink opens a local file for chunked writes. It creates the file
// (and any parent directory) if missing, and never truncates an
// existing partial file — resume depends on the bytes already there.
type LocalSink struct {
	path string
	f    *os.File
}

// OpenSink opens path for writing, creating it if necessary.
func OpenSink(path string) (*LocalSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("fsio: create parent dir for %q: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fsio: open sink %q: %w", path, err)
	}
	return &LocalSink{path: path, f: f}, nil
}

func (s *LocalSink) WriteAt(offset int64, data []byte) error {
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("fsio: write %q at %d: %w", s.path, offset, err)
	}
	return nil
}

func (s *LocalSink) Flush() error {
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("fsio: sync %q: %w", s.path, err)
	}
	return nil
}

func (s *LocalSink) Close() error { return s.f.Close() }

// chunkmgrHasher streams bytes through the same SHA-256 the Chunk
// Manager uses, so LocalSource.Hash and per-chunk hashes are computed
// the same way.
type chunkmgrHasher struct {
	h hash.Hash
}

func (h *chunkmgrHasher) Write(p []byte) {
	if h.h == nil {
		h.h = sha256.New()
	}
	h.h.Write(p)
}

func (h *chunkmgrHasher) Sum() string {
	if h.h == nil {
		h.h = sha256.New()
	}
	return base64.StdEncoding.EncodeToString(h.h.Sum(nil))
}
