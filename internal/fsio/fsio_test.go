package fsio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSourceReadAtAndLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("hello chunked world")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	length, err := src.Length()
	if err != nil {
		t.Fatal(err)
	}
	if length != int64(len(content)) {
		t.Fatalf("Length() = %d, want %d", length, len(content))
	}

	got, err := src.ReadAt(6, 7)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "chunked" {
		t.Fatalf("ReadAt() = %q, want %q", got, "chunked")
	}
}

func TestSourceOpenMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenSource(filepath.Join(dir, "missing.bin"))
	if err == nil {
		t.Fatal("expected error opening missing file")
	}
}

func TestSourceHashStable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := make([]byte, 10<<20) // exceed the 4MiB pass size
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	h1, err := src.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := src.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("Hash() must be stable across calls")
	}
	if h1 == "" {
		t.Fatal("Hash() must not be empty")
	}
}

func TestSourceHashEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := OpenSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	h, err := src.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h == "" {
		t.Fatal("Hash() of empty file must still produce a digest")
	}
}

func TestSinkWriteAtCreatesFileAndPreservesExistingBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "download.partial")

	sink, err := OpenSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.WriteAt(0, []byte("AAAA")); err != nil {
		t.Fatal(err)
	}
	if err := sink.WriteAt(8, []byte("BBBB")); err != nil {
		t.Fatal(err)
	}
	if err := sink.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening must not truncate: the gap at offset 4..8 stays zero-filled,
	// and bytes already written at 0 and 8 must survive the reopen.
	sink2, err := OpenSink(path)
	if err != nil {
		t.Fatal(err)
	}
	defer sink2.Close()
	if err := sink2.WriteAt(4, []byte("CCCC")); err != nil {
		t.Fatal(err)
	}
	if err := sink2.Flush(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "AAAACCCCBBBB"
	if string(got) != want {
		t.Fatalf("file contents = %q, want %q", got, want)
	}
}
