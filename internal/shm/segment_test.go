package shm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestSegmentLifecycle walks a segment through create, truncate, write through one
// mapping, read through another and close.
func TestSegmentLifecycle(t *testing.T) {
	before := Live()

	s, err := CreateSized("outputstreamer-test", 4096)
	if err != nil {
		t.Fatalf("CreateSized() = %v", err)
	}
	if Live() != before+1 {
		t.Fatalf("Live() = %d, want %d", Live(), before+1)
	}

	if _, err := os.Stat(filepath.Join(Dir, s.Name())); !os.IsNotExist(err) {
		t.Errorf("segment name %s still linked (stat err=%v)", s.Name(), err)
	}

	w, err := s.Map(true)
	if err != nil {
		t.Fatalf("Map(writable) = %v", err)
	}
	copy(w, []byte("pixels"))

	r, err := s.Map(false)
	if err != nil {
		t.Fatalf("Map(read) = %v", err)
	}
	if string(r[:6]) != "pixels" {
		t.Errorf("read mapping = %q, want %q", r[:6], "pixels")
	}

	if err := Unmap(r); err != nil {
		t.Errorf("Unmap(read) = %v", err)
	}
	if err := Unmap(w); err != nil {
		t.Errorf("Unmap(write) = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if Live() != before {
		t.Errorf("Live() after close = %d, want %d", Live(), before)
	}
	if s.FD() != -1 {
		t.Errorf("FD() after close = %d, want -1", s.FD())
	}
}

func TestSegmentGrow(t *testing.T) {
	s, err := CreateSized("outputstreamer-test", 1024)
	if err != nil {
		t.Fatalf("CreateSized() = %v", err)
	}
	defer s.Close()

	if err := s.Truncate(8192); err != nil {
		t.Fatalf("Truncate(8192) = %v", err)
	}
	if s.Size() != 8192 {
		t.Fatalf("Size() = %d, want 8192", s.Size())
	}

	data, err := s.Map(true)
	if err != nil {
		t.Fatalf("Map() = %v", err)
	}
	defer Unmap(data)

	if len(data) != 8192 {
		t.Fatalf("mapping length = %d, want 8192", len(data))
	}
	data[8191] = 1
}

func TestSegmentErrors(t *testing.T) {
	s, err := Create("outputstreamer-test")
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}

	if _, err := s.Map(false); err == nil {
		t.Error("Map() on empty segment should fail")
	}
	if err := s.Truncate(0); err == nil {
		t.Error("Truncate(0) should fail")
	}

	s.Close()
	if err := s.Truncate(16); !errors.Is(err, ErrClosed) {
		t.Errorf("Truncate() after close = %v, want ErrClosed", err)
	}
	if _, err := s.Map(true); !errors.Is(err, ErrClosed) {
		t.Errorf("Map() after close = %v, want ErrClosed", err)
	}
}

func TestCreateFallsBackToMemfd(t *testing.T) {
	old := Dir
	Dir = filepath.Join(t.TempDir(), "missing")
	defer func() { Dir = old }()

	s, err := CreateSized("outputstreamer-test", 64)
	if err != nil {
		t.Fatalf("CreateSized() with missing dir = %v", err)
	}
	defer s.Close()

	if s.FD() < 0 {
		t.Fatal("expected a valid descriptor from memfd fallback")
	}
}
