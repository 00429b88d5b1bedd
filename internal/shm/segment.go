package shm

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrClosed is returned by operations on a closed segment
var ErrClosed = errors.New("shared memory segment closed")

// Dir is where named segments are created before being unlinked
var Dir = "/dev/shm"

var live atomic.Int64

// Live returns the number of segments that have been created and not yet closed
func Live() int64 {
	return live.Load()
}

// Segment is a kernel-backed memory region reachable through a file descriptor.
// The name is unlinked right after creation so only the descriptor keeps it alive.
type Segment struct {
	mu     sync.Mutex
	name   string
	fd     int
	size   int
	closed bool
}

// Create opens a new named segment with a unique name derived from prefix.
// Falls back to memfd_create when Dir is not usable.
func Create(prefix string) (*Segment, error) {
	name := fmt.Sprintf("%s-%s", prefix, uuid.NewString())
	log := logger.WithComponent("shm")

	fd, err := createNamed(name)
	if err != nil {
		log.Debug().Err(err).Str("dir", Dir).Msg("Named segment unavailable, using memfd")
		fd, err = unix.MemfdCreate(name, unix.MFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared memory %s: %w", name, err)
		}
	}

	live.Add(1)
	log.Debug().Str("name", name).Int("fd", fd).Msg("Segment created")
	return &Segment{name: name, fd: fd}, nil
}

// CreateSized creates a segment and truncates it to size bytes
func CreateSized(prefix string, size int) (*Segment, error) {
	s, err := Create(prefix)
	if err != nil {
		return nil, err
	}
	if err := s.Truncate(size); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func createNamed(name string) (int, error) {
	path := filepath.Join(Dir, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return -1, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := unix.Unlink(path); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to unlink %s: %w", path, err)
	}
	return fd, nil
}

// Truncate resizes the segment
func (s *Segment) Truncate(size int) error {
	if size <= 0 {
		return fmt.Errorf("invalid segment size %d", size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := unix.Ftruncate(s.fd, int64(size)); err != nil {
		return fmt.Errorf("failed to truncate %s to %d: %w", s.name, size, err)
	}
	s.size = size
	return nil
}

// Map maps the whole segment. Writable maps are shared with every other mapping of the descriptor.
func (s *Segment) Map(writable bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.size == 0 {
		return nil, fmt.Errorf("failed to map %s: segment is empty", s.name)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(s.fd, 0, s.size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", s.name, err)
	}
	return data, nil
}

// Unmap releases a mapping returned by Map
func Unmap(data []byte) error {
	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("failed to unmap: %w", err)
	}
	return nil
}

// FD returns the descriptor, or -1 once closed
func (s *Segment) FD() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1
	}
	return s.fd
}

// Size returns the current capacity in bytes
func (s *Segment) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Name returns the (already unlinked) name the segment was created under
func (s *Segment) Name() string {
	return s.name
}

// Close closes the descriptor. It is safe to call more than once.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	live.Add(-1)

	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("failed to close %s: %w", s.name, err)
	}
	logger.WithComponent("shm").Debug().Str("name", s.name).Msg("Segment closed")
	return nil
}
