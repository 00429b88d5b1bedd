package capture

import (
	"fmt"

	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/bryanchriswhite/OutputStreamer/internal/shm"
)

// SegmentAllocator creates a shared memory segment of at least size bytes
type SegmentAllocator func(size int) (*shm.Segment, error)

// DefaultAllocator creates named segments under shm.Dir
func DefaultAllocator(size int) (*shm.Segment, error) {
	return shm.CreateSized("outputstreamer", size)
}

// Buffer is the shared memory the compositor copies into. The segment may be
// larger than the bound metadata after a shrink.
type Buffer struct {
	seg        *shm.Segment
	binding    remote.Binding
	meta       frame.Metadata
	generation uint64
}

// Metadata returns the layout the buffer is currently bound with
func (b *Buffer) Metadata() frame.Metadata {
	return b.meta
}

// Capacity returns the segment size in bytes
func (b *Buffer) Capacity() int {
	return b.seg.Size()
}

// Generation changes every time a new segment is allocated
func (b *Buffer) Generation() uint64 {
	return b.generation
}

// fits reports whether meta can be served from this segment by rebinding
func (b *Buffer) fits(meta frame.Metadata) bool {
	return b.meta.Format == meta.Format && b.seg.Size() >= meta.Size()
}

// snapshot copies the bound region out through a transient read-only mapping
func (b *Buffer) snapshot() ([]byte, error) {
	data, err := b.seg.Map(false)
	if err != nil {
		return nil, err
	}

	size := b.meta.Size()
	out := make([]byte, size)
	copy(out, data[:size])

	if err := shm.Unmap(data); err != nil {
		return nil, err
	}
	return out, nil
}

// release unregisters the buffer and closes the segment
func (b *Buffer) release() error {
	var firstErr error
	if b.binding != nil {
		if err := b.binding.Release(); err != nil {
			firstErr = fmt.Errorf("failed to release buffer binding: %w", err)
		}
		b.binding = nil
	}
	if b.seg != nil {
		if err := b.seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.seg = nil
	}
	return firstErr
}
