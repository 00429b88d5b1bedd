package output

import (
	"image"
)

// Output is a sink the host presents frames to. Implementations must accept
// WriteFrame from the host loop while their own clients come and go.
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame presents a frame. The image is owned by the caller and must
	// not be retained past the call.
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	// FPS is the host's target presentation rate
	FPS int
	// Quality is the JPEG quality, 1-100
	Quality int
}
