package backend

import (
	"errors"

	"github.com/gogpu/splat/gpucore"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not
	// registered or no registered backend could be opened.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Names of the built-in backends.
const (
	BackendNative = "native"
	BackendCPU    = "cpu"
)

// Config describes the device to open. Backends apply their own defaults
// to zero fields.
type Config struct {
	// Width and Height are the swapchain image size.
	Width, Height uint32

	// Images is the number of swapchain images.
	Images int

	// MemoryLimit caps the device memory in bytes. Zero means unlimited.
	MemoryLimit uint64

	// Presenter receives presented frames. Optional.
	Presenter gpucore.Presenter
}

// Factory opens a device.
type Factory func(cfg Config) (gpucore.Device, error)
