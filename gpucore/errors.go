package gpucore

import "errors"

// Device errors.
var (
	// ErrDeviceLost is returned when the device stopped making progress,
	// typically because a fence wait timed out. It is not recoverable.
	ErrDeviceLost = errors.New("gpucore: device lost")

	// ErrTimeout is returned when a fence or image acquire does not complete
	// within the requested timeout.
	ErrTimeout = errors.New("gpucore: timeout")

	// ErrUnknownResource is returned for handles the device does not know.
	ErrUnknownResource = errors.New("gpucore: unknown resource")

	// ErrOutOfMemory is returned when an allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("gpucore: out of memory")

	// ErrHazard is returned when a command reads or overwrites memory written
	// earlier in the same command buffer without a covering barrier.
	ErrHazard = errors.New("gpucore: missing barrier")

	// ErrInvalidState is returned for misuse of fences, semaphores, encoders
	// or image layouts.
	ErrInvalidState = errors.New("gpucore: invalid state")
)
