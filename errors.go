package splat

import (
	"errors"

	"github.com/gogpu/splat/gpucore"
)

// Device errors, re-exported for callers that do not import gpucore.
var (
	// ErrDeviceLost is returned when a fence wait times out or the device
	// fails to execute submitted work. The renderer refuses further frames.
	ErrDeviceLost = gpucore.ErrDeviceLost

	// ErrUnknownResource is returned for handles the device does not know.
	ErrUnknownResource = gpucore.ErrUnknownResource

	// ErrOutOfMemory is returned when a buffer cannot be allocated.
	ErrOutOfMemory = gpucore.ErrOutOfMemory
)

// ErrClosed is returned by RenderFrame after Close.
var ErrClosed = errors.New("splat: renderer closed")
