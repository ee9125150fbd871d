// Package backend selects the device a splat renderer runs on.
//
// Device backends register a factory from an init function and are opened
// by name at runtime:
//
//	import (
//		"github.com/gogpu/splat/backend"
//		_ "github.com/gogpu/splat/backend/cpu"
//		_ "github.com/gogpu/splat/backend/native"
//	)
//
//	name, dev, err := backend.OpenDefault(backend.Config{Width: 800, Height: 600})
//
// # Backend Selection
//
// OpenDefault tries the registered backends in priority order, GPU first,
// and returns the first one that opens. Open requests a specific backend
// and does not fall back.
//
// # Available Backends
//
//   - "native": wgpu HAL device (Vulkan, Metal, DX12, GL)
//   - "cpu": reference implementation running kernels on a worker pool
package backend
