// Package gpucore defines the narrow GPU capability set the splat pipeline
// is written against.
//
// The pipeline never talks to a graphics API directly. Every stage records
// its work into a [CommandEncoder] obtained from a [Device], and the frame
// orchestrator submits the result with explicit semaphores and fences.
// Two implementations exist:
//   - backend/cpu: a reference device that runs each [Kernel] as Go code
//   - backend/native: a gogpu/wgpu HAL device that runs WGSL kernels
//
// # Resources
//
// Buffers are allocated together with their backing memory and returned as an
// [Allocation]. Both halves must be released: [Device.DestroyBuffer] for the
// buffer object and [Device.FreeMemory] for the memory block. The resource
// manager in internal/resource pairs the two calls.
//
// # Ordering
//
// Commands recorded into one encoder execute in order, but memory written by
// one command is not visible to a later command until a [Barrier] whose source
// access covers the write has been recorded. Devices are free to reject
// command buffers that read unsynchronized writes with [ErrHazard].
//
//	project ──barrier──▶ scan ──barrier──▶ copy total ──barrier──▶ host
//
// # Swapchain
//
// Images are acquired with a semaphore, written by the raster kernel in
// [ImageLayoutGeneral], and presented from [ImageLayoutPresentSrc] after
// waiting on a second semaphore.
package gpucore
