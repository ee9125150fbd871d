package gpucore

import (
	"image"
	"time"
)

// Device is the capability set the splat pipeline requires from a GPU backend.
//
// All methods are safe for concurrent use. Work recorded into command buffers
// executes on a single in-order queue.
type Device interface {
	// CreateBuffer allocates a buffer and its backing memory.
	CreateBuffer(desc BufferDesc) (Allocation, error)

	// DestroyBuffer releases a buffer object. Unknown IDs are ignored.
	DestroyBuffer(id BufferID)

	// FreeMemory releases a memory block. Unknown IDs are ignored.
	FreeMemory(id MemoryID)

	// WriteBuffer copies host data into a buffer. The write is ordered
	// before any later submission.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer copies buffer contents into dst. The buffer must live in
	// host-visible memory and the caller must have waited on a fence that
	// covers the last write.
	ReadBuffer(id BufferID, offset uint64, dst []byte) error

	// CreatePipeline builds the compute pipeline for one kernel.
	CreatePipeline(desc PipelineDesc) (PipelineID, error)

	// DestroyPipeline releases a pipeline. Unknown IDs are ignored.
	DestroyPipeline(id PipelineID)

	// BeginCommands starts recording a command buffer.
	BeginCommands(label string) (CommandEncoder, error)

	// Submit queues a finished command buffer for execution.
	Submit(cmd CommandBuffer, info SubmitInfo) error

	// CreateFence creates a fence, optionally in the signaled state.
	CreateFence(signaled bool) (FenceID, error)

	// WaitFence blocks until the fence is signaled. It returns ErrTimeout
	// when the timeout elapses first, and the execution error of the
	// signaling submission if it failed.
	WaitFence(id FenceID, timeout time.Duration) error

	// ResetFence returns a signaled fence to the unsignaled state.
	ResetFence(id FenceID) error

	// DestroyFence releases a fence. Unknown IDs are ignored.
	DestroyFence(id FenceID)

	// CreateSemaphore creates a binary semaphore.
	CreateSemaphore() (SemaphoreID, error)

	// DestroySemaphore releases a semaphore. Unknown IDs are ignored.
	DestroySemaphore(id SemaphoreID)

	// Extent returns the current swapchain image size.
	Extent() Extent

	// ImageCount returns the number of swapchain images.
	ImageCount() int

	// AcquireImage returns the index of the next swapchain image and signals
	// the semaphore once the image may be written.
	AcquireImage(signal SemaphoreID, timeout time.Duration) (uint32, error)

	// Present queues the image for presentation after the semaphore is
	// signaled. The region is the rendered top-left part of the image and
	// scale the factor by which it should be enlarged for display.
	Present(image uint32, wait SemaphoreID, region Extent, scale uint32) error

	// WaitIdle blocks until all submitted work has completed.
	WaitIdle() error

	// Destroy releases the device. Outstanding resources become invalid.
	Destroy()
}

// CommandEncoder records commands into a command buffer.
//
// Recording errors are sticky: the first error is returned by Finish and
// every later call is ignored.
type CommandEncoder interface {
	// BindPipeline selects the pipeline for following dispatches.
	BindPipeline(id PipelineID)

	// BindResources attaches resources to the bound pipeline's slots.
	BindResources(bindings []Binding)

	// PushConstants sets the kernel parameter block.
	PushConstants(data []byte)

	// Dispatch runs the bound kernel over a grid of workgroups.
	Dispatch(x, y, z uint32)

	// Barrier orders earlier writes before later accesses.
	Barrier(b Barrier)

	// CopyBuffer copies size bytes between buffers.
	CopyBuffer(src BufferID, srcOffset uint64, dst BufferID, dstOffset uint64, size uint64)

	// FillBuffer sets size bytes starting at offset to a repeated 32-bit value.
	FillBuffer(dst BufferID, offset, size uint64, value uint32)

	// TransitionImage moves an image from one layout to another. Transitions
	// from ImageLayoutUndefined discard the contents.
	TransitionImage(image uint32, from, to ImageLayout)

	// ClearImage fills an image in ImageLayoutGeneral with a color.
	ClearImage(image uint32, rgba [4]float32)

	// Finish ends recording.
	Finish() (CommandBuffer, error)
}

// CommandBuffer is a finished, submittable recording.
type CommandBuffer interface {
	Label() string
}

// Presenter receives presented frames.
type Presenter interface {
	// Present delivers the rendered region of a swapchain image. scale is
	// the downscale divisor the frame was rendered with.
	Present(frame *image.RGBA, scale uint32) error
}

// PresenterFunc adapts a function to the Presenter interface.
type PresenterFunc func(frame *image.RGBA, scale uint32) error

// Present calls f(frame, scale).
func (f PresenterFunc) Present(frame *image.RGBA, scale uint32) error {
	return f(frame, scale)
}
