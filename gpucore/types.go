package gpucore

// Resource IDs
//
// These opaque IDs represent device resources. Each device implementation
// maintains a mapping between IDs and actual backend resources.

// BufferID is an opaque handle to a GPU buffer object.
type BufferID uint64

// MemoryID is an opaque handle to the memory block backing a buffer.
type MemoryID uint64

// PipelineID is an opaque handle to a compute pipeline.
type PipelineID uint64

// FenceID is an opaque handle to a CPU-waitable fence.
type FenceID uint64

// SemaphoreID is an opaque handle to a binary queue semaphore.
type SemaphoreID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 0

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 1

	// BufferUsageUniform indicates the buffer can be used as a uniform buffer.
	BufferUsageUniform BufferUsage = 1 << 2

	// BufferUsageStorage indicates the buffer can be used as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 3
)

// MemoryProperty is a bitmask describing where buffer memory lives.
type MemoryProperty uint32

// Memory property flags.
const (
	// MemoryDeviceLocal places the memory in fast device memory.
	MemoryDeviceLocal MemoryProperty = 1 << 0

	// MemoryHostVisible makes the memory readable and writable by the host.
	MemoryHostVisible MemoryProperty = 1 << 1

	// MemoryHostCoherent makes host writes visible without explicit flushes.
	MemoryHostCoherent MemoryProperty = 1 << 2
)

// BufferDesc describes a buffer allocation.
type BufferDesc struct {
	Label  string
	Size   uint64
	Usage  BufferUsage
	Memory MemoryProperty
}

// Allocation is a buffer together with the memory block that backs it.
type Allocation struct {
	Buffer BufferID
	Memory MemoryID
	Size   uint64
}

// Access is a bitmask of memory access kinds used by barriers.
type Access uint32

// Access flags.
const (
	AccessShaderRead    Access = 1 << 0
	AccessShaderWrite   Access = 1 << 1
	AccessTransferRead  Access = 1 << 2
	AccessTransferWrite Access = 1 << 3
	AccessHostRead      Access = 1 << 4
	AccessHostWrite     Access = 1 << 5
)

// Barrier makes writes of the Src access kinds visible to later commands
// accessing memory with the Dst access kinds.
type Barrier struct {
	Src Access
	Dst Access
}

// Common barriers between pipeline stages.
var (
	// ComputeToCompute orders a dispatch after a previous dispatch's writes.
	ComputeToCompute = Barrier{Src: AccessShaderWrite, Dst: AccessShaderRead | AccessShaderWrite}

	// ComputeToTransfer orders a copy after a dispatch's writes.
	ComputeToTransfer = Barrier{Src: AccessShaderWrite, Dst: AccessTransferRead}

	// TransferToCompute orders a dispatch after a copy or fill.
	TransferToCompute = Barrier{Src: AccessTransferWrite, Dst: AccessShaderRead | AccessShaderWrite}

	// TransferToHost makes a copy visible to host reads after the fence.
	TransferToHost = Barrier{Src: AccessTransferWrite, Dst: AccessHostRead}

	// ImageToPresent orders presentation after the clear and raster writes
	// of an image.
	ImageToPresent = Barrier{Src: AccessShaderWrite | AccessTransferWrite, Dst: AccessTransferRead}
)

// ImageLayout is the layout of a swapchain image.
type ImageLayout uint8

// Image layouts.
const (
	// ImageLayoutUndefined discards the previous contents.
	ImageLayoutUndefined ImageLayout = iota

	// ImageLayoutGeneral allows clears and storage writes.
	ImageLayoutGeneral

	// ImageLayoutPresentSrc is required by Present.
	ImageLayoutPresentSrc
)

// String returns the layout name.
func (l ImageLayout) String() string {
	switch l {
	case ImageLayoutUndefined:
		return "Undefined"
	case ImageLayoutGeneral:
		return "General"
	case ImageLayoutPresentSrc:
		return "PresentSrc"
	default:
		return "Unknown"
	}
}

// SubmitInfo describes the synchronization of a single submission.
type SubmitInfo struct {
	// Wait lists semaphores that must be signaled before execution starts.
	Wait []SemaphoreID

	// Signal lists semaphores signaled when execution completes.
	Signal []SemaphoreID

	// Fence is signaled when execution completes. InvalidID means none.
	Fence FenceID
}

// Extent is a 2D size in pixels.
type Extent struct {
	Width  uint32
	Height uint32
}

// Empty reports whether the extent has no pixels.
func (e Extent) Empty() bool {
	return e.Width == 0 || e.Height == 0
}

// Tile dimensions in pixels.
const (
	TileWidth  = 16
	TileHeight = 16
)

// WorkgroupSize is the number of invocations per workgroup for 1D kernels.
const WorkgroupSize = 256

// TileGrid returns the number of tiles covering an extent.
func TileGrid(e Extent) (tilesX, tilesY uint32) {
	return (e.Width + TileWidth - 1) / TileWidth, (e.Height + TileHeight - 1) / TileHeight
}

// Workgroups returns the number of 256-wide workgroups needed for n items.
func Workgroups(n uint32) uint32 {
	return (n + WorkgroupSize - 1) / WorkgroupSize
}
