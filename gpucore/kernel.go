package gpucore

// Kernel identifies one of the compute programs of the splat pipeline.
// The set is closed: devices implement every kernel and nothing else.
type Kernel uint8

const (
	// KernelProject culls points and projects them to screen space.
	KernelProject Kernel = iota

	// KernelScanStep is one doubling step of the inclusive prefix scan.
	KernelScanStep

	// KernelKeys writes (tile, depth) sort keys and point indices.
	KernelKeys

	// KernelHistogram counts radix digits per workgroup block.
	KernelHistogram

	// KernelScatter reorders keys and values by one radix digit.
	KernelScatter

	// KernelRanges finds per-tile [start, end) ranges in sorted keys.
	KernelRanges

	// KernelRaster composites each tile's splats front to back.
	KernelRaster

	// KernelCount is the number of kernels.
	KernelCount
)

// String returns the kernel name.
func (k Kernel) String() string {
	switch k {
	case KernelProject:
		return "project"
	case KernelScanStep:
		return "scan_step"
	case KernelKeys:
		return "keys"
	case KernelHistogram:
		return "radix_histogram"
	case KernelScatter:
		return "radix_scatter"
	case KernelRanges:
		return "ranges"
	case KernelRaster:
		return "raster"
	default:
		return "unknown"
	}
}

// Valid reports whether k names a kernel.
func (k Kernel) Valid() bool {
	return k < KernelCount
}

// BindingKind specifies the type of a kernel binding.
type BindingKind uint8

// Binding kinds.
const (
	// BindingUniform is a uniform buffer.
	BindingUniform BindingKind = iota + 1

	// BindingStorageRead is a read-only storage buffer.
	BindingStorageRead

	// BindingStorageReadWrite is a read-write storage buffer.
	BindingStorageReadWrite

	// BindingImage is a writable swapchain image.
	BindingImage
)

// Writes reports whether a binding of this kind may be written by a kernel.
func (k BindingKind) Writes() bool {
	return k == BindingStorageReadWrite || k == BindingImage
}

// BindingLayout declares one binding slot of a pipeline.
type BindingLayout struct {
	Binding uint32
	Kind    BindingKind
}

// PipelineDesc describes a compute pipeline.
type PipelineDesc struct {
	Label    string
	Kernel   Kernel
	Bindings []BindingLayout

	// PushConstantSize is the size in bytes of the kernel's parameter block.
	PushConstantSize uint32
}

// Binding attaches a resource to a binding slot for the following dispatches.
// Buffer is used for buffer slots, Image for image slots.
type Binding struct {
	Binding uint32
	Buffer  BufferID
	Image   uint32
}
