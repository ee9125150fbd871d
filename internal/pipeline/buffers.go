package pipeline

import (
	"fmt"

	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
	"github.com/gogpu/splat/internal/resource"
)

// minBufferSize keeps every allocation non-empty so that bindings stay valid
// for scenes without points.
const minBufferSize = 16

// Buffers holds every buffer the stages read or write, by role.
//
// Scene and per-point buffers are sized once for the point count. Sort
// buffers are sized by capacity and reallocated when a frame's total exceeds
// it. The ranges buffer is sized by the tile grid and reallocated when the
// resolution changes.
type Buffers struct {
	// Camera is the camera uniform block, rewritten every frame.
	Camera gpucore.BufferID

	// Scene attributes, uploaded once.
	Positions gpucore.BufferID
	Scales    gpucore.BufferID
	Rotations gpucore.BufferID
	Opacities gpucore.BufferID
	SH        gpucore.BufferID

	// Counts holds per-point tile counts and is scan buffer A.
	Counts gpucore.BufferID
	// ScanScratch is scan buffer B.
	ScanScratch gpucore.BufferID

	Depths   gpucore.BufferID
	Points2D gpucore.BufferID
	Conics   gpucore.BufferID
	Colors   gpucore.BufferID
	Rects    gpucore.BufferID

	// Total receives the last inclusive prefix for host readback.
	Total gpucore.BufferID

	// Sort buffers, ping-ponged between passes.
	Keys          gpucore.BufferID
	Values        gpucore.BufferID
	KeysScratch   gpucore.BufferID
	ValuesScratch gpucore.BufferID
	Histogram     gpucore.BufferID

	// Ranges holds one [start, end) pair per tile.
	Ranges gpucore.BufferID

	// Capacity is the number of key/value pairs the sort buffers hold.
	Capacity uint32
	// Tiles is the number of tiles the ranges buffer covers.
	Tiles uint32
}

// bufSpec maps a label and size to a target handle.
type bufSpec struct {
	target *gpucore.BufferID
	label  string
	size   uint64
	usage  gpucore.BufferUsage
	memory gpucore.MemoryProperty
}

const (
	storage   = gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst
	deviceMem = gpucore.MemoryDeviceLocal
	hostMem   = gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent
)

func (b *Buffers) create(m *resource.Manager, specs []bufSpec) error {
	for i, s := range specs {
		id, err := m.Create(gpucore.BufferDesc{
			Label:  s.label,
			Size:   max(s.size, minBufferSize),
			Usage:  s.usage,
			Memory: s.memory,
		})
		if err != nil {
			for _, done := range specs[:i] {
				m.Destroy(*done.target)
				*done.target = gpucore.InvalidID
			}
			return fmt.Errorf("pipeline: create %s buffer: %w", s.label, err)
		}
		*s.target = id
	}
	return nil
}

func release(m *resource.Manager, ids ...*gpucore.BufferID) {
	for _, id := range ids {
		if *id != gpucore.InvalidID {
			m.Destroy(*id)
			*id = gpucore.InvalidID
		}
	}
}

// AllocatePoints creates the camera, scene and per-point buffers and the
// readback buffer for numPoints points with shCoeffs coefficients per
// color channel.
func (b *Buffers) AllocatePoints(m *resource.Manager, numPoints, shCoeffs uint32) error {
	n := uint64(numPoints)
	specs := []bufSpec{
		{&b.Camera, "camera", abi.CameraBlockSize, gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst, hostMem},
		{&b.Positions, "positions", n * abi.Vec4Stride, storage, deviceMem},
		{&b.Scales, "scales", n * abi.Vec4Stride, storage, deviceMem},
		{&b.Rotations, "rotations", n * abi.Vec4Stride, storage, deviceMem},
		{&b.Opacities, "opacities", n * abi.ScalarStride, storage, deviceMem},
		{&b.SH, "sh", n * uint64(shCoeffs) * 3 * abi.SHFloatStride, storage, deviceMem},
		{&b.Counts, "tile_counts", n * abi.ScalarStride, storage, deviceMem},
		{&b.ScanScratch, "scan_scratch", n * abi.ScalarStride, storage, deviceMem},
		{&b.Depths, "depths", n * abi.ScalarStride, storage, deviceMem},
		{&b.Points2D, "points2d", n * abi.Vec2Stride, storage, deviceMem},
		{&b.Conics, "conics", n * abi.Vec4Stride, storage, deviceMem},
		{&b.Colors, "colors", n * abi.Vec4Stride, storage, deviceMem},
		{&b.Rects, "rects", n * abi.RectStride, storage, deviceMem},
		{&b.Total, "total_readback", abi.ScalarStride, gpucore.BufferUsageCopyDst, hostMem},
	}
	return b.create(m, specs)
}

// AllocateSort creates the sort buffers for capacity key/value pairs.
func (b *Buffers) AllocateSort(m *resource.Manager, capacity uint32) error {
	c := uint64(capacity)
	hist := uint64(max(abi.RadixWorkgroups(capacity), 1)) * abi.RadixBins * abi.ScalarStride
	specs := []bufSpec{
		{&b.Keys, "keys", c * abi.KeyStride, storage, deviceMem},
		{&b.Values, "values", c * abi.ScalarStride, storage, deviceMem},
		{&b.KeysScratch, "keys_scratch", c * abi.KeyStride, storage, deviceMem},
		{&b.ValuesScratch, "values_scratch", c * abi.ScalarStride, storage, deviceMem},
		{&b.Histogram, "radix_histogram", hist, storage, deviceMem},
	}
	if err := b.create(m, specs); err != nil {
		return err
	}
	b.Capacity = capacity
	return nil
}

// ReleaseSort destroys the sort buffers.
func (b *Buffers) ReleaseSort(m *resource.Manager) {
	release(m, &b.Keys, &b.Values, &b.KeysScratch, &b.ValuesScratch, &b.Histogram)
	b.Capacity = 0
}

// AllocateRanges creates the per-tile ranges buffer.
func (b *Buffers) AllocateRanges(m *resource.Manager, tiles uint32) error {
	specs := []bufSpec{
		{&b.Ranges, "tile_ranges", uint64(tiles) * abi.RangeStride, storage, deviceMem},
	}
	if err := b.create(m, specs); err != nil {
		return err
	}
	b.Tiles = tiles
	return nil
}

// ReleaseRanges destroys the ranges buffer.
func (b *Buffers) ReleaseRanges(m *resource.Manager) {
	release(m, &b.Ranges)
	b.Tiles = 0
}

// ReleaseAll destroys every buffer.
func (b *Buffers) ReleaseAll(m *resource.Manager) {
	b.ReleaseSort(m)
	b.ReleaseRanges(m)
	release(m,
		&b.Camera, &b.Positions, &b.Scales, &b.Rotations, &b.Opacities, &b.SH,
		&b.Counts, &b.ScanScratch, &b.Depths, &b.Points2D, &b.Conics, &b.Colors,
		&b.Rects, &b.Total)
}
