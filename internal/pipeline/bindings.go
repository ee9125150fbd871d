package pipeline

import (
	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

// Bindings holds the resource table of every stage. It is derived from the
// current Buffers and must be rebuilt whenever a buffer is reallocated.
//
// Histogram and Scatter carry one table per ping-pong direction: index 0
// reads the primary key/value buffers and writes the scratch buffers, index
// 1 the reverse. Ranges and Raster read whichever side holds the sorted
// result after the configured number of passes.
type Bindings struct {
	Project   []gpucore.Binding
	Scan      []gpucore.Binding
	Keys      []gpucore.Binding
	Histogram [2][]gpucore.Binding
	Scatter   [2][]gpucore.Binding
	Ranges    []gpucore.Binding
	Raster    []gpucore.Binding
}

func buf(slot int, id gpucore.BufferID) gpucore.Binding {
	return gpucore.Binding{Binding: uint32(slot), Buffer: id}
}

// NewBindings builds the tables for a point count and a radix pass count.
func NewBindings(b *Buffers, numPoints, passes uint32) Bindings {
	offsets := b.Counts
	if ScanResultInScratch(numPoints) {
		offsets = b.ScanScratch
	}
	keys, values := b.Keys, b.Values
	if SortResultInScratch(passes) {
		keys, values = b.KeysScratch, b.ValuesScratch
	}

	return Bindings{
		Project: []gpucore.Binding{
			buf(abi.ProjectCamera, b.Camera),
			buf(abi.ProjectPositions, b.Positions),
			buf(abi.ProjectScales, b.Scales),
			buf(abi.ProjectRotations, b.Rotations),
			buf(abi.ProjectOpacities, b.Opacities),
			buf(abi.ProjectSH, b.SH),
			buf(abi.ProjectCounts, b.Counts),
			buf(abi.ProjectDepths, b.Depths),
			buf(abi.ProjectPoints2D, b.Points2D),
			buf(abi.ProjectConics, b.Conics),
			buf(abi.ProjectColors, b.Colors),
			buf(abi.ProjectRects, b.Rects),
		},
		Scan: []gpucore.Binding{
			buf(abi.ScanA, b.Counts),
			buf(abi.ScanB, b.ScanScratch),
		},
		Keys: []gpucore.Binding{
			buf(abi.KeysOffsets, offsets),
			buf(abi.KeysDepths, b.Depths),
			buf(abi.KeysRects, b.Rects),
			buf(abi.KeysKeys, b.Keys),
			buf(abi.KeysValues, b.Values),
		},
		Histogram: [2][]gpucore.Binding{
			{buf(abi.HistogramKeys, b.Keys), buf(abi.HistogramCounts, b.Histogram)},
			{buf(abi.HistogramKeys, b.KeysScratch), buf(abi.HistogramCounts, b.Histogram)},
		},
		Scatter: [2][]gpucore.Binding{
			{
				buf(abi.ScatterKeysIn, b.Keys),
				buf(abi.ScatterValuesIn, b.Values),
				buf(abi.ScatterHistogram, b.Histogram),
				buf(abi.ScatterKeysOut, b.KeysScratch),
				buf(abi.ScatterValuesOut, b.ValuesScratch),
			},
			{
				buf(abi.ScatterKeysIn, b.KeysScratch),
				buf(abi.ScatterValuesIn, b.ValuesScratch),
				buf(abi.ScatterHistogram, b.Histogram),
				buf(abi.ScatterKeysOut, b.Keys),
				buf(abi.ScatterValuesOut, b.Values),
			},
		},
		Ranges: []gpucore.Binding{
			buf(abi.RangesKeys, keys),
			buf(abi.RangesRanges, b.Ranges),
		},
		Raster: []gpucore.Binding{
			buf(abi.RasterValues, values),
			buf(abi.RasterRanges, b.Ranges),
			buf(abi.RasterPoints2D, b.Points2D),
			buf(abi.RasterConics, b.Conics),
			buf(abi.RasterColors, b.Colors),
			{Binding: abi.RasterImage},
		},
	}
}

// RasterTable returns the raster bindings with the output image set.
func (t *Bindings) RasterTable(image uint32) []gpucore.Binding {
	out := make([]gpucore.Binding, len(t.Raster))
	copy(out, t.Raster)
	for i := range out {
		if out[i].Binding == abi.RasterImage {
			out[i].Image = image
		}
	}
	return out
}

func (t *Bindings) tables() [][]gpucore.Binding {
	return [][]gpucore.Binding{
		t.Project, t.Scan, t.Keys,
		t.Histogram[0], t.Histogram[1], t.Scatter[0], t.Scatter[1],
		t.Ranges, t.Raster,
	}
}

// References reports whether any table binds the buffer.
func (t *Bindings) References(id gpucore.BufferID) bool {
	if id == gpucore.InvalidID {
		return false
	}
	for _, table := range t.tables() {
		for _, b := range table {
			if b.Buffer == id {
				return true
			}
		}
	}
	return false
}

// Buffers returns every bound buffer once, in table order.
func (t *Bindings) Buffers() []gpucore.BufferID {
	seen := make(map[gpucore.BufferID]struct{})
	var out []gpucore.BufferID
	for _, table := range t.tables() {
		for _, b := range table {
			if b.Buffer == gpucore.InvalidID {
				continue
			}
			if _, ok := seen[b.Buffer]; !ok {
				seen[b.Buffer] = struct{}{}
				out = append(out, b.Buffer)
			}
		}
	}
	return out
}
