package pipeline

import (
	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

// RangeFinder writes the [start, end) span of every tile in the sorted key
// list. Tiles without keys keep the cleared (0, 0) range.
type RangeFinder struct {
	pipeline gpucore.PipelineID
}

// Record clears the ranges buffer and dispatches one thread per key.
func (r *RangeFinder) Record(enc gpucore.CommandEncoder, bindings []gpucore.Binding, bufs *Buffers, total uint32) {
	enc.FillBuffer(bufs.Ranges, 0, uint64(bufs.Tiles)*abi.RangeStride, 0)
	if total == 0 {
		return
	}
	enc.Barrier(gpucore.TransferToCompute)
	params := abi.RangesParams{NumRendered: total}
	record(enc, r.pipeline, bindings, params.Bytes(), gpucore.Workgroups(total), 1)
}
