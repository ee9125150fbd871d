package pipeline

import (
	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

// Binner emits one (tile, depth) key and point index per covered tile of
// every visible point, starting at the point's exclusive prefix offset.
type Binner struct {
	pipeline gpucore.PipelineID
}

// Record dispatches one thread per point. The keys and values buffers must
// hold at least the scanned total.
func (b *Binner) Record(enc gpucore.CommandEncoder, bindings []gpucore.Binding, params abi.KeysParams) {
	if params.NumPoints == 0 {
		return
	}
	record(enc, b.pipeline, bindings, params.Bytes(), gpucore.Workgroups(params.NumPoints), 1)
}
