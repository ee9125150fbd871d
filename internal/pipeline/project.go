package pipeline

import (
	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

// Projector projects every point to screen space and writes its depth,
// 2D center, conic, color, tile rect and tile count. Points that are culled
// or degenerate get a zero count and an empty rect.
type Projector struct {
	pipeline gpucore.PipelineID
}

// Record dispatches one thread per point. The camera block must have been
// written before submission.
func (p *Projector) Record(enc gpucore.CommandEncoder, bindings []gpucore.Binding, params abi.ProjectParams) {
	if params.NumPoints == 0 {
		return
	}
	record(enc, p.pipeline, bindings, params.Bytes(), gpucore.Workgroups(params.NumPoints), 1)
}
