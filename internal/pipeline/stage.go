// Package pipeline records the compute stages of a splat frame: projection,
// prefix scan, key emission, radix sort, tile range detection and
// rasterization. Each stage owns its pipelines and records into a
// caller-provided encoder; ordering between stages is the caller's job.
package pipeline

import (
	"fmt"

	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

// createPipeline builds the pipeline for one kernel with its canonical
// layout.
func createPipeline(dev gpucore.Device, k gpucore.Kernel) (gpucore.PipelineID, error) {
	id, err := dev.CreatePipeline(gpucore.PipelineDesc{
		Label:            k.String(),
		Kernel:           k,
		Bindings:         abi.Layout(k),
		PushConstantSize: abi.ParamsSize(k),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("pipeline: create %s: %w", k, err)
	}
	slogger().Debug("pipeline: created", "kernel", k.String(), "id", uint64(id))
	return id, nil
}

// record binds a pipeline with its resources and parameters and dispatches.
func record(enc gpucore.CommandEncoder, id gpucore.PipelineID, bindings []gpucore.Binding, params []byte, x, y uint32) {
	enc.BindPipeline(id)
	enc.BindResources(bindings)
	enc.PushConstants(params)
	enc.Dispatch(x, y, 1)
}

// Stages owns one instance of every stage.
type Stages struct {
	Projector   *Projector
	Scanner     *Scanner
	Binner      *Binner
	Sorter      *Sorter
	RangeFinder *RangeFinder
	Rasterizer  *Rasterizer

	dev gpucore.Device
	ids []gpucore.PipelineID
}

// NewStages creates the pipelines of every stage. On error, pipelines created
// so far are destroyed.
func NewStages(dev gpucore.Device) (*Stages, error) {
	s := &Stages{dev: dev}
	ids := make(map[gpucore.Kernel]gpucore.PipelineID, gpucore.KernelCount)
	for k := range gpucore.KernelCount {
		id, err := createPipeline(dev, k)
		if err != nil {
			s.Destroy()
			return nil, err
		}
		ids[k] = id
		s.ids = append(s.ids, id)
	}
	s.Projector = &Projector{pipeline: ids[gpucore.KernelProject]}
	s.Scanner = &Scanner{pipeline: ids[gpucore.KernelScanStep]}
	s.Binner = &Binner{pipeline: ids[gpucore.KernelKeys]}
	s.Sorter = &Sorter{histogram: ids[gpucore.KernelHistogram], scatter: ids[gpucore.KernelScatter]}
	s.RangeFinder = &RangeFinder{pipeline: ids[gpucore.KernelRanges]}
	s.Rasterizer = &Rasterizer{pipeline: ids[gpucore.KernelRaster]}
	return s, nil
}

// Destroy releases every pipeline.
func (s *Stages) Destroy() {
	for _, id := range s.ids {
		s.dev.DestroyPipeline(id)
	}
	s.ids = nil
}
