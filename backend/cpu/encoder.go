// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cpu

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gogpu/splat/gpucore"
)

type opKind uint8

const (
	opDispatch opKind = iota
	opCopy
	opFill
	opTransition
	opClearImage
)

// op is one recorded command.
type op struct {
	kind opKind

	// dispatch
	pipeline *pipeline
	bindings map[uint32]gpucore.Binding
	params   []byte
	groups   [3]uint32

	// copy / fill
	src, dst       gpucore.BufferID
	srcOff, dstOff uint64
	size           uint64
	value          uint32

	// image commands
	image    uint32
	from, to gpucore.ImageLayout
	color    [4]float32
}

// commandBuffer is a finished recording.
type commandBuffer struct {
	label     string
	ops       []op
	submitted bool
}

func (c *commandBuffer) Label() string { return c.label }

// resourceKey identifies a buffer or swapchain image for hazard tracking.
type resourceKey struct {
	image bool
	id    uint64
}

// writeState is an unsynchronized write and the accesses that a barrier has
// since made it visible to.
type writeState struct {
	access  gpucore.Access
	visible gpucore.Access
}

// encoder records commands for the CPU queue.
type encoder struct {
	dev   *Device
	label string
	ops   []op
	err   error
	done  bool

	pipeline *pipeline
	bindings map[uint32]gpucore.Binding
	params   []byte

	writes map[resourceKey]writeState
}

// BeginCommands starts recording a command buffer.
func (d *Device) BeginCommands(label string) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("cpu: begin %q: %w", label, gpucore.ErrDeviceLost)
	}
	return &encoder{
		dev:      d,
		label:    label,
		bindings: make(map[uint32]gpucore.Binding),
		writes:   make(map[resourceKey]writeState),
	}, nil
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("cpu: encode %q: "+format, append([]any{e.label}, args...)...)
	}
}

func (e *encoder) ok() bool {
	if e.done {
		e.fail("encoder already finished: %w", gpucore.ErrInvalidState)
	}
	return e.err == nil
}

// access checks that a command may access a resource and records a write.
func (e *encoder) access(key resourceKey, needs gpucore.Access, write gpucore.Access, what string) {
	if st, ok := e.writes[key]; ok && st.visible&needs != needs {
		e.fail("%s: prior write (access %#x) not made visible by a barrier: %w", what, st.access, gpucore.ErrHazard)
		return
	}
	if write != 0 {
		e.writes[key] = writeState{access: write}
	}
}

func (e *encoder) BindPipeline(id gpucore.PipelineID) {
	if !e.ok() {
		return
	}
	p, ok := e.dev.pipeline(id)
	if !ok {
		e.fail("bind pipeline %d: %w", id, gpucore.ErrUnknownResource)
		return
	}
	e.pipeline = p
	clear(e.bindings)
	e.params = nil
}

func (e *encoder) BindResources(bindings []gpucore.Binding) {
	if !e.ok() {
		return
	}
	if e.pipeline == nil {
		e.fail("bind resources: no pipeline bound: %w", gpucore.ErrInvalidState)
		return
	}
	for _, b := range bindings {
		if _, ok := e.pipeline.kinds[b.Binding]; !ok {
			e.fail("bind resources: %s has no binding %d", e.pipeline.kernel, b.Binding)
			return
		}
		e.bindings[b.Binding] = b
	}
}

func (e *encoder) PushConstants(data []byte) {
	if !e.ok() {
		return
	}
	if e.pipeline == nil {
		e.fail("push constants: no pipeline bound: %w", gpucore.ErrInvalidState)
		return
	}
	if uint32(len(data)) > e.pipeline.pushSize {
		e.fail("push constants: %d bytes exceed %d", len(data), e.pipeline.pushSize)
		return
	}
	e.params = slices.Clone(data)
}

func (e *encoder) Dispatch(x, y, z uint32) {
	if !e.ok() {
		return
	}
	p := e.pipeline
	if p == nil {
		e.fail("dispatch: no pipeline bound: %w", gpucore.ErrInvalidState)
		return
	}
	if len(e.params) < int(p.pushSize) {
		e.fail("dispatch %s: push constants not set", p.kernel)
		return
	}
	if x == 0 || y == 0 || z == 0 {
		return
	}

	for slot, kind := range p.kinds {
		b, ok := e.bindings[slot]
		if !ok {
			e.fail("dispatch %s: binding %d not set: %w", p.kernel, slot, gpucore.ErrInvalidState)
			return
		}
		key := resourceKey{id: uint64(b.Buffer)}
		if kind == gpucore.BindingImage {
			key = resourceKey{image: true, id: uint64(b.Image)}
		}
		needs, write := gpucore.AccessShaderRead, gpucore.Access(0)
		if kind.Writes() {
			needs |= gpucore.AccessShaderWrite
			write = gpucore.AccessShaderWrite
		}
		e.access(key, needs, write, fmt.Sprintf("dispatch %s binding %d", p.kernel, slot))
		if e.err != nil {
			return
		}
	}

	e.ops = append(e.ops, op{
		kind:     opDispatch,
		pipeline: p,
		bindings: maps.Clone(e.bindings),
		params:   e.params,
		groups:   [3]uint32{x, y, z},
	})
}

func (e *encoder) Barrier(b gpucore.Barrier) {
	if !e.ok() {
		return
	}
	for key, st := range e.writes {
		if st.access&b.Src != 0 {
			st.visible |= b.Dst
			e.writes[key] = st
		}
	}
}

func (e *encoder) CopyBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset uint64, size uint64) {
	if !e.ok() {
		return
	}
	e.access(resourceKey{id: uint64(src)}, gpucore.AccessTransferRead, 0, "copy source")
	e.access(resourceKey{id: uint64(dst)}, gpucore.AccessTransferWrite, gpucore.AccessTransferWrite, "copy destination")
	e.ops = append(e.ops, op{kind: opCopy, src: src, srcOff: srcOffset, dst: dst, dstOff: dstOffset, size: size})
}

func (e *encoder) FillBuffer(dst gpucore.BufferID, offset, size uint64, value uint32) {
	if !e.ok() {
		return
	}
	if offset%4 != 0 || size%4 != 0 {
		e.fail("fill buffer: offset %d and size %d must be multiples of 4", offset, size)
		return
	}
	e.access(resourceKey{id: uint64(dst)}, gpucore.AccessTransferWrite, gpucore.AccessTransferWrite, "fill")
	e.ops = append(e.ops, op{kind: opFill, dst: dst, dstOff: offset, size: size, value: value})
}

func (e *encoder) TransitionImage(image uint32, from, to gpucore.ImageLayout) {
	if !e.ok() {
		return
	}
	e.ops = append(e.ops, op{kind: opTransition, image: image, from: from, to: to})
}

func (e *encoder) ClearImage(image uint32, rgba [4]float32) {
	if !e.ok() {
		return
	}
	e.access(resourceKey{image: true, id: uint64(image)}, gpucore.AccessTransferWrite, gpucore.AccessTransferWrite, "clear image")
	e.ops = append(e.ops, op{kind: opClearImage, image: image, color: rgba})
}

func (e *encoder) Finish() (gpucore.CommandBuffer, error) {
	if e.done {
		return nil, fmt.Errorf("cpu: encode %q: finished twice: %w", e.label, gpucore.ErrInvalidState)
	}
	e.done = true
	if e.err != nil {
		return nil, e.err
	}
	return &commandBuffer{label: e.label, ops: e.ops}, nil
}
