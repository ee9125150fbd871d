// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/splat/gpucore"
)

type opKind uint8

const (
	opDispatch opKind = iota
	opCopy
	opFill
	opBarrier
	opTransition
	opClearImage
)

// op is one recorded command with its HAL resources resolved.
type op struct {
	kind opKind

	// dispatch
	pipeline     *pipeline
	entries      []gputypes.BindGroupEntry
	paramsOffset uint32
	groups       [3]uint32

	// copy / fill
	src, dst       hal.Buffer
	srcOff, dstOff uint64
	size           uint64
	value          uint32

	barriers []hal.BufferBarrier

	// image commands
	image    uint32
	from, to gpucore.ImageLayout
}

// commandBuffer is a finished HAL recording and the transient resources it
// references.
type commandBuffer struct {
	dev       *Device
	label     string
	submitted bool

	hal         hal.CommandBuffer
	encoder     hal.CommandEncoder
	params      hal.Buffer
	paramsSize  uint64
	bindGroups  []hal.BindGroup
	patterns    []*memoryBlock
	transitions []imageTransition
	dispatches  [gpucore.KernelCount]uint64
}

type imageTransition struct {
	image    uint32
	from, to gpucore.ImageLayout
}

func (c *commandBuffer) Label() string { return c.label }

// release destroys the HAL objects of a command buffer. d.mu must be held.
func (c *commandBuffer) release(dev hal.Device) {
	if c.hal != nil {
		dev.FreeCommandBuffer(c.hal)
		c.hal = nil
	}
	if c.encoder != nil {
		c.encoder.Destroy()
		c.encoder = nil
	}
	for _, g := range c.bindGroups {
		dev.DestroyBindGroup(g)
	}
	c.bindGroups = nil
	if c.params != nil {
		dev.DestroyBuffer(c.params)
		c.params = nil
		c.dev.allocated -= c.paramsSize
	}
	for _, p := range c.patterns {
		p.refs--
	}
	c.patterns = nil
}

// accessUsage returns the HAL buffer usage matching a set of accesses.
func accessUsage(a gpucore.Access) gputypes.BufferUsage {
	var u gputypes.BufferUsage
	if a&(gpucore.AccessShaderRead|gpucore.AccessShaderWrite) != 0 {
		u |= gputypes.BufferUsageStorage
	}
	if a&gpucore.AccessTransferRead != 0 {
		u |= gputypes.BufferUsageCopySrc
	}
	if a&gpucore.AccessTransferWrite != 0 {
		u |= gputypes.BufferUsageCopyDst
	}
	if a&gpucore.AccessHostRead != 0 {
		u |= gputypes.BufferUsageMapRead
	}
	return u
}

// layoutUsage returns the HAL buffer usage of an image buffer in a layout.
func layoutUsage(l gpucore.ImageLayout) gputypes.BufferUsage {
	switch l {
	case gpucore.ImageLayoutGeneral:
		return gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	case gpucore.ImageLayoutPresentSrc:
		return gputypes.BufferUsageCopySrc
	default:
		return gputypes.BufferUsageNone
	}
}

// encoder records commands. HAL encoding happens in Finish, once every
// parameter block is known.
type encoder struct {
	dev   *Device
	label string
	ops   []op
	err   error
	done  bool

	pipeline *pipeline
	bindings map[uint32]gpucore.Binding
	params   []byte

	// paramsData packs the parameter block of every dispatch at
	// uniformAlignment offsets.
	paramsData []byte

	// written holds buffers written since the last barrier that covered
	// them, with the access of the write.
	written map[hal.Buffer]gpucore.Access
}

// BeginCommands starts recording a command buffer.
func (d *Device) BeginCommands(label string) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("native: begin %q: %w", label, gpucore.ErrDeviceLost)
	}
	return &encoder{
		dev:      d,
		label:    label,
		bindings: make(map[uint32]gpucore.Binding),
		written:  make(map[hal.Buffer]gpucore.Access),
	}, nil
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("native: encode %q: "+format, append([]any{e.label}, args...)...)
	}
}

func (e *encoder) ok() bool {
	if e.done {
		e.fail("encoder already finished: %w", gpucore.ErrInvalidState)
	}
	return e.err == nil
}

// resolve returns the HAL buffer and size behind a buffer ID.
func (e *encoder) resolve(id gpucore.BufferID) (hal.Buffer, uint64, bool) {
	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	_, m, err := e.dev.lookupLocked(id)
	if err != nil {
		e.fail("%w", err)
		return nil, 0, false
	}
	return m.hal, m.size, true
}

// resolveImage returns the buffer of a swapchain image.
func (e *encoder) resolveImage(index uint32) (hal.Buffer, uint64, bool) {
	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	if int(index) >= len(e.dev.images) {
		e.fail("image %d of %d: %w", index, len(e.dev.images), gpucore.ErrInvalidState)
		return nil, 0, false
	}
	img := e.dev.images[index]
	return img.buf, img.size, true
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
	e.params = append([]byte(nil), data...)
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

	entries := make([]gputypes.BindGroupEntry, 0, len(p.kinds))
	for _, slot := range slices.Sorted(maps.Keys(p.kinds)) {
		kind := p.kinds[slot]
		b, ok := e.bindings[slot]
		if !ok {
			e.fail("dispatch %s: binding %d not set: %w", p.kernel, slot, gpucore.ErrInvalidState)
			return
		}
		var (
			buf  hal.Buffer
			size uint64
		)
		if kind == gpucore.BindingImage {
			buf, size, ok = e.resolveImage(b.Image)
		} else {
			buf, size, ok = e.resolve(b.Buffer)
		}
		if !ok {
			return
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  slot,
			Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: 0, Size: size},
		})
		if kind.Writes() {
			e.written[buf] |= gpucore.AccessShaderWrite
		}
	}

	offset := uint32(len(e.paramsData))
	block := make([]byte, uniformAlignment)
	copy(block, e.params)
	e.paramsData = append(e.paramsData, block...)

	e.ops = append(e.ops, op{
		kind:         opDispatch,
		pipeline:     p,
		entries:      entries,
		paramsOffset: offset,
		groups:       [3]uint32{x, y, z},
	})
}

func (e *encoder) Barrier(b gpucore.Barrier) {
	if !e.ok() {
		return
	}
	var barriers []hal.BufferBarrier
	for buf, access := range e.written {
		if access&b.Src == 0 {
			continue
		}
		barriers = append(barriers, hal.BufferBarrier{
			Buffer: buf,
			Usage: hal.BufferUsageTransition{
				OldUsage: accessUsage(access),
				NewUsage: accessUsage(b.Dst),
			},
		})
		delete(e.written, buf)
	}
	if len(barriers) > 0 {
		e.ops = append(e.ops, op{kind: opBarrier, barriers: barriers})
	}
}

func (e *encoder) CopyBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset uint64, size uint64) {
	if !e.ok() {
		return
	}
	if srcOffset%4 != 0 || dstOffset%4 != 0 || size%4 != 0 {
		e.fail("copy buffer: offsets and size must be multiples of 4")
		return
	}
	sb, ssize, ok := e.resolve(src)
	if !ok {
		return
	}
	db, dsize, ok := e.resolve(dst)
	if !ok {
		return
	}
	if srcOffset+size > ssize || dstOffset+size > dsize {
		e.fail("copy buffer: %d bytes out of bounds", size)
		return
	}
	e.written[db] |= gpucore.AccessTransferWrite
	e.ops = append(e.ops, op{kind: opCopy, src: sb, srcOff: srcOffset, dst: db, dstOff: dstOffset, size: size})
}

func (e *encoder) FillBuffer(dst gpucore.BufferID, offset, size uint64, value uint32) {
	if !e.ok() {
		return
	}
	if offset%4 != 0 || size%4 != 0 {
		e.fail("fill buffer: offset %d and size %d must be multiples of 4", offset, size)
		return
	}
	db, dsize, ok := e.resolve(dst)
	if !ok {
		return
	}
	if offset+size > dsize {
		e.fail("fill buffer: range [%d,%d) exceeds size %d", offset, offset+size, dsize)
		return
	}
	e.written[db] |= gpucore.AccessTransferWrite
	e.ops = append(e.ops, op{kind: opFill, dst: db, dstOff: offset, size: size, value: value})
}

func (e *encoder) TransitionImage(image uint32, from, to gpucore.ImageLayout) {
	if !e.ok() {
		return
	}
	buf, _, ok := e.resolveImage(image)
	if !ok {
		return
	}
	e.ops = append(e.ops, op{kind: opTransition, dst: buf, image: image, from: from, to: to})
}

func (e *encoder) ClearImage(image uint32, rgba [4]float32) {
	if !e.ok() {
		return
	}
	buf, size, ok := e.resolveImage(image)
	if !ok {
		return
	}
	e.written[buf] |= gpucore.AccessTransferWrite
	e.ops = append(e.ops, op{kind: opClearImage, dst: buf, size: size, image: image, value: packRGBA(rgba)})
}

// packRGBA packs a color into a little-endian RGBA8 word, rounding to
// nearest as pack4x8unorm does.
func packRGBA(c [4]float32) uint32 {
	var v uint32
	for i, f := range c {
		f = min(max(f, 0), 1)
		v |= uint32(math.Floor(float64(f)*255+0.5)) << (8 * i)
	}
	return v
}

func (e *encoder) Finish() (gpucore.CommandBuffer, error) {
	if e.done {
		return nil, fmt.Errorf("native: encode %q: finished twice: %w", e.label, gpucore.ErrInvalidState)
	}
	e.done = true
	if e.err != nil {
		return nil, e.err
	}

	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("native: encode %q: %w", e.label, gpucore.ErrDeviceLost)
	}
	cb := &commandBuffer{dev: d, label: e.label}
	if err := d.encodeLocked(cb, e.ops, e.paramsData); err != nil {
		cb.release(d.dev)
		return nil, fmt.Errorf("native: encode %q: %w", e.label, err)
	}
	d.recorded[cb] = struct{}{}
	return cb, nil
}

// encodeLocked records ops into a HAL command buffer. Consecutive
// dispatches share one compute pass. d.mu must be held.
func (d *Device) encodeLocked(cb *commandBuffer, ops []op, paramsData []byte) error {
	if len(paramsData) > 0 {
		buf, err := d.createHALBufferLocked(cb.label+"_params", uint64(len(paramsData)),
			gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		cb.params = buf
		cb.paramsSize = align(uint64(len(paramsData)), 4)
		if err := d.queue.WriteBuffer(buf, 0, paramsData); err != nil {
			return fmt.Errorf("write params: %w", err)
		}
	}

	enc, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: cb.label})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	cb.encoder = enc
	if err := enc.BeginEncoding(cb.label); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	paramGroups := make(map[*pipeline]hal.BindGroup)
	var pass hal.ComputePassEncoder
	endPass := func() {
		if pass != nil {
			pass.End()
			pass = nil
		}
	}

	for i := range ops {
		o := &ops[i]
		switch o.kind {
		case opDispatch:
			p := o.pipeline
			group, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
				Label:   p.kernel.String(),
				Layout:  p.resLayout,
				Entries: o.entries,
			})
			if err != nil {
				endPass()
				enc.DiscardEncoding()
				return fmt.Errorf("create bind group for %s: %w", p.kernel, err)
			}
			cb.bindGroups = append(cb.bindGroups, group)

			paramsGroup, ok := paramGroups[p]
			if !ok {
				paramsGroup, err = d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
					Label:  p.kernel.String() + "_params",
					Layout: p.paramsLayout,
					Entries: []gputypes.BindGroupEntry{{
						Binding:  0,
						Resource: gputypes.BufferBinding{Buffer: cb.params.NativeHandle(), Size: uint64(p.pushSize)},
					}},
				})
				if err != nil {
					endPass()
					enc.DiscardEncoding()
					return fmt.Errorf("create params bind group for %s: %w", p.kernel, err)
				}
				cb.bindGroups = append(cb.bindGroups, paramsGroup)
				paramGroups[p] = paramsGroup
			}

			if pass == nil {
				pass = enc.BeginComputePass(&hal.ComputePassDescriptor{Label: cb.label})
			}
			pass.SetPipeline(p.compute)
			pass.SetBindGroup(0, group, nil)
			pass.SetBindGroup(1, paramsGroup, []uint32{o.paramsOffset})
			pass.Dispatch(o.groups[0], o.groups[1], o.groups[2])
			cb.dispatches[p.kernel]++

		case opCopy:
			endPass()
			enc.CopyBufferToBuffer(o.src, o.dst, []hal.BufferCopy{{SrcOffset: o.srcOff, DstOffset: o.dstOff, Size: o.size}})

		case opFill, opClearImage:
			endPass()
			if o.size == 0 {
				continue
			}
			if o.value == 0 {
				enc.ClearBuffer(o.dst, o.dstOff, o.size)
				continue
			}
			pattern, err := d.patternLocked(o.value, o.size)
			if err != nil {
				enc.DiscardEncoding()
				return err
			}
			pattern.refs++
			cb.patterns = append(cb.patterns, pattern)
			enc.CopyBufferToBuffer(pattern.hal, o.dst, []hal.BufferCopy{{DstOffset: o.dstOff, Size: o.size}})

		case opBarrier:
			endPass()
			enc.TransitionBuffers(o.barriers)

		case opTransition:
			endPass()
			enc.TransitionBuffers([]hal.BufferBarrier{{
				Buffer: o.dst,
				Usage:  hal.BufferUsageTransition{OldUsage: layoutUsage(o.from), NewUsage: layoutUsage(o.to)},
			}})
			cb.transitions = append(cb.transitions, imageTransition{image: o.image, from: o.from, to: o.to})
		}
	}
	endPass()

	cmd, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	cb.hal = cmd
	return nil
}

// patternLocked returns a copy source of at least size bytes filled with
// value. A pattern that is too small is retired and replaced. d.mu must be
// held.
func (d *Device) patternLocked(value uint32, size uint64) (*memoryBlock, error) {
	if p, ok := d.patterns[value]; ok && p.size >= size {
		return p, nil
	}
	if old, ok := d.patterns[value]; ok {
		delete(d.patterns, value)
		d.retireLocked(old)
	}

	buf, err := d.createHALBufferLocked(fmt.Sprintf("fill_%08x", value), size,
		gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	data := make([]byte, align(size, 4))
	for i := 0; i < len(data); i += 4 {
		binary.LittleEndian.PutUint32(data[i:], value)
	}
	if err := d.queue.WriteBuffer(buf, 0, data); err != nil {
		d.dev.DestroyBuffer(buf)
		d.allocated -= uint64(len(data))
		return nil, fmt.Errorf("write fill pattern: %w", err)
	}

	p := &memoryBlock{hal: buf, size: uint64(len(data)), usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst}
	d.patterns[value] = p
	return p, nil
}
