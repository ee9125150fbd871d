// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

// Config configures a native device.
type Config struct {
	// Width and Height are the swapchain image size.
	Width, Height uint32

	// Images is the number of swapchain images. Default: 3.
	Images int

	// MemoryLimit caps the total allocated buffer memory in bytes. Zero
	// means unlimited.
	MemoryLimit uint64

	// Presenter receives presented frames. Optional.
	Presenter gpucore.Presenter

	// UseSPIRV compiles shaders to SPIR-V with naga instead of passing WGSL
	// source to the backend.
	UseSPIRV bool

	// Backends lists the HAL backends Open tries, in order. Default:
	// Vulkan, Metal, DX12, GL.
	Backends []gputypes.Backend
}

var defaultBackends = []gputypes.Backend{
	gputypes.BackendVulkan,
	gputypes.BackendMetal,
	gputypes.BackendDX12,
	gputypes.BackendGL,
}

// uniformAlignment is the dynamic offset alignment of parameter blocks.
// It matches the default MinUniformBufferOffsetAlignment limit.
const uniformAlignment = 256

type buffer struct {
	label  string
	size   uint64
	usage  gpucore.BufferUsage
	memory gpucore.MemoryID
}

// memoryBlock is the HAL buffer backing a gpucore buffer. HAL buffers own
// their memory, so a block belongs to exactly one buffer.
type memoryBlock struct {
	hal   hal.Buffer
	size  uint64
	props gpucore.MemoryProperty
	usage gputypes.BufferUsage

	// refs counts unreleased command buffers copying from a fill pattern.
	refs int
}

type pipeline struct {
	kernel   gpucore.Kernel
	label    string
	kinds    map[uint32]gpucore.BindingKind
	pushSize uint32

	module       hal.ShaderModule
	resLayout    hal.BindGroupLayout
	paramsLayout hal.BindGroupLayout
	layout       hal.PipelineLayout
	compute      hal.ComputePipeline
}

// destroy releases the HAL objects of a pipeline in reverse creation order.
// It tolerates a partially initialized pipeline.
func (p *pipeline) destroy(dev hal.Device) {
	if p.compute != nil {
		dev.DestroyComputePipeline(p.compute)
		p.compute = nil
	}
	if p.layout != nil {
		dev.DestroyPipelineLayout(p.layout)
		p.layout = nil
	}
	if p.paramsLayout != nil {
		dev.DestroyBindGroupLayout(p.paramsLayout)
		p.paramsLayout = nil
	}
	if p.resLayout != nil {
		dev.DestroyBindGroupLayout(p.resLayout)
		p.resLayout = nil
	}
	if p.module != nil {
		dev.DestroyShaderModule(p.module)
		p.module = nil
	}
}

// Device is a gpucore.Device backed by a wgpu HAL device and queue.
//
// Thread Safety: Device is safe for concurrent use from multiple goroutines.
type Device struct {
	mu sync.Mutex

	dev   hal.Device
	queue hal.Queue

	// release tears down the HAL device and instance when the device
	// opened them itself. Nil for shared devices.
	release func()

	nextID atomic.Uint64

	buffers    map[gpucore.BufferID]*buffer
	memory     map[gpucore.MemoryID]*memoryBlock
	pipelines  map[gpucore.PipelineID]*pipeline
	fences     map[gpucore.FenceID]*fence
	semaphores map[gpucore.SemaphoreID]*semaphore

	extent    gpucore.Extent
	images    []*swapImage
	nextImage uint32

	allocated   uint64
	memoryLimit uint64
	useSPIRV    bool

	presenter gpucore.Presenter

	// patterns holds copy sources for fills of nonzero values, keyed by
	// the 32-bit fill value.
	patterns map[uint32]*memoryBlock

	// inflight lists submitted work whose transient resources are released
	// once the queue reports it complete.
	inflight []*submission
	retired  []retiredResource
	recorded map[*commandBuffer]struct{}

	lastSubmit uint64

	// frames holds read-back frames until they are delivered outside mu.
	frames    []presentedFrame
	deliverMu sync.Mutex

	// lost latches the first queue or presenter error. Later submissions
	// fail.
	lost   error
	closed bool

	dispatches [gpucore.KernelCount]atomic.Uint64
	submits    atomic.Uint64
	log        atomic.Pointer[slog.Logger]
}

var _ gpucore.Device = (*Device)(nil)

// New creates a device on an open HAL device and queue. The caller keeps
// ownership of dev and queue; Destroy releases only what the device created.
func New(dev hal.Device, queue hal.Queue, cfg Config) (*Device, error) {
	if dev == nil || queue == nil {
		return nil, errors.New("native: nil HAL device or queue")
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, fmt.Errorf("native: invalid swapchain size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Images <= 0 {
		cfg.Images = 3
	}

	d := &Device{
		dev:         dev,
		queue:       queue,
		buffers:     make(map[gpucore.BufferID]*buffer),
		memory:      make(map[gpucore.MemoryID]*memoryBlock),
		pipelines:   make(map[gpucore.PipelineID]*pipeline),
		fences:      make(map[gpucore.FenceID]*fence),
		semaphores:  make(map[gpucore.SemaphoreID]*semaphore),
		patterns:    make(map[uint32]*memoryBlock),
		recorded:    make(map[*commandBuffer]struct{}),
		memoryLimit: cfg.MemoryLimit,
		useSPIRV:    cfg.UseSPIRV,
		presenter:   cfg.Presenter,
	}
	d.nextID.Store(1)
	d.log.Store(nopLogger())

	d.mu.Lock()
	err := d.createImagesLocked(gpucore.Extent{Width: cfg.Width, Height: cfg.Height}, cfg.Images)
	d.mu.Unlock()
	if err != nil {
		d.destroyImages()
		return nil, err
	}
	return d, nil
}

// halProvider is implemented by device providers that expose their HAL
// device and queue.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewFromProvider creates a device sharing the GPU of a host application.
// The provider must expose HAL objects, either through HalDevice and
// HalQueue or by returning them from Device and Queue.
func NewFromProvider(provider gpucontext.DeviceProvider, cfg Config) (*Device, error) {
	if provider == nil {
		return nil, errors.New("native: nil device provider")
	}

	var devAny, queueAny any = provider.Device(), provider.Queue()
	if hp, ok := provider.(halProvider); ok {
		devAny, queueAny = hp.HalDevice(), hp.HalQueue()
	}
	dev, ok := devAny.(hal.Device)
	if !ok {
		return nil, fmt.Errorf("native: provider device %T is not a HAL device", devAny)
	}
	queue, ok := queueAny.(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("native: provider queue %T is not a HAL queue", queueAny)
	}

	d, err := New(dev, queue, cfg)
	if err != nil {
		return nil, err
	}
	info := provider.AdapterInfo()
	d.logger().Info("native: using shared device", "adapter", info.Name, "type", info.Type)
	return d, nil
}

// Open creates a standalone device on the first registered backend of
// cfg.Backends, preferring a discrete or integrated GPU.
func Open(cfg Config) (*Device, error) {
	backends := cfg.Backends
	if len(backends) == 0 {
		backends = defaultBackends
	}
	var api hal.Backend
	for _, b := range backends {
		if found, ok := hal.GetBackend(b); ok {
			api = found
			break
		}
	}
	if api == nil {
		return nil, fmt.Errorf("native: backends %v: %w", backends, hal.ErrBackendNotFound)
	}

	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errors.New("native: no GPU adapters found")
	}
	selected := pickAdapter(adapters)

	open, err := selected.Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}

	d, err := New(open.Device, open.Queue, cfg)
	if err != nil {
		open.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.release = func() {
		open.Device.Destroy()
		instance.Destroy()
	}
	d.logger().Info("native: device opened",
		"backend", api.Variant(), "adapter", selected.Info.Name, "type", selected.Info.DeviceType,
		"width", cfg.Width, "height", cfg.Height)
	return d, nil
}

// pickAdapter prefers a discrete, then an integrated GPU, falling back to
// the first adapter.
func pickAdapter(adapters []hal.ExposedAdapter) *hal.ExposedAdapter {
	for _, want := range []gputypes.DeviceType{gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU} {
		for i := range adapters {
			if adapters[i].Info.DeviceType == want {
				return &adapters[i]
			}
		}
	}
	return &adapters[0]
}

// SetLogger sets the logger used by the device. Nil disables logging.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = nopLogger()
	}
	d.log.Store(l)
}

func (d *Device) logger() *slog.Logger { return d.log.Load() }

func (d *Device) newID() uint64 {
	return d.nextID.Add(1) - 1
}

// === Buffers ===

// halUsage maps gpucore usage to HAL usage. Host-visible buffers without
// shader usage become map-read readback buffers; every host-visible buffer
// accepts queue writes.
func halUsage(u gpucore.BufferUsage, props gpucore.MemoryProperty) gputypes.BufferUsage {
	var h gputypes.BufferUsage
	if u&gpucore.BufferUsageCopySrc != 0 {
		h |= gputypes.BufferUsageCopySrc
	}
	if u&gpucore.BufferUsageCopyDst != 0 {
		h |= gputypes.BufferUsageCopyDst
	}
	if u&gpucore.BufferUsageUniform != 0 {
		h |= gputypes.BufferUsageUniform
	}
	if u&gpucore.BufferUsageStorage != 0 {
		h |= gputypes.BufferUsageStorage
	}
	if props&gpucore.MemoryHostVisible != 0 {
		if u&(gpucore.BufferUsageUniform|gpucore.BufferUsageStorage) == 0 {
			h = gputypes.BufferUsageMapRead
		}
		h |= gputypes.BufferUsageCopyDst
	}
	return h
}

func align(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

// createHALBufferLocked creates a HAL buffer and accounts for its memory.
// d.mu must be held.
func (d *Device) createHALBufferLocked(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	size = align(size, 4)
	if d.memoryLimit > 0 && d.allocated+size > d.memoryLimit {
		return nil, fmt.Errorf("native: create buffer %q (%d bytes): %w", label, size, gpucore.ErrOutOfMemory)
	}
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: size, Usage: usage})
	if err != nil {
		if errors.Is(err, hal.ErrDeviceOutOfMemory) {
			return nil, fmt.Errorf("native: create buffer %q (%d bytes): %w: %w", label, size, gpucore.ErrOutOfMemory, err)
		}
		return nil, fmt.Errorf("native: create buffer %q: %w", label, err)
	}
	d.allocated += size
	return buf, nil
}

// CreateBuffer allocates a buffer. HAL buffers are zero-initialized.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (gpucore.Allocation, error) {
	if desc.Size == 0 {
		return gpucore.Allocation{}, fmt.Errorf("native: create buffer %q: zero size", desc.Label)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return gpucore.Allocation{}, fmt.Errorf("native: create buffer %q: %w", desc.Label, gpucore.ErrDeviceLost)
	}

	usage := halUsage(desc.Usage, desc.Memory)
	hb, err := d.createHALBufferLocked(desc.Label, desc.Size, usage)
	if err != nil {
		return gpucore.Allocation{}, err
	}

	memID := gpucore.MemoryID(d.newID())
	bufID := gpucore.BufferID(d.newID())
	d.memory[memID] = &memoryBlock{hal: hb, size: align(desc.Size, 4), props: desc.Memory, usage: usage}
	d.buffers[bufID] = &buffer{label: desc.Label, size: desc.Size, usage: desc.Usage, memory: memID}

	d.logger().Debug("native: buffer created", "label", desc.Label, "size", desc.Size, "buffer", bufID)
	return gpucore.Allocation{Buffer: bufID, Memory: memID, Size: desc.Size}, nil
}

// DestroyBuffer releases a buffer object. Its memory stays allocated until
// FreeMemory.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	delete(d.buffers, id)
	d.mu.Unlock()
}

// FreeMemory releases a memory block. The HAL buffer is destroyed once
// every submission issued so far has completed.
func (d *Device) FreeMemory(id gpucore.MemoryID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.memory[id]
	if !ok {
		return
	}
	delete(d.memory, id)
	d.retireLocked(m)
}

// lookupLocked returns a buffer and its memory block. d.mu must be held.
func (d *Device) lookupLocked(id gpucore.BufferID) (*buffer, *memoryBlock, error) {
	b, ok := d.buffers[id]
	if !ok {
		return nil, nil, fmt.Errorf("native: buffer %d: %w", id, gpucore.ErrUnknownResource)
	}
	m, ok := d.memory[b.memory]
	if !ok {
		return nil, nil, fmt.Errorf("native: memory of buffer %q: %w", b.label, gpucore.ErrUnknownResource)
	}
	return b, m, nil
}

// WriteBuffer copies data into a buffer through the queue.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, m, err := d.lookupLocked(id)
	if err != nil {
		return err
	}
	if m.usage&gputypes.BufferUsageCopyDst == 0 {
		return fmt.Errorf("native: write buffer %q: neither CopyDst nor host visible: %w", b.label, gpucore.ErrInvalidState)
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("native: write buffer %q: range [%d,%d) exceeds size %d",
			b.label, offset, offset+uint64(len(data)), b.size)
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.queue.WriteBuffer(m.hal, offset, data); err != nil {
		return fmt.Errorf("native: write buffer %q: %w", b.label, err)
	}
	return nil
}

// ReadBuffer maps a readback buffer and copies its contents into dst.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, m, err := d.lookupLocked(id)
	if err != nil {
		return err
	}
	if m.props&gpucore.MemoryHostVisible == 0 || m.usage&gputypes.BufferUsageMapRead == 0 {
		return fmt.Errorf("native: read buffer %q: not host visible: %w", b.label, gpucore.ErrInvalidState)
	}
	if offset+uint64(len(dst)) > b.size {
		return fmt.Errorf("native: read buffer %q: range [%d,%d) exceeds size %d",
			b.label, offset, offset+uint64(len(dst)), b.size)
	}
	if len(dst) == 0 {
		return nil
	}
	return d.mapReadLocked(m.hal, offset, dst, b.label)
}

// mapReadLocked maps [offset, offset+len(dst)) of a MapRead buffer and
// copies it out. Map ranges are widened to an 8-byte offset and a 4-byte
// size. d.mu must be held.
func (d *Device) mapReadLocked(buf hal.Buffer, offset uint64, dst []byte, label string) error {
	start := offset &^ 7
	size := align(offset+uint64(len(dst))-start, 4)

	mapping, err := d.dev.MapBuffer(buf, start, size)
	if err != nil {
		return fmt.Errorf("native: map buffer %q: %w", label, err)
	}
	src := unsafe.Slice((*byte)(mapping.Ptr), size)
	copy(dst, src[offset-start:])
	if err := d.dev.UnmapBuffer(buf); err != nil {
		return fmt.Errorf("native: unmap buffer %q: %w", label, err)
	}
	return nil
}

// Allocated returns the number of bytes of live buffer memory, including
// memory awaiting release after FreeMemory.
func (d *Device) Allocated() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// === Pipelines ===

// bindingEntry returns the HAL layout entry of a binding slot. Swapchain
// images are storage buffers of packed pixels.
func bindingEntry(b gpucore.BindingLayout) gputypes.BindGroupLayoutEntry {
	t := gputypes.BufferBindingTypeStorage
	switch b.Kind {
	case gpucore.BindingUniform:
		t = gputypes.BufferBindingTypeUniform
	case gpucore.BindingStorageRead:
		t = gputypes.BufferBindingTypeReadOnlyStorage
	}
	return gputypes.BindGroupLayoutEntry{
		Binding:    b.Binding,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: t},
	}
}

// CreatePipeline validates the layout against the kernel's binary interface
// and builds the shader module, bind group layouts and compute pipeline.
func (d *Device) CreatePipeline(desc gpucore.PipelineDesc) (gpucore.PipelineID, error) {
	if !desc.Kernel.Valid() {
		return gpucore.InvalidID, fmt.Errorf("native: create pipeline %q: invalid kernel %d", desc.Label, desc.Kernel)
	}
	if !slices.Equal(abi.Layout(desc.Kernel), desc.Bindings) {
		return gpucore.InvalidID, fmt.Errorf("native: create pipeline %q: layout does not match kernel %s", desc.Label, desc.Kernel)
	}
	if desc.PushConstantSize < abi.ParamsSize(desc.Kernel) {
		return gpucore.InvalidID, fmt.Errorf("native: create pipeline %q: push constants %d bytes, kernel %s needs %d",
			desc.Label, desc.PushConstantSize, desc.Kernel, abi.ParamsSize(desc.Kernel))
	}
	if desc.PushConstantSize > uniformAlignment {
		return gpucore.InvalidID, fmt.Errorf("native: create pipeline %q: push constants %d bytes exceed %d",
			desc.Label, desc.PushConstantSize, uniformAlignment)
	}

	source, err := ShaderSource(desc.Kernel)
	if err != nil {
		return gpucore.InvalidID, err
	}
	shader := hal.ShaderSource{WGSL: source}
	if d.useSPIRV {
		code, err := CompileSPIRV(desc.Kernel)
		if err != nil {
			return gpucore.InvalidID, fmt.Errorf("native: create pipeline %q: %w", desc.Label, err)
		}
		shader = hal.ShaderSource{SPIRV: code}
	}

	p := &pipeline{
		kernel:   desc.Kernel,
		label:    desc.Label,
		kinds:    make(map[uint32]gpucore.BindingKind, len(desc.Bindings)),
		pushSize: desc.PushConstantSize,
	}
	for _, b := range desc.Bindings {
		p.kinds[b.Binding] = b.Kind
	}

	if err := d.buildPipeline(p, desc, shader); err != nil {
		p.destroy(d.dev)
		return gpucore.InvalidID, fmt.Errorf("native: create pipeline %q: %w", desc.Label, err)
	}

	id := gpucore.PipelineID(d.newID())
	d.mu.Lock()
	d.pipelines[id] = p
	d.mu.Unlock()

	d.logger().Debug("native: pipeline created", "kernel", desc.Kernel, "pipeline", id, "spirv", d.useSPIRV)
	return id, nil
}

func (d *Device) buildPipeline(p *pipeline, desc gpucore.PipelineDesc, shader hal.ShaderSource) error {
	var err error
	name := desc.Kernel.String()

	p.module, err = d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: name, Source: shader})
	if err != nil {
		return fmt.Errorf("create shader module: %w", err)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(desc.Bindings))
	for i, b := range desc.Bindings {
		entries[i] = bindingEntry(b)
	}
	p.resLayout, err = d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   name + "_resources",
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create resource layout: %w", err)
	}

	p.paramsLayout, err = d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: name + "_params",
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStageCompute,
			Buffer: &gputypes.BufferBindingLayout{
				Type:             gputypes.BufferBindingTypeUniform,
				HasDynamicOffset: true,
				MinBindingSize:   uint64(desc.PushConstantSize),
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("create params layout: %w", err)
	}

	p.layout, err = d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            name + "_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.resLayout, p.paramsLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}

	p.compute, err = d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  name,
		Layout: p.layout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: entryPoint,
		},
	})
	if err != nil {
		return fmt.Errorf("create compute pipeline: %w", err)
	}
	return nil
}

// DestroyPipeline releases a pipeline after all submitted work completes.
func (d *Device) DestroyPipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pipelines[id]
	if !ok {
		return
	}
	delete(d.pipelines, id)
	d.retirePipelineLocked(p)
}

func (d *Device) pipeline(id gpucore.PipelineID) (*pipeline, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pipelines[id]
	return p, ok
}

// Dispatches returns how many dispatches of a kernel have been submitted.
func (d *Device) Dispatches(k gpucore.Kernel) uint64 {
	if !k.Valid() {
		return 0
	}
	return d.dispatches[k].Load()
}

// Submissions returns how many command buffers have been submitted.
func (d *Device) Submissions() uint64 {
	return d.submits.Load()
}

// Destroy waits for the queue and releases all resources. A device created
// by Open also releases its HAL device and instance.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if err := d.dev.WaitIdle(); err != nil {
		d.logger().Warn("native: wait idle on destroy", "err", err)
	}
	d.collectLocked(^uint64(0))

	for cb := range d.recorded {
		cb.release(d.dev)
	}
	clear(d.recorded)
	for _, r := range d.retired {
		r.release()
	}
	d.retired = nil
	for _, p := range d.pipelines {
		p.destroy(d.dev)
	}
	clear(d.pipelines)
	for _, m := range d.memory {
		d.dev.DestroyBuffer(m.hal)
	}
	clear(d.memory)
	clear(d.buffers)
	for _, m := range d.patterns {
		d.dev.DestroyBuffer(m.hal)
	}
	clear(d.patterns)
	clear(d.fences)
	clear(d.semaphores)
	d.mu.Unlock()

	d.destroyImages()

	d.mu.Lock()
	d.allocated = 0
	d.mu.Unlock()

	if d.release != nil {
		d.release()
		d.release = nil
	}
}
