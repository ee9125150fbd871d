// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cpu provides a reference implementation of gpucore.Device that
// executes every kernel as Go code.
//
// The device mirrors the execution model of a real GPU: command buffers run
// in submission order on a single queue goroutine, fences and binary
// semaphores are signaled by that queue, and swapchain images change layout
// only through recorded transitions. Workgroups of a dispatch run
// concurrently on a work-stealing pool.
//
// The device also validates what a GPU driver would leave undefined. A
// command buffer that reads memory written earlier in the same buffer
// without a covering barrier fails with gpucore.ErrHazard, and image layout
// mismatches fail with gpucore.ErrInvalidState.
package cpu

import (
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
	"github.com/gogpu/splat/internal/parallel"
)

// Config configures a CPU device.
type Config struct {
	// Width and Height are the swapchain image size.
	Width, Height uint32

	// Images is the number of swapchain images. Default: 3.
	Images int

	// Workers is the number of goroutines running workgroups.
	// Default: GOMAXPROCS.
	Workers int

	// MemoryLimit caps the total allocated memory in bytes. Zero means
	// unlimited.
	MemoryLimit uint64

	// Presenter receives presented frames. Optional.
	Presenter gpucore.Presenter
}

type buffer struct {
	label  string
	size   uint64
	usage  gpucore.BufferUsage
	memory gpucore.MemoryID
}

type memoryBlock struct {
	data  []byte
	props gpucore.MemoryProperty
}

type pipeline struct {
	kernel   gpucore.Kernel
	label    string
	kinds    map[uint32]gpucore.BindingKind
	pushSize uint32
}

type fence struct {
	done     chan struct{}
	signaled bool
	pending  bool
	err      error
}

type semaphore struct {
	signaled bool
}

type swapImage struct {
	pix       *image.RGBA
	layout    gpucore.ImageLayout
	available chan struct{}
}

// Device is a CPU implementation of gpucore.Device.
//
// Thread Safety: Device is safe for concurrent use from multiple goroutines.
type Device struct {
	mu sync.Mutex

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

	presenter gpucore.Presenter

	// lost latches the first execution error. Later submissions fail.
	lost error

	queue     chan queueItem
	queueDone chan struct{}
	idle      sync.WaitGroup
	pool      *parallel.WorkerPool
	closed    bool

	dispatches [gpucore.KernelCount]atomic.Uint64
	submits    atomic.Uint64
	log        atomic.Pointer[slog.Logger]
}

var _ gpucore.Device = (*Device)(nil)

// New creates a CPU device with its swapchain.
func New(cfg Config) (*Device, error) {
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, fmt.Errorf("cpu: invalid swapchain size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Images <= 0 {
		cfg.Images = 3
	}

	d := &Device{
		buffers:     make(map[gpucore.BufferID]*buffer),
		memory:      make(map[gpucore.MemoryID]*memoryBlock),
		pipelines:   make(map[gpucore.PipelineID]*pipeline),
		fences:      make(map[gpucore.FenceID]*fence),
		semaphores:  make(map[gpucore.SemaphoreID]*semaphore),
		memoryLimit: cfg.MemoryLimit,
		presenter:   cfg.Presenter,
		queue:       make(chan queueItem, 16),
		queueDone:   make(chan struct{}),
		pool:        parallel.NewWorkerPool(cfg.Workers),
	}
	d.nextID.Store(1)
	d.log.Store(nopLogger())
	d.createImages(gpucore.Extent{Width: cfg.Width, Height: cfg.Height}, cfg.Images)

	go d.run()

	d.logger().Info("cpu: device created",
		"width", cfg.Width, "height", cfg.Height,
		"images", cfg.Images, "workers", d.pool.Workers())
	return d, nil
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

func (d *Device) createImages(e gpucore.Extent, n int) {
	d.extent = e
	d.images = make([]*swapImage, n)
	d.nextImage = 0
	for i := range d.images {
		img := &swapImage{
			pix:       image.NewRGBA(image.Rect(0, 0, int(e.Width), int(e.Height))),
			layout:    gpucore.ImageLayoutUndefined,
			available: make(chan struct{}, 1),
		}
		img.available <- struct{}{}
		d.images[i] = img
	}
}

// === Buffers ===

// CreateBuffer allocates a zero-initialized buffer and its memory.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (gpucore.Allocation, error) {
	if desc.Size == 0 {
		return gpucore.Allocation{}, fmt.Errorf("cpu: create buffer %q: zero size", desc.Label)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return gpucore.Allocation{}, fmt.Errorf("cpu: create buffer %q: %w", desc.Label, gpucore.ErrDeviceLost)
	}
	if d.memoryLimit > 0 && d.allocated+desc.Size > d.memoryLimit {
		return gpucore.Allocation{}, fmt.Errorf("cpu: create buffer %q (%d bytes): %w",
			desc.Label, desc.Size, gpucore.ErrOutOfMemory)
	}

	memID := gpucore.MemoryID(d.newID())
	bufID := gpucore.BufferID(d.newID())
	d.memory[memID] = &memoryBlock{data: make([]byte, desc.Size), props: desc.Memory}
	d.buffers[bufID] = &buffer{label: desc.Label, size: desc.Size, usage: desc.Usage, memory: memID}
	d.allocated += desc.Size

	d.logger().Debug("cpu: buffer created", "label", desc.Label, "size", desc.Size, "buffer", bufID)
	return gpucore.Allocation{Buffer: bufID, Memory: memID, Size: desc.Size}, nil
}

// DestroyBuffer releases a buffer object. Its memory stays allocated until
// FreeMemory.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	delete(d.buffers, id)
	d.mu.Unlock()
}

// FreeMemory releases a memory block.
func (d *Device) FreeMemory(id gpucore.MemoryID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m, ok := d.memory[id]; ok {
		d.allocated -= uint64(len(m.data))
		delete(d.memory, id)
	}
}

// lookupLocked returns the bytes backing a buffer. d.mu must be held.
func (d *Device) lookupLocked(id gpucore.BufferID) (*buffer, []byte, error) {
	b, ok := d.buffers[id]
	if !ok {
		return nil, nil, fmt.Errorf("cpu: buffer %d: %w", id, gpucore.ErrUnknownResource)
	}
	m, ok := d.memory[b.memory]
	if !ok {
		return nil, nil, fmt.Errorf("cpu: memory of buffer %q: %w", b.label, gpucore.ErrUnknownResource)
	}
	return b, m.data, nil
}

// WriteBuffer copies data into a buffer.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, mem, err := d.lookupLocked(id)
	if err != nil {
		return err
	}
	if b.usage&gpucore.BufferUsageCopyDst == 0 && d.memory[b.memory].props&gpucore.MemoryHostVisible == 0 {
		return fmt.Errorf("cpu: write buffer %q: neither CopyDst nor host visible: %w", b.label, gpucore.ErrInvalidState)
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("cpu: write buffer %q: range [%d,%d) exceeds size %d",
			b.label, offset, offset+uint64(len(data)), b.size)
	}
	copy(mem[offset:], data)
	return nil
}

// ReadBuffer copies host-visible buffer contents into dst.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, mem, err := d.lookupLocked(id)
	if err != nil {
		return err
	}
	if d.memory[b.memory].props&gpucore.MemoryHostVisible == 0 {
		return fmt.Errorf("cpu: read buffer %q: not host visible: %w", b.label, gpucore.ErrInvalidState)
	}
	if offset+uint64(len(dst)) > b.size {
		return fmt.Errorf("cpu: read buffer %q: range [%d,%d) exceeds size %d",
			b.label, offset, offset+uint64(len(dst)), b.size)
	}
	copy(dst, mem[offset:])
	return nil
}

// Contents returns a copy of any buffer's contents regardless of its memory
// properties. It is meant for tests and debugging.
func (d *Device) Contents(id gpucore.BufferID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, mem, err := d.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(mem), nil
}

// Allocated returns the number of bytes of live memory.
func (d *Device) Allocated() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// === Pipelines ===

// CreatePipeline validates the layout against the kernel's binary interface
// and registers the pipeline.
func (d *Device) CreatePipeline(desc gpucore.PipelineDesc) (gpucore.PipelineID, error) {
	if !desc.Kernel.Valid() {
		return gpucore.InvalidID, fmt.Errorf("cpu: create pipeline %q: invalid kernel %d", desc.Label, desc.Kernel)
	}
	want := abi.Layout(desc.Kernel)
	if !slices.Equal(want, desc.Bindings) {
		return gpucore.InvalidID, fmt.Errorf("cpu: create pipeline %q: layout does not match kernel %s", desc.Label, desc.Kernel)
	}
	if desc.PushConstantSize < abi.ParamsSize(desc.Kernel) {
		return gpucore.InvalidID, fmt.Errorf("cpu: create pipeline %q: push constants %d bytes, kernel %s needs %d",
			desc.Label, desc.PushConstantSize, desc.Kernel, abi.ParamsSize(desc.Kernel))
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

	id := gpucore.PipelineID(d.newID())
	d.mu.Lock()
	d.pipelines[id] = p
	d.mu.Unlock()
	return id, nil
}

// DestroyPipeline releases a pipeline.
func (d *Device) DestroyPipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	delete(d.pipelines, id)
	d.mu.Unlock()
}

func (d *Device) pipeline(id gpucore.PipelineID) (*pipeline, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pipelines[id]
	return p, ok
}

// === Synchronization ===

// CreateFence creates a fence.
func (d *Device) CreateFence(signaled bool) (gpucore.FenceID, error) {
	f := &fence{done: make(chan struct{}), signaled: signaled}
	if signaled {
		close(f.done)
	}
	id := gpucore.FenceID(d.newID())
	d.mu.Lock()
	d.fences[id] = f
	d.mu.Unlock()
	return id, nil
}

// WaitFence blocks until the fence is signaled or the timeout elapses.
func (d *Device) WaitFence(id gpucore.FenceID, timeout time.Duration) error {
	d.mu.Lock()
	f, ok := d.fences[id]
	var done chan struct{}
	if ok {
		done = f.done
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("cpu: wait fence %d: %w", id, gpucore.ErrUnknownResource)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return fmt.Errorf("cpu: wait fence %d after %v: %w", id, timeout, gpucore.ErrTimeout)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return f.err
}

// ResetFence returns a fence to the unsignaled state.
func (d *Device) ResetFence(id gpucore.FenceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fences[id]
	if !ok {
		return fmt.Errorf("cpu: reset fence %d: %w", id, gpucore.ErrUnknownResource)
	}
	if f.pending {
		return fmt.Errorf("cpu: reset fence %d: submission in flight: %w", id, gpucore.ErrInvalidState)
	}
	if f.signaled {
		f.done = make(chan struct{})
		f.signaled = false
		f.err = nil
	}
	return nil
}

// DestroyFence releases a fence.
func (d *Device) DestroyFence(id gpucore.FenceID) {
	d.mu.Lock()
	delete(d.fences, id)
	d.mu.Unlock()
}

// CreateSemaphore creates an unsignaled binary semaphore.
func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	id := gpucore.SemaphoreID(d.newID())
	d.mu.Lock()
	d.semaphores[id] = &semaphore{}
	d.mu.Unlock()
	return id, nil
}

// DestroySemaphore releases a semaphore.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	delete(d.semaphores, id)
	d.mu.Unlock()
}

// signalLocked signals a binary semaphore. d.mu must be held.
func (d *Device) signalLocked(id gpucore.SemaphoreID) error {
	s, ok := d.semaphores[id]
	if !ok {
		return fmt.Errorf("cpu: signal semaphore %d: %w", id, gpucore.ErrUnknownResource)
	}
	if s.signaled {
		return fmt.Errorf("cpu: signal semaphore %d: already signaled: %w", id, gpucore.ErrInvalidState)
	}
	s.signaled = true
	return nil
}

// consumeLocked waits on a binary semaphore, which must already be
// signaled since the queue executes in order. d.mu must be held.
func (d *Device) consumeLocked(id gpucore.SemaphoreID) error {
	s, ok := d.semaphores[id]
	if !ok {
		return fmt.Errorf("cpu: wait semaphore %d: %w", id, gpucore.ErrUnknownResource)
	}
	if !s.signaled {
		return fmt.Errorf("cpu: wait semaphore %d: never signaled: %w", id, gpucore.ErrInvalidState)
	}
	s.signaled = false
	return nil
}

// === Swapchain ===

// Extent returns the swapchain image size.
func (d *Device) Extent() gpucore.Extent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.extent
}

// ImageCount returns the number of swapchain images.
func (d *Device) ImageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.images)
}

// AcquireImage waits until the next image in rotation has been presented and
// signals the semaphore.
func (d *Device) AcquireImage(signal gpucore.SemaphoreID, timeout time.Duration) (uint32, error) {
	d.mu.Lock()
	idx := d.nextImage
	img := d.images[idx]
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-img.available:
	case <-timer.C:
		return 0, fmt.Errorf("cpu: acquire image %d after %v: %w", idx, timeout, gpucore.ErrTimeout)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.signalLocked(signal); err != nil {
		img.available <- struct{}{}
		return 0, err
	}
	d.nextImage = (idx + 1) % uint32(len(d.images))
	return idx, nil
}

// Present queues the image for presentation once the semaphore is signaled.
// Errors raised while presenting are returned by the next Present or WaitIdle.
func (d *Device) Present(imageIndex uint32, wait gpucore.SemaphoreID, region gpucore.Extent, scale uint32) error {
	d.mu.Lock()
	if int(imageIndex) >= len(d.images) {
		d.mu.Unlock()
		return fmt.Errorf("cpu: present image %d of %d: %w", imageIndex, len(d.images), gpucore.ErrInvalidState)
	}
	if err := d.lost; err != nil {
		d.mu.Unlock()
		return fmt.Errorf("cpu: present: %w: %w", gpucore.ErrDeviceLost, err)
	}
	d.mu.Unlock()

	return d.enqueue(queueItem{present: &presentOp{image: imageIndex, wait: wait, region: region, scale: scale}})
}

// Resize recreates the swapchain images. It waits for the queue to drain.
func (d *Device) Resize(width, height uint32) error {
	if width == 0 || height == 0 {
		return fmt.Errorf("cpu: invalid swapchain size %dx%d", width, height)
	}
	if err := d.WaitIdle(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createImages(gpucore.Extent{Width: width, Height: height}, len(d.images))
	d.logger().Info("cpu: swapchain resized", "width", width, "height", height)
	return nil
}

// Image returns a copy of a swapchain image.
func (d *Device) Image(index uint32) *image.RGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(index) >= len(d.images) {
		return nil
	}
	src := d.images[index].pix
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}

// ImageLayout returns the current layout of a swapchain image as seen by
// the queue.
func (d *Device) ImageLayout(index uint32) gpucore.ImageLayout {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(index) >= len(d.images) {
		return gpucore.ImageLayoutUndefined
	}
	return d.images[index].layout
}

// Dispatches returns how many dispatches of a kernel have executed.
func (d *Device) Dispatches(k gpucore.Kernel) uint64 {
	if !k.Valid() {
		return 0
	}
	return d.dispatches[k].Load()
}

// Submissions returns how many command buffers have executed.
func (d *Device) Submissions() uint64 {
	return d.submits.Load()
}

// WaitIdle blocks until the queue is empty and returns a latched
// execution error, if any.
func (d *Device) WaitIdle() error {
	d.idle.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		return fmt.Errorf("cpu: %w: %w", gpucore.ErrDeviceLost, d.lost)
	}
	return nil
}

// Destroy stops the queue and releases all resources.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.idle.Wait()
	close(d.queue)
	<-d.queueDone
	d.pool.Close()

	d.mu.Lock()
	clear(d.buffers)
	clear(d.memory)
	clear(d.pipelines)
	clear(d.fences)
	clear(d.semaphores)
	d.allocated = 0
	d.mu.Unlock()
}
