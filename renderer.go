package splat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
	"github.com/gogpu/splat/internal/pipeline"
	"github.com/gogpu/splat/internal/resource"
)

// FramesInFlight is the number of frames whose second phase may be queued
// at once.
const FramesInFlight = 2

// ImageState is the lifecycle of a swapchain image as seen by the renderer.
type ImageState uint8

// Image states.
const (
	// ImageUninitialized images have never been written since the
	// swapchain was (re)created.
	ImageUninitialized ImageState = iota

	// ImageAttached images are in the general layout for the current frame.
	ImageAttached

	// ImagePresented images were last handed to Present.
	ImagePresented
)

// String returns the state name.
func (s ImageState) String() string {
	switch s {
	case ImageUninitialized:
		return "Uninitialized"
	case ImageAttached:
		return "Attached"
	case ImagePresented:
		return "Presented"
	default:
		return "Unknown"
	}
}

// layout returns the image layout an image in this state is in.
func (s ImageState) layout() gpucore.ImageLayout {
	switch s {
	case ImageAttached:
		return gpucore.ImageLayoutGeneral
	case ImagePresented:
		return gpucore.ImageLayoutPresentSrc
	default:
		return gpucore.ImageLayoutUndefined
	}
}

// FrameStats describes one rendered frame.
type FrameStats struct {
	// Frame is the zero-based frame number.
	Frame uint64
	// Image is the swapchain image the frame was rendered into.
	Image uint32
	// Total is the number of (tile, point) pairs that were sorted.
	Total uint32
	// Capacity is the sort buffer capacity after the frame.
	Capacity uint32
	// Resized reports that the sort buffers grew during the frame.
	Resized bool
	// RadixPasses is the number of 8-bit sort passes.
	RadixPasses uint32
	// Blank reports that nothing was visible and only the background was
	// drawn.
	Blank bool
	// Phase1 is the time from recording the first submission until its
	// total was read back.
	Phase1 time.Duration
	// Phase2 is the time spent recording and queueing the second
	// submission and the present.
	Phase2 time.Duration
}

type frameSlot struct {
	phase1  gpucore.FenceID
	phase2  gpucore.FenceID
	acquire gpucore.SemaphoreID
}

// devices holds the devices of live renderers so that SetLogger reaches
// them.
var (
	devicesMu sync.Mutex
	devices   = make(map[gpucore.Device]int)
)

func registerDevice(d gpucore.Device) {
	devicesMu.Lock()
	devices[d]++
	devicesMu.Unlock()
	propagateLogger(d, slogger())
}

func unregisterDevice(d gpucore.Device) {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	if devices[d]--; devices[d] <= 0 {
		delete(devices, d)
	}
}

// Renderer draws a Scene on a gpucore.Device.
//
// Thread Safety: RenderFrame and Close serialize on an internal mutex. The
// SessionConfig returned by Session may be changed from any goroutine.
type Renderer struct {
	mu sync.Mutex

	dev     gpucore.Device
	res     *resource.Manager
	stages  *pipeline.Stages
	bufs    pipeline.Buffers
	bind    pipeline.Bindings
	session *SessionConfig
	timeout time.Duration

	numPoints uint32
	shCoeffs  uint32
	shDegree  uint32

	slots      [FramesInFlight]frameSlot
	renderDone []gpucore.SemaphoreID
	images     []ImageState

	swapExtent   gpucore.Extent
	renderExtent gpucore.Extent
	passes       uint32

	frame  uint64
	err    error
	closed bool
}

// New uploads the scene and creates every pipeline and buffer the renderer
// needs.
func New(dev gpucore.Device, scene Scene, opts ...Option) (*Renderer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := ValidateScene(scene); err != nil {
		return nil, err
	}
	if uint64(scene.Len()) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d points", ErrInvalidScene, scene.Len())
	}

	session := o.session
	if session == nil {
		cfg := DefaultFrameConfig()
		if o.frameConfig != nil {
			cfg = *o.frameConfig
		}
		var err error
		if session, err = NewSessionConfig(cfg); err != nil {
			return nil, err
		}
	}

	r := &Renderer{
		dev:       dev,
		res:       resource.NewManager(dev, slogger),
		session:   session,
		timeout:   o.fenceTimeout,
		numPoints: uint32(scene.Len()),
		shCoeffs:  uint32(scene.SHCoeffsPerChannel()),
		shDegree:  shDegreeOf(scene.SHCoeffsPerChannel()),
	}
	if err := r.init(scene, o.initialTilesPerPoint); err != nil {
		r.release()
		return nil, err
	}
	registerDevice(dev)

	slogger().Info("splat: renderer created",
		"points", r.numPoints, "sh_degree", r.shDegree, "capacity", r.bufs.Capacity)
	return r, nil
}

func (r *Renderer) init(scene Scene, tilesPerPoint uint32) error {
	stages, err := pipeline.NewStages(r.dev)
	if err != nil {
		return fmt.Errorf("splat: %w", err)
	}
	r.stages = stages

	if err := r.bufs.AllocatePoints(r.res, r.numPoints, r.shCoeffs); err != nil {
		return fmt.Errorf("splat: %w", err)
	}
	if err := r.upload(scene); err != nil {
		return err
	}
	if err := r.bufs.AllocateSort(r.res, initialCapacity(r.numPoints, tilesPerPoint)); err != nil {
		return fmt.Errorf("splat: %w", err)
	}

	for i := range r.slots {
		s := &r.slots[i]
		if s.phase1, err = r.dev.CreateFence(true); err != nil {
			return fmt.Errorf("splat: create phase 1 fence: %w", err)
		}
		if s.phase2, err = r.dev.CreateFence(true); err != nil {
			return fmt.Errorf("splat: create phase 2 fence: %w", err)
		}
		if s.acquire, err = r.dev.CreateSemaphore(); err != nil {
			return fmt.Errorf("splat: create acquire semaphore: %w", err)
		}
	}
	return r.createImageSync(r.dev.ImageCount())
}

// createImageSync creates one render semaphore and state per swapchain image.
func (r *Renderer) createImageSync(n int) error {
	for _, s := range r.renderDone {
		r.dev.DestroySemaphore(s)
	}
	r.renderDone = r.renderDone[:0]
	r.images = make([]ImageState, n)
	for range n {
		s, err := r.dev.CreateSemaphore()
		if err != nil {
			return fmt.Errorf("splat: create render semaphore: %w", err)
		}
		r.renderDone = append(r.renderDone, s)
	}
	return nil
}

// upload writes the scene attributes into their device buffers.
func (r *Renderer) upload(scene Scene) error {
	n := int(r.numPoints)
	if n == 0 {
		return nil
	}
	uploads := []struct {
		id   gpucore.BufferID
		data []float32
	}{
		{r.bufs.Positions, packVec4(scene.Positions(), 3, n, 1)},
		{r.bufs.Scales, packVec4(scene.Scales(), 3, n, 0)},
		{r.bufs.Rotations, scene.Rotations()},
		{r.bufs.Opacities, scene.Opacities()},
		{r.bufs.SH, scene.SH()},
	}
	for _, u := range uploads {
		if err := r.dev.WriteBuffer(u.id, 0, floatBytes(u.data)); err != nil {
			return fmt.Errorf("splat: upload scene: %w", err)
		}
	}
	return nil
}

func floatBytes(v []float32) []byte {
	out := make([]byte, 0, len(v)*4)
	for _, f := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

// initialCapacity returns the first sort capacity: tilesPerPoint pairs per
// point and at least one.
func initialCapacity(numPoints, tilesPerPoint uint32) uint32 {
	return uint32(min(max(uint64(numPoints)*uint64(tilesPerPoint), 1), math.MaxUint32))
}

// grownCapacity returns the capacity for a total that no longer fits:
// 25% above the total.
func grownCapacity(total uint32) uint32 {
	return uint32(min(uint64(total)*5/4, math.MaxUint32))
}

// Session returns the renderer's mutable configuration.
func (r *Renderer) Session() *SessionConfig { return r.session }

// Capacity returns the current sort buffer capacity in key/value pairs.
func (r *Renderer) Capacity() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufs.Capacity
}

// RadixPasses returns the pass count used by the last frame.
func (r *Renderer) RadixPasses() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

// ImageState returns the tracked state of a swapchain image.
func (r *Renderer) ImageState(image uint32) ImageState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(image) >= len(r.images) {
		return ImageUninitialized
	}
	return r.images[image]
}

// MemoryUsage returns the bytes held by the renderer's buffers.
func (r *Renderer) MemoryUsage() uint64 {
	return r.res.Stats().Bytes
}

// Err returns the error that stopped the renderer, if any.
func (r *Renderer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// RenderFrame renders and presents one frame.
//
// The context is checked before the frame starts; once the first
// submission is queued the frame runs to completion. Any error other than
// a context error is fatal: the renderer refuses every later frame.
func (r *Renderer) RenderFrame(ctx context.Context, cam Camera) (FrameStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return FrameStats{}, ErrClosed
	}
	if r.err != nil {
		return FrameStats{}, fmt.Errorf("splat: renderer stopped: %w", r.err)
	}
	if err := ctx.Err(); err != nil {
		return FrameStats{}, err
	}

	stats, err := r.renderFrame(cam)
	if err != nil {
		r.err = err
		slogger().Warn("splat: frame failed", "frame", r.frame, "err", err)
		return stats, err
	}
	r.frame++
	return stats, nil
}

// waitFence waits on a fence and maps timeouts and execution failures to
// ErrDeviceLost.
func (r *Renderer) waitFence(id gpucore.FenceID, what string) error {
	err := r.dev.WaitFence(id, r.timeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gpucore.ErrTimeout):
		return fmt.Errorf("splat: %s fence not signaled after %v: %w", what, r.timeout, ErrDeviceLost)
	case errors.Is(err, ErrDeviceLost):
		return fmt.Errorf("splat: %s: %w", what, err)
	default:
		return fmt.Errorf("splat: %s: %w: %w", what, ErrDeviceLost, err)
	}
}

// waitAllPhase2 waits until no second phase is in flight.
func (r *Renderer) waitAllPhase2() error {
	for i := range r.slots {
		if err := r.waitFence(r.slots[i].phase2, "phase 2"); err != nil {
			return err
		}
	}
	return nil
}

// rebind rebuilds every stage's binding table from the current buffers.
// Each bound handle must resolve to a live buffer.
func (r *Renderer) rebind() error {
	bind := pipeline.NewBindings(&r.bufs, r.numPoints, r.passes)
	for _, id := range bind.Buffers() {
		if _, err := r.res.Lookup(id); err != nil {
			return fmt.Errorf("splat: rebind: %w", err)
		}
	}
	r.bind = bind
	return nil
}

// syncExtent follows swapchain resizes and downscale changes. Buffers that
// depend on the render resolution are reallocated only after every second
// phase has completed.
func (r *Renderer) syncExtent(cfg FrameConfig) error {
	swap := r.dev.Extent()
	if swap != r.swapExtent {
		if err := r.waitAllPhase2(); err != nil {
			return err
		}
		if n := r.dev.ImageCount(); n != len(r.images) {
			if err := r.createImageSync(n); err != nil {
				return err
			}
		}
		clear(r.images)
		r.swapExtent = swap
	}

	render := gpucore.Extent{
		Width:  max(swap.Width/cfg.Downscale, 1),
		Height: max(swap.Height/cfg.Downscale, 1),
	}
	if render == r.renderExtent {
		return nil
	}
	if err := r.waitAllPhase2(); err != nil {
		return err
	}
	tilesX, tilesY := gpucore.TileGrid(render)
	r.bufs.ReleaseRanges(r.res)
	if err := r.bufs.AllocateRanges(r.res, tilesX*tilesY); err != nil {
		return fmt.Errorf("splat: resolution change: %w", err)
	}
	r.renderExtent = render
	r.passes = r.stages.Sorter.Passes(tilesX * tilesY)
	if err := r.rebind(); err != nil {
		return err
	}
	slogger().Info("splat: render resolution changed",
		"width", render.Width, "height", render.Height,
		"tiles", tilesX*tilesY, "radix_passes", r.passes)
	return nil
}

// growSort replaces the sort buffers with larger ones.
func (r *Renderer) growSort(total uint32) error {
	capacity := grownCapacity(total)
	if err := r.waitAllPhase2(); err != nil {
		return err
	}
	old := r.bufs.Capacity
	r.bufs.ReleaseSort(r.res)
	if err := r.bufs.AllocateSort(r.res, capacity); err != nil {
		return fmt.Errorf("splat: grow sort buffers to %d: %w", capacity, err)
	}
	if err := r.rebind(); err != nil {
		return err
	}
	slogger().Info("splat: sort buffers grown", "total", total, "from", old, "to", capacity)
	return nil
}

func (r *Renderer) submit(enc gpucore.CommandEncoder, info gpucore.SubmitInfo) error {
	cmd, err := enc.Finish()
	if err != nil {
		return err
	}
	return r.dev.Submit(cmd, info)
}

func (r *Renderer) renderFrame(cam Camera) (FrameStats, error) {
	stats := FrameStats{Frame: r.frame}
	slot := &r.slots[r.frame%FramesInFlight]

	if err := r.waitFence(slot.phase2, "phase 2"); err != nil {
		return stats, err
	}

	cfg := r.session.Snapshot()
	if err := r.syncExtent(cfg); err != nil {
		return stats, err
	}
	stats.RadixPasses = r.passes
	tilesX, tilesY := gpucore.TileGrid(r.renderExtent)

	// Phase 1: project and scan, then read back the total.
	if err := r.dev.ResetFence(slot.phase1); err != nil {
		return stats, fmt.Errorf("splat: reset phase 1 fence: %w", err)
	}
	image, err := r.dev.AcquireImage(slot.acquire, r.timeout)
	if err != nil {
		if errors.Is(err, gpucore.ErrTimeout) {
			return stats, fmt.Errorf("splat: acquire image: %w: %w", ErrDeviceLost, err)
		}
		return stats, fmt.Errorf("splat: acquire image: %w", err)
	}
	stats.Image = image

	uniforms := cam.Uniforms(r.renderExtent.Width, r.renderExtent.Height,
		min(cfg.SHDegree, r.shDegree), cfg.Near, cfg.Far)
	if err := r.dev.WriteBuffer(r.bufs.Camera, 0, uniforms.Bytes()); err != nil {
		return stats, fmt.Errorf("splat: upload camera: %w", err)
	}

	start := time.Now()
	enc, err := r.dev.BeginCommands("phase1")
	if err != nil {
		return stats, fmt.Errorf("splat: phase 1: %w", err)
	}
	enc.TransitionImage(image, r.images[image].layout(), gpucore.ImageLayoutGeneral)
	r.images[image] = ImageAttached
	if r.numPoints > 0 {
		culling := uint32(0)
		if cfg.Culling {
			culling = 1
		}
		r.stages.Projector.Record(enc, r.bind.Project, abi.ProjectParams{
			NumPoints:     r.numPoints,
			Near:          cfg.Near,
			Far:           cfg.Far,
			Culling:       culling,
			ScaleModifier: cfg.ScaleModifier,
			TilesX:        tilesX,
			TilesY:        tilesY,
			SHCoeffs:      r.shCoeffs,
		})
		enc.Barrier(gpucore.ComputeToCompute)
		r.stages.Scanner.Record(enc, r.bind.Scan, &r.bufs, r.numPoints)
	}
	err = r.submit(enc, gpucore.SubmitInfo{
		Wait:  []gpucore.SemaphoreID{slot.acquire},
		Fence: slot.phase1,
	})
	if err != nil {
		return stats, fmt.Errorf("splat: phase 1 submit: %w", err)
	}
	if err := r.waitFence(slot.phase1, "phase 1"); err != nil {
		return stats, err
	}

	var total uint32
	if r.numPoints > 0 {
		var word [4]byte
		if err := r.dev.ReadBuffer(r.bufs.Total, 0, word[:]); err != nil {
			return stats, fmt.Errorf("splat: read total: %w", err)
		}
		total = binary.LittleEndian.Uint32(word[:])
	}
	stats.Total = total
	stats.Phase1 = time.Since(start)

	if total > r.bufs.Capacity {
		if err := r.growSort(total); err != nil {
			return stats, err
		}
		stats.Resized = true
	}
	stats.Capacity = r.bufs.Capacity

	// Phase 2: bin, sort, find ranges and rasterize.
	start = time.Now()
	if err := r.dev.ResetFence(slot.phase2); err != nil {
		return stats, fmt.Errorf("splat: reset phase 2 fence: %w", err)
	}
	enc, err = r.dev.BeginCommands("phase2")
	if err != nil {
		return stats, fmt.Errorf("splat: phase 2: %w", err)
	}
	if total > 0 {
		r.stages.Binner.Record(enc, r.bind.Keys, abi.KeysParams{TilesX: tilesX, NumPoints: r.numPoints})
		enc.Barrier(gpucore.ComputeToCompute)
		r.stages.Sorter.Record(enc, &r.bind, total, r.passes)
		enc.Barrier(gpucore.ComputeToCompute)
		r.stages.RangeFinder.Record(enc, r.bind.Ranges, &r.bufs, total)
		enc.Barrier(gpucore.ComputeToCompute)
		wireframe := uint32(0)
		if cfg.Wireframe {
			wireframe = 1
		}
		r.stages.Rasterizer.Record(enc, &r.bind, image, abi.RasterParams{
			Width:      r.renderExtent.Width,
			Height:     r.renderExtent.Height,
			TilesX:     tilesX,
			Stride:     r.swapExtent.Width,
			Wireframe:  wireframe,
			Background: cfg.Background,
		})
	} else {
		stats.Blank = true
		r.stages.Rasterizer.Clear(enc, image, cfg.Background)
	}
	enc.Barrier(gpucore.ImageToPresent)
	enc.TransitionImage(image, gpucore.ImageLayoutGeneral, gpucore.ImageLayoutPresentSrc)

	err = r.submit(enc, gpucore.SubmitInfo{
		Signal: []gpucore.SemaphoreID{r.renderDone[image]},
		Fence:  slot.phase2,
	})
	if err != nil {
		return stats, fmt.Errorf("splat: phase 2 submit: %w", err)
	}
	if err := r.dev.Present(image, r.renderDone[image], r.renderExtent, cfg.Downscale); err != nil {
		return stats, fmt.Errorf("splat: present: %w", err)
	}
	r.images[image] = ImagePresented
	stats.Phase2 = time.Since(start)

	slogger().Debug("splat: frame",
		"frame", stats.Frame, "image", image, "total", total,
		"capacity", stats.Capacity, "resized", stats.Resized, "blank", stats.Blank)
	return stats, nil
}

// Close waits for the device to finish and releases every resource. It is
// safe to call more than once.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.dev.WaitIdle()
	if err != nil {
		slogger().Warn("splat: wait idle on close", "err", err)
	}
	r.release()
	unregisterDevice(r.dev)
	return err
}

// release destroys everything the renderer created.
func (r *Renderer) release() {
	for i := range r.slots {
		s := &r.slots[i]
		r.dev.DestroyFence(s.phase1)
		r.dev.DestroyFence(s.phase2)
		r.dev.DestroySemaphore(s.acquire)
		*s = frameSlot{}
	}
	for _, s := range r.renderDone {
		r.dev.DestroySemaphore(s)
	}
	r.renderDone = nil
	if r.stages != nil {
		r.stages.Destroy()
		r.stages = nil
	}
	r.bufs.ReleaseAll(r.res)
	r.res.DestroyAll()
}
