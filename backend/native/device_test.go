//go:build !nogpu

package native

import (
	"encoding/binary"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

const testTimeout = 5 * time.Second

// newTestDevice opens a device on the noop HAL backend. Noop buffers keep
// their contents and every submission completes immediately, while copies
// and dispatches do nothing.
func newTestDevice(t *testing.T, cfg Config) *Device {
	t.Helper()
	if cfg.Width == 0 {
		cfg.Width, cfg.Height = 64, 48
	}
	cfg.Backends = []gputypes.Backend{gputypes.BackendEmpty}
	d, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(d.Destroy)
	return d
}

func storage(t *testing.T, d *Device, label string, size uint64) gpucore.Allocation {
	t.Helper()
	a, err := d.CreateBuffer(gpucore.BufferDesc{
		Label:  label,
		Size:   size,
		Usage:  gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst,
		Memory: gpucore.MemoryDeviceLocal,
	})
	if err != nil {
		t.Fatalf("CreateBuffer(%s) failed: %v", label, err)
	}
	return a
}

func submitAndWait(t *testing.T, d *Device, enc gpucore.CommandEncoder) error {
	t.Helper()
	cmd, err := enc.Finish()
	if err != nil {
		return err
	}
	f, err := d.CreateFence(false)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Submit(cmd, gpucore.SubmitInfo{Fence: f}); err != nil {
		return err
	}
	return d.WaitFence(f, testTimeout)
}

func pipelineFor(t *testing.T, d *Device, k gpucore.Kernel) gpucore.PipelineID {
	t.Helper()
	id, err := d.CreatePipeline(gpucore.PipelineDesc{
		Label:            k.String(),
		Kernel:           k,
		Bindings:         abi.Layout(k),
		PushConstantSize: abi.ParamsSize(k),
	})
	if err != nil {
		t.Fatalf("CreatePipeline(%s) failed: %v", k, err)
	}
	return id
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, nil, Config{Width: 1, Height: 1}); err == nil {
		t.Error("New with nil HAL objects succeeded")
	}
	if _, err := Open(Config{Backends: []gputypes.Backend{gputypes.BackendEmpty}}); err == nil {
		t.Error("Open with zero size succeeded")
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(Config{Width: 8, Height: 8, Backends: []gputypes.Backend{gputypes.Backend(200)}})
	if err == nil {
		t.Fatal("Open with an unregistered backend succeeded")
	}
}

func TestDevice_Swapchain(t *testing.T) {
	d := newTestDevice(t, Config{Images: 2})
	if d.ImageCount() != 2 {
		t.Errorf("ImageCount = %d, want 2", d.ImageCount())
	}
	if got := d.Extent(); got != (gpucore.Extent{Width: 64, Height: 48}) {
		t.Errorf("Extent = %+v", got)
	}
	// Each image has a storage buffer and a readback buffer.
	if want := uint64(2 * 2 * 64 * 48 * 4); d.Allocated() != want {
		t.Errorf("Allocated = %d, want %d", d.Allocated(), want)
	}
}

// =============================================================================
// Shared devices
// =============================================================================

// openNoopHAL opens a HAL device and queue on the noop backend, standing in
// for a host application that owns the GPU.
func openNoopHAL(t *testing.T) (hal.Device, hal.Queue) {
	t.Helper()
	api, ok := hal.GetBackend(gputypes.BackendEmpty)
	if !ok {
		t.Fatal("noop HAL backend not registered")
	}
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		t.Fatal("noop backend exposes no adapter")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		open.Device.Destroy()
		instance.Destroy()
	})
	return open.Device, open.Queue
}

// hostProvider hands out its device and queue directly.
type hostProvider struct {
	dev   gpucontext.Device
	queue gpucontext.Queue
}

func (p *hostProvider) Device() gpucontext.Device             { return p.dev }
func (p *hostProvider) Queue() gpucontext.Queue               { return p.queue }
func (p *hostProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }
func (p *hostProvider) Adapter() gpucontext.Adapter           { return nil }
func (p *hostProvider) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: "noop", Type: gpucontext.AdapterTypeSoftware}
}

// wrappedProvider exposes a wrapper through Device and Queue and the HAL
// objects through HalDevice and HalQueue.
type wrappedProvider struct {
	hostProvider
	halDev   hal.Device
	halQueue hal.Queue
}

func (p *wrappedProvider) HalDevice() any { return p.halDev }
func (p *wrappedProvider) HalQueue() any  { return p.halQueue }

func TestNewFromProvider(t *testing.T) {
	halDev, halQueue := openNoopHAL(t)

	tests := []struct {
		name     string
		provider gpucontext.DeviceProvider
	}{
		{"direct", &hostProvider{dev: halDev, queue: halQueue}},
		{"hal accessors", &wrappedProvider{
			hostProvider: hostProvider{dev: "app device", queue: "app queue"},
			halDev:       halDev,
			halQueue:     halQueue,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewFromProvider(tt.provider, Config{Width: 32, Height: 16, Images: 2})
			if err != nil {
				t.Fatalf("NewFromProvider failed: %v", err)
			}
			if got := d.Extent(); got != (gpucore.Extent{Width: 32, Height: 16}) {
				t.Errorf("Extent = %+v", got)
			}

			a, err := d.CreateBuffer(gpucore.BufferDesc{
				Label:  "shared",
				Size:   8,
				Usage:  gpucore.BufferUsageCopyDst,
				Memory: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent,
			})
			if err != nil {
				t.Fatal(err)
			}
			var word [4]byte
			binary.LittleEndian.PutUint32(word[:], 7)
			if err := d.WriteBuffer(a.Buffer, 0, word[:]); err != nil {
				t.Fatalf("WriteBuffer failed: %v", err)
			}
			got := make([]byte, 4)
			if err := d.ReadBuffer(a.Buffer, 0, got); err != nil {
				t.Fatalf("ReadBuffer failed: %v", err)
			}
			if v := binary.LittleEndian.Uint32(got); v != 7 {
				t.Errorf("read %d, want 7", v)
			}

			// The host keeps ownership of the HAL objects.
			d.Destroy()
			if d.release != nil {
				t.Error("shared device installed a release hook")
			}
		})
	}

	// Both subtests ran on the same HAL device, so Destroy left it usable.
	d, err := NewFromProvider(&hostProvider{dev: halDev, queue: halQueue}, Config{Width: 8, Height: 8})
	if err != nil {
		t.Fatalf("HAL device unusable after Destroy: %v", err)
	}
	d.Destroy()
}

func TestNewFromProvider_Errors(t *testing.T) {
	halDev, halQueue := openNoopHAL(t)

	if _, err := NewFromProvider(nil, Config{Width: 8, Height: 8}); err == nil {
		t.Error("nil provider accepted")
	}
	if _, err := NewFromProvider(&hostProvider{dev: "not a device", queue: halQueue}, Config{Width: 8, Height: 8}); err == nil {
		t.Error("non-HAL device accepted")
	}
	if _, err := NewFromProvider(&hostProvider{dev: halDev, queue: 42}, Config{Width: 8, Height: 8}); err == nil {
		t.Error("non-HAL queue accepted")
	}
	if _, err := NewFromProvider(&hostProvider{dev: halDev, queue: halQueue}, Config{}); err == nil {
		t.Error("zero swapchain size accepted")
	}
}

// =============================================================================
// Buffers
// =============================================================================

func TestDevice_BufferLifecycle(t *testing.T) {
	d := newTestDevice(t, Config{})
	base := d.Allocated()

	a, err := d.CreateBuffer(gpucore.BufferDesc{
		Label:  "readback",
		Size:   16,
		Usage:  gpucore.BufferUsageCopyDst,
		Memory: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allocated()-base != 16 {
		t.Errorf("allocated %d bytes, want 16", d.Allocated()-base)
	}

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], 42)
	if err := d.WriteBuffer(a.Buffer, 4, word[:]); err != nil {
		t.Fatalf("WriteBuffer failed: %v", err)
	}
	got := make([]byte, 4)
	if err := d.ReadBuffer(a.Buffer, 4, got); err != nil {
		t.Fatalf("ReadBuffer failed: %v", err)
	}
	if v := binary.LittleEndian.Uint32(got); v != 42 {
		t.Errorf("read %d, want 42", v)
	}
	if err := d.WriteBuffer(a.Buffer, 14, word[:]); err == nil {
		t.Error("out of range write succeeded")
	}

	d.DestroyBuffer(a.Buffer)
	if err := d.ReadBuffer(a.Buffer, 0, got); !errors.Is(err, gpucore.ErrUnknownResource) {
		t.Errorf("read after destroy: err = %v, want ErrUnknownResource", err)
	}
	d.FreeMemory(a.Memory)
	d.FreeMemory(a.Memory)
	if d.Allocated() != base {
		t.Errorf("Allocated = %d after FreeMemory, want %d", d.Allocated(), base)
	}
}

func TestDevice_ReadUnalignedOffset(t *testing.T) {
	d := newTestDevice(t, Config{})
	a, err := d.CreateBuffer(gpucore.BufferDesc{
		Label:  "readback",
		Size:   32,
		Usage:  gpucore.BufferUsageCopyDst,
		Memory: gpucore.MemoryHostVisible,
	})
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	if err := d.WriteBuffer(a.Buffer, 0, data); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 5)
	if err := d.ReadBuffer(a.Buffer, 13, got); err != nil {
		t.Fatalf("ReadBuffer failed: %v", err)
	}
	for i, b := range got {
		if b != byte(13+i) {
			t.Fatalf("got %v, want bytes 13..17", got)
		}
	}
}

func TestDevice_ReadRequiresHostVisible(t *testing.T) {
	d := newTestDevice(t, Config{})
	a := storage(t, d, "device", 8)
	if err := d.ReadBuffer(a.Buffer, 0, make([]byte, 4)); !errors.Is(err, gpucore.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestDevice_MemoryLimit(t *testing.T) {
	swap := uint64(3 * 2 * 64 * 48 * 4)
	d := newTestDevice(t, Config{MemoryLimit: swap + 100})
	storage(t, d, "a", 60)
	_, err := d.CreateBuffer(gpucore.BufferDesc{Label: "b", Size: 60, Usage: gpucore.BufferUsageStorage})
	if !errors.Is(err, gpucore.ErrOutOfMemory) {
		t.Errorf("err = %v, want ErrOutOfMemory", err)
	}
}

func TestHALUsage(t *testing.T) {
	tests := []struct {
		name  string
		usage gpucore.BufferUsage
		props gpucore.MemoryProperty
		want  gputypes.BufferUsage
	}{
		{
			"storage",
			gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc,
			gpucore.MemoryDeviceLocal,
			gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc,
		},
		{
			"readback",
			gpucore.BufferUsageCopyDst,
			gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent,
			gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		},
		{
			"host uniform",
			gpucore.BufferUsageUniform,
			gpucore.MemoryHostVisible,
			gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := halUsage(tt.usage, tt.props); got != tt.want {
				t.Errorf("halUsage = %#x, want %#x", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Pipelines and recording
// =============================================================================

func TestDevice_PipelinesForEveryKernel(t *testing.T) {
	d := newTestDevice(t, Config{})
	for k := range gpucore.KernelCount {
		id := pipelineFor(t, d, k)
		d.DestroyPipeline(id)
	}
}

func TestDevice_PipelinesFromSPIRV(t *testing.T) {
	for k := range gpucore.KernelCount {
		if _, err := CompileSPIRV(k); err != nil {
			t.Skipf("naga cannot compile %s: %v", k, err)
		}
	}
	d := newTestDevice(t, Config{UseSPIRV: true})
	for k := range gpucore.KernelCount {
		pipelineFor(t, d, k)
	}
}

func TestDevice_PipelineLayoutMismatch(t *testing.T) {
	d := newTestDevice(t, Config{})
	_, err := d.CreatePipeline(gpucore.PipelineDesc{
		Kernel:           gpucore.KernelScanStep,
		Bindings:         abi.Layout(gpucore.KernelRanges),
		PushConstantSize: abi.ParamsSize(gpucore.KernelScanStep),
	})
	if err == nil {
		t.Error("mismatched layout accepted")
	}
	_, err = d.CreatePipeline(gpucore.PipelineDesc{
		Kernel:           gpucore.KernelRaster,
		Bindings:         abi.Layout(gpucore.KernelRaster),
		PushConstantSize: 4,
	})
	if err == nil {
		t.Error("short parameter block accepted")
	}
}

func TestEncoder_DispatchPacksParams(t *testing.T) {
	d := newTestDevice(t, Config{})
	p := pipelineFor(t, d, gpucore.KernelScanStep)
	a := storage(t, d, "a", 64)
	b := storage(t, d, "b", 64)

	enc, err := d.BeginCommands("scan")
	if err != nil {
		t.Fatal(err)
	}
	enc.BindPipeline(p)
	enc.BindResources([]gpucore.Binding{{Binding: abi.ScanA, Buffer: a.Buffer}, {Binding: abi.ScanB, Buffer: b.Buffer}})
	for step := range uint32(3) {
		enc.PushConstants(abi.ScanParams{Step: step, N: 16, ReadFromA: 1 - step%2}.Bytes())
		enc.Dispatch(1, 1, 1)
		enc.Barrier(gpucore.ComputeToCompute)
	}

	ne := enc.(*encoder)
	if got := len(ne.paramsData); got != 3*uniformAlignment {
		t.Errorf("params data %d bytes, want %d", got, 3*uniformAlignment)
	}
	if got := ne.ops[2].paramsOffset; ne.ops[2].kind != opDispatch || got != uniformAlignment {
		t.Errorf("second dispatch params offset = %d, want %d", got, uniformAlignment)
	}

	if err := submitAndWait(t, d, enc); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got := d.Dispatches(gpucore.KernelScanStep); got != 3 {
		t.Errorf("Dispatches = %d, want 3", got)
	}
}

func TestEncoder_Errors(t *testing.T) {
	d := newTestDevice(t, Config{})
	p := pipelineFor(t, d, gpucore.KernelRanges)

	tests := []struct {
		name   string
		record func(enc gpucore.CommandEncoder)
		want   error
	}{
		{"dispatch without pipeline", func(enc gpucore.CommandEncoder) {
			enc.Dispatch(1, 1, 1)
		}, gpucore.ErrInvalidState},
		{"unknown pipeline", func(enc gpucore.CommandEncoder) {
			enc.BindPipeline(9999)
		}, gpucore.ErrUnknownResource},
		{"missing binding", func(enc gpucore.CommandEncoder) {
			enc.BindPipeline(p)
			enc.PushConstants(abi.RangesParams{NumRendered: 1}.Bytes())
			enc.Dispatch(1, 1, 1)
		}, gpucore.ErrInvalidState},
		{"unknown buffer", func(enc gpucore.CommandEncoder) {
			enc.FillBuffer(9999, 0, 4, 0)
		}, gpucore.ErrUnknownResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := d.BeginCommands(tt.name)
			if err != nil {
				t.Fatal(err)
			}
			tt.record(enc)
			if _, err := enc.Finish(); !errors.Is(err, tt.want) {
				t.Errorf("Finish err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncoder_BarrierCoversWrites(t *testing.T) {
	d := newTestDevice(t, Config{})
	a := storage(t, d, "a", 16)
	b := storage(t, d, "b", 16)

	enc, err := d.BeginCommands("copy")
	if err != nil {
		t.Fatal(err)
	}
	enc.FillBuffer(a.Buffer, 0, 16, 0)
	enc.CopyBuffer(b.Buffer, 0, a.Buffer, 0, 16)
	enc.Barrier(gpucore.ComputeToCompute)

	ne := enc.(*encoder)
	if len(ne.ops) != 2 {
		t.Fatalf("barrier with no matching writes recorded an op: %d ops", len(ne.ops))
	}
	enc.Barrier(gpucore.TransferToCompute)
	last := ne.ops[len(ne.ops)-1]
	if last.kind != opBarrier || len(last.barriers) != 1 {
		t.Fatalf("last op = %+v, want one buffer barrier", last)
	}
	if u := last.barriers[0].Usage; u.OldUsage != gputypes.BufferUsageCopyDst || u.NewUsage != gputypes.BufferUsageStorage {
		t.Errorf("barrier usage = %+v", u)
	}
	if err := submitAndWait(t, d, enc); err != nil {
		t.Fatal(err)
	}
}

func TestEncoder_ClearImageUsesPattern(t *testing.T) {
	d := newTestDevice(t, Config{})

	enc, err := d.BeginCommands("clear")
	if err != nil {
		t.Fatal(err)
	}
	enc.TransitionImage(0, gpucore.ImageLayoutUndefined, gpucore.ImageLayoutGeneral)
	enc.ClearImage(0, [4]float32{1, 0, 0, 1})
	if err := submitAndWait(t, d, enc); err != nil {
		t.Fatal(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.patterns[packRGBA([4]float32{1, 0, 0, 1})]
	if !ok {
		t.Fatal("no fill pattern for the clear color")
	}
	if p.refs != 0 {
		t.Errorf("pattern refs = %d after completion, want 0", p.refs)
	}
	if d.images[0].layout != gpucore.ImageLayoutGeneral {
		t.Errorf("layout = %s, want General", d.images[0].layout)
	}
}

func TestPackRGBA(t *testing.T) {
	got := packRGBA([4]float32{-1, 0.5, 2, 1})
	want := uint32(0) | 128<<8 | 255<<16 | 255<<24
	if got != want {
		t.Errorf("packRGBA = %#08x, want %#08x", got, want)
	}
}

// =============================================================================
// Synchronization
// =============================================================================

func TestDevice_FenceLifecycle(t *testing.T) {
	d := newTestDevice(t, Config{})

	f, err := d.CreateFence(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WaitFence(f, time.Millisecond); err != nil {
		t.Errorf("wait on signaled fence: %v", err)
	}
	if err := d.ResetFence(f); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitFence(f, 5*time.Millisecond); !errors.Is(err, gpucore.ErrTimeout) {
		t.Errorf("wait on reset fence: err = %v, want ErrTimeout", err)
	}

	enc, _ := d.BeginCommands("empty")
	cmd, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Submit(cmd, gpucore.SubmitInfo{Fence: f}); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitFence(f, testTimeout); err != nil {
		t.Errorf("WaitFence: %v", err)
	}
	if err := d.Submit(cmd, gpucore.SubmitInfo{}); !errors.Is(err, gpucore.ErrInvalidState) {
		t.Errorf("resubmit: err = %v, want ErrInvalidState", err)
	}

	enc, _ = d.BeginCommands("again")
	cmd, _ = enc.Finish()
	if err := d.Submit(cmd, gpucore.SubmitInfo{Fence: f}); !errors.Is(err, gpucore.ErrInvalidState) {
		t.Errorf("submit with signaled fence: err = %v, want ErrInvalidState", err)
	}
}

func TestDevice_SemaphoreOrdering(t *testing.T) {
	d := newTestDevice(t, Config{})
	s, err := d.CreateSemaphore()
	if err != nil {
		t.Fatal(err)
	}

	enc, _ := d.BeginCommands("waits")
	cmd, _ := enc.Finish()
	if err := d.Submit(cmd, gpucore.SubmitInfo{Wait: []gpucore.SemaphoreID{s}}); !errors.Is(err, gpucore.ErrInvalidState) {
		t.Errorf("wait on unsignaled semaphore: err = %v, want ErrInvalidState", err)
	}

	enc, _ = d.BeginCommands("signals")
	signal, _ := enc.Finish()
	if err := d.Submit(signal, gpucore.SubmitInfo{Signal: []gpucore.SemaphoreID{s}}); err != nil {
		t.Fatal(err)
	}
	if err := d.Submit(cmd, gpucore.SubmitInfo{Wait: []gpucore.SemaphoreID{s}}); err != nil {
		t.Errorf("wait after signal: %v", err)
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatal(err)
	}
}

// =============================================================================
// Presentation
// =============================================================================

type recordingPresenter struct {
	mu     sync.Mutex
	frames []*image.RGBA
	scales []uint32
}

func (p *recordingPresenter) Present(frame *image.RGBA, scale uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	p.scales = append(p.scales, scale)
	return nil
}

func (p *recordingPresenter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// renderImage acquires an image, moves it to PresentSrc and presents the
// region.
func renderImage(t *testing.T, d *Device, region gpucore.Extent, scale uint32) uint32 {
	t.Helper()
	acquired, _ := d.CreateSemaphore()
	rendered, _ := d.CreateSemaphore()

	idx, err := d.AcquireImage(acquired, testTimeout)
	if err != nil {
		t.Fatalf("AcquireImage: %v", err)
	}
	enc, _ := d.BeginCommands("frame")
	enc.TransitionImage(idx, gpucore.ImageLayoutUndefined, gpucore.ImageLayoutGeneral)
	enc.ClearImage(idx, [4]float32{0, 0, 0, 1})
	enc.Barrier(gpucore.ImageToPresent)
	enc.TransitionImage(idx, gpucore.ImageLayoutGeneral, gpucore.ImageLayoutPresentSrc)
	cmd, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	err = d.Submit(cmd, gpucore.SubmitInfo{
		Wait:   []gpucore.SemaphoreID{acquired},
		Signal: []gpucore.SemaphoreID{rendered},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := d.Present(idx, rendered, region, scale); err != nil {
		t.Fatalf("Present: %v", err)
	}
	return idx
}

func TestDevice_PresentDeliversRegion(t *testing.T) {
	p := &recordingPresenter{}
	d := newTestDevice(t, Config{Presenter: p})

	renderImage(t, d, gpucore.Extent{Width: 32, Height: 24}, 2)
	if err := d.WaitIdle(); err != nil {
		t.Fatal(err)
	}
	if p.count() != 1 {
		t.Fatalf("presented %d frames, want 1", p.count())
	}
	if got := p.frames[0].Bounds(); got != image.Rect(0, 0, 32, 24) {
		t.Errorf("frame bounds = %v, want 32x24", got)
	}
	if p.scales[0] != 2 {
		t.Errorf("scale = %d, want 2", p.scales[0])
	}
}

func TestDevice_AcquireRotatesImages(t *testing.T) {
	p := &recordingPresenter{}
	d := newTestDevice(t, Config{Images: 2, Presenter: p})
	full := d.Extent()

	var order []uint32
	for range 4 {
		order = append(order, renderImage(t, d, full, 1))
	}
	want := []uint32{0, 1, 0, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("acquire order = %v, want %v", order, want)
		}
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatal(err)
	}
	if p.count() != 4 {
		t.Errorf("presented %d frames, want 4", p.count())
	}
}

func TestDevice_PresentRequiresPresentLayout(t *testing.T) {
	d := newTestDevice(t, Config{})
	s, _ := d.CreateSemaphore()
	idx, err := d.AcquireImage(s, testTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Present(idx, s, d.Extent(), 1); !errors.Is(err, gpucore.ErrInvalidState) {
		t.Errorf("present in Undefined layout: err = %v, want ErrInvalidState", err)
	}
}

func TestDevice_PresenterErrorIsLatched(t *testing.T) {
	boom := errors.New("boom")
	d := newTestDevice(t, Config{Presenter: gpucore.PresenterFunc(func(*image.RGBA, uint32) error {
		return boom
	})})
	renderImage(t, d, d.Extent(), 1)
	if err := d.WaitIdle(); !errors.Is(err, boom) {
		t.Errorf("WaitIdle err = %v, want presenter error", err)
	}
}

func TestDevice_Resize(t *testing.T) {
	d := newTestDevice(t, Config{})
	renderImage(t, d, d.Extent(), 1)
	if err := d.Resize(16, 8); err != nil {
		t.Fatal(err)
	}
	if got := d.Extent(); got != (gpucore.Extent{Width: 16, Height: 8}) {
		t.Errorf("Extent = %+v", got)
	}
	if d.ImageLayout(0) != gpucore.ImageLayoutUndefined {
		t.Errorf("resized image layout = %s, want Undefined", d.ImageLayout(0))
	}
	if err := d.Resize(0, 8); err == nil {
		t.Error("zero size accepted")
	}
}
