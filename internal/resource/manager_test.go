package resource

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gogpu/splat/backend/cpu"
	"github.com/gogpu/splat/gpucore"
)

func newManager(t *testing.T) (*Manager, *cpu.Device) {
	t.Helper()
	dev, err := cpu.New(cpu.Config{Width: 16, Height: 16})
	if err != nil {
		t.Fatalf("cpu.New failed: %v", err)
	}
	t.Cleanup(dev.Destroy)
	return NewManager(dev, nil), dev
}

func storageDesc(label string, size uint64) gpucore.BufferDesc {
	return gpucore.BufferDesc{
		Label:  label,
		Size:   size,
		Usage:  gpucore.BufferUsageStorage,
		Memory: gpucore.MemoryDeviceLocal,
	}
}

func TestManager_CreateLookupDestroy(t *testing.T) {
	m, dev := newManager(t)

	id, err := m.Create(storageDesc("keys", 64))
	if err != nil {
		t.Fatal(err)
	}
	e, err := m.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if e.Label != "keys" || e.Size != 64 || e.Props != gpucore.MemoryDeviceLocal {
		t.Errorf("entry = %+v", e)
	}
	if s := m.Stats(); s.Buffers != 1 || s.Bytes != 64 {
		t.Errorf("Stats = %+v, want 1 buffer of 64 bytes", s)
	}

	if !m.Destroy(id) {
		t.Error("Destroy returned false for a live buffer")
	}
	if dev.Allocated() != 0 {
		t.Errorf("device still holds %d bytes: memory not freed with the buffer", dev.Allocated())
	}
	if m.Destroy(id) {
		t.Error("second Destroy returned true")
	}
	if s := m.Stats(); s.Buffers != 0 {
		t.Errorf("Stats = %+v after destroy", s)
	}
}

func TestManager_DestroyRemovesExactlyOneEntry(t *testing.T) {
	m, _ := newManager(t)
	a, _ := m.Create(storageDesc("a", 8))
	b, _ := m.Create(storageDesc("b", 8))
	c, _ := m.Create(storageDesc("c", 8))

	m.Destroy(b)

	if _, err := m.Lookup(a); err != nil {
		t.Errorf("a lost: %v", err)
	}
	if _, err := m.Lookup(c); err != nil {
		t.Errorf("c lost: %v", err)
	}
	if s := m.Stats(); s.Buffers != 2 {
		t.Errorf("Buffers = %d, want 2", s.Buffers)
	}
}

func TestManager_LookupUnknown(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Lookup(12345)
	if !errors.Is(err, ErrUnknownResource) || !errors.Is(err, gpucore.ErrUnknownResource) {
		t.Errorf("err = %v, want ErrUnknownResource", err)
	}
}

func TestManager_CreateFailure(t *testing.T) {
	dev, err := cpu.New(cpu.Config{Width: 16, Height: 16, MemoryLimit: 32})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Destroy()
	m := NewManager(dev, nil)

	if _, err := m.Create(storageDesc("huge", 64)); !errors.Is(err, gpucore.ErrOutOfMemory) {
		t.Errorf("err = %v, want ErrOutOfMemory", err)
	}
	if s := m.Stats(); s.Buffers != 0 {
		t.Errorf("failed create registered an entry: %+v", s)
	}
}

func TestManager_DestroyAll(t *testing.T) {
	m, dev := newManager(t)
	for _, size := range []uint64{4, 8, 16} {
		if _, err := m.Create(storageDesc("buf", size)); err != nil {
			t.Fatal(err)
		}
	}
	m.DestroyAll()
	if s := m.Stats(); s.Buffers != 0 || s.Bytes != 0 {
		t.Errorf("Stats = %+v after DestroyAll", s)
	}
	if dev.Allocated() != 0 {
		t.Errorf("device holds %d bytes after DestroyAll", dev.Allocated())
	}
}

func TestManager_LoggerIsResolvedPerCall(t *testing.T) {
	dev, err := cpu.New(cpu.Config{Width: 16, Height: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Destroy()

	var current atomic.Pointer[slog.Logger]
	current.Store(slog.New(slog.DiscardHandler))
	m := NewManager(dev, current.Load)

	if _, err := m.Create(storageDesc("before", 4)); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	current.Store(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	if _, err := m.Create(storageDesc("after", 4)); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "label=after") {
		t.Errorf("create after the swap not logged:\n%s", out)
	}
	if strings.Contains(out, "label=before") {
		t.Errorf("create before the swap reached the new logger:\n%s", out)
	}
}
