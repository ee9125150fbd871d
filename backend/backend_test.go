package backend_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/splat/backend"
	_ "github.com/gogpu/splat/backend/cpu"
	"github.com/gogpu/splat/gpucore"
)

func TestRegistryCPURegistered(t *testing.T) {
	if !backend.IsRegistered(backend.BackendCPU) {
		t.Fatal("cpu backend should be registered on import")
	}
	dev, err := backend.Open(backend.BackendCPU, backend.Config{Width: 32, Height: 16, Images: 2})
	if err != nil {
		t.Fatalf("Open(cpu) error = %v", err)
	}
	defer dev.Destroy()

	if dev.ImageCount() != 2 {
		t.Errorf("ImageCount() = %d, want 2", dev.ImageCount())
	}
	if got := dev.Extent(); got != (gpucore.Extent{Width: 32, Height: 16}) {
		t.Errorf("Extent() = %+v", got)
	}
}

func TestRegistryOpenUnknown(t *testing.T) {
	_, err := backend.Open("nonexistent", backend.Config{Width: 1, Height: 1})
	if !errors.Is(err, backend.ErrBackendNotAvailable) {
		t.Errorf("Open(nonexistent) error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestRegistryOpenError(t *testing.T) {
	_, err := backend.Open(backend.BackendCPU, backend.Config{})
	if err == nil {
		t.Fatal("Open with zero size succeeded")
	}
	if errors.Is(err, backend.ErrBackendNotAvailable) {
		t.Errorf("factory error reported as unavailable: %v", err)
	}
}

func TestRegistryPriority(t *testing.T) {
	backend.Register("aaa-test", func(backend.Config) (gpucore.Device, error) {
		return nil, errors.New("always fails")
	})
	defer backend.Unregister("aaa-test")

	names := backend.Available()
	i, j := slices.Index(names, backend.BackendCPU), slices.Index(names, "aaa-test")
	if i < 0 || j < 0 || i > j {
		t.Errorf("Available() = %v, want cpu before unprioritized backends", names)
	}
}

func TestOpenDefaultFallsBack(t *testing.T) {
	backend.Register(backend.BackendNative, func(backend.Config) (gpucore.Device, error) {
		return nil, errors.New("no adapter")
	})
	defer backend.Unregister(backend.BackendNative)

	if got := backend.Preferred(); got != backend.BackendNative {
		t.Errorf("Preferred() = %q, want native", got)
	}

	var failed []string
	name, dev, err := backend.OpenDefault(backend.Config{Width: 8, Height: 8}, func(name string, err error) {
		failed = append(failed, name)
	})
	if err != nil {
		t.Fatalf("OpenDefault() error = %v", err)
	}
	defer dev.Destroy()

	if name != backend.BackendCPU {
		t.Errorf("OpenDefault() chose %q, want cpu", name)
	}
	if !slices.Equal(failed, []string{backend.BackendNative}) {
		t.Errorf("fallback reported %v, want [native]", failed)
	}
}
