package backend

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/splat/gpucore"
)

// Priority order for backend selection (first available wins).
var backendPriority = []string{BackendNative, BackendCPU}

var registry = gpucontext.NewRegistry[Factory](gpucontext.WithPriority(backendPriority...))

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registry.Register(name, func() Factory { return factory })
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registry.Unregister(name)
}

// Available returns the registered backend names in priority order.
// Backends without a priority follow in name order.
func Available() []string {
	names := registry.Available()
	slices.SortFunc(names, func(a, b string) int {
		if c := cmp.Compare(rank(a), rank(b)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return names
}

func rank(name string) int {
	if i := slices.Index(backendPriority, name); i >= 0 {
		return i
	}
	return len(backendPriority)
}

// Preferred returns the name of the highest priority registered backend,
// or "" if none is registered.
func Preferred() string {
	return registry.BestName()
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	return registry.Has(name)
}

// Open opens the named backend.
func Open(name string, cfg Config) (gpucore.Device, error) {
	factory := registry.Get(name)
	if factory == nil {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrBackendNotAvailable, name, Available())
	}
	dev, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", name, err)
	}
	return dev, nil
}

// OpenDefault opens the first backend in priority order that succeeds and
// returns its name. Failures of preferred backends are reported through
// fallback, which may be nil.
func OpenDefault(cfg Config, fallback func(name string, err error)) (string, gpucore.Device, error) {
	names := Available()
	for _, name := range names {
		dev, err := Open(name, cfg)
		if err == nil {
			return name, dev, nil
		}
		if fallback != nil {
			fallback(name, err)
		}
	}
	return "", nil, fmt.Errorf("%w: tried %v", ErrBackendNotAvailable, names)
}
