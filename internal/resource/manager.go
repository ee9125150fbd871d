// Package resource tracks the buffers the splat pipeline allocates on a
// gpucore.Device together with their backing memory, so that a buffer and
// its memory are always released as a pair.
package resource

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gogpu/splat/gpucore"
)

// ErrUnknownResource is returned by Lookup for handles the manager does not
// track. It wraps gpucore.ErrUnknownResource.
var ErrUnknownResource = fmt.Errorf("resource: %w", gpucore.ErrUnknownResource)

// Entry describes one tracked buffer.
type Entry struct {
	gpucore.Allocation
	Label string
	Usage gpucore.BufferUsage
	Props gpucore.MemoryProperty
}

// Stats summarizes the live resources.
type Stats struct {
	Buffers int
	Bytes   uint64
}

// Manager registers every buffer it creates and releases buffer and memory
// together.
//
// Thread Safety: Manager is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	device  gpucore.Device
	entries map[gpucore.BufferID]Entry

	// logger is called on every log call so that the owner may swap its
	// logger at any time.
	logger func() *slog.Logger
}

var discard = slog.New(slog.DiscardHandler)

// NewManager creates a manager for a device. logger returns the logger to
// use; a nil logger disables logging.
func NewManager(device gpucore.Device, logger func() *slog.Logger) *Manager {
	if logger == nil {
		logger = func() *slog.Logger { return discard }
	}
	return &Manager{
		device:  device,
		entries: make(map[gpucore.BufferID]Entry),
		logger:  logger,
	}
}

// Create allocates a buffer with its memory and registers the pair.
func (m *Manager) Create(desc gpucore.BufferDesc) (gpucore.BufferID, error) {
	a, err := m.device.CreateBuffer(desc)
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("resource: create %q (%d bytes): %w", desc.Label, desc.Size, err)
	}

	m.mu.Lock()
	m.entries[a.Buffer] = Entry{Allocation: a, Label: desc.Label, Usage: desc.Usage, Props: desc.Memory}
	m.mu.Unlock()

	m.logger().Debug("resource: created", "label", desc.Label, "size", a.Size, "buffer", a.Buffer)
	return a.Buffer, nil
}

// Destroy releases a buffer and its memory. It reports whether anything was
// released; destroying an unknown or already destroyed handle is a no-op.
func (m *Manager) Destroy(id gpucore.BufferID) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.device.DestroyBuffer(e.Buffer)
	m.device.FreeMemory(e.Memory)
	m.logger().Debug("resource: destroyed", "label", e.Label, "buffer", id)
	return true
}

// Lookup returns the entry of a tracked buffer.
func (m *Manager) Lookup(id gpucore.BufferID) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: buffer %d", ErrUnknownResource, id)
	}
	return e, nil
}

// DestroyAll releases every tracked buffer.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	ids := make([]gpucore.BufferID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		m.Destroy(id)
	}
}

// Stats returns the number and total size of live buffers.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, e := range m.entries {
		s.Buffers++
		s.Bytes += e.Size
	}
	return s
}
