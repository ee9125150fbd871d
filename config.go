package splat

import (
	"errors"
	"fmt"
	"sync"
)

// MaxSHDegree is the highest spherical harmonics degree the projector
// evaluates.
const MaxSHDegree = 3

// FrameConfig is the configuration of one frame. The renderer takes a
// snapshot from its SessionConfig at the start of every frame and never
// reads the session again until the next frame.
type FrameConfig struct {
	// Near and Far bound the visible depth range when Culling is enabled.
	Near, Far float32

	// Culling rejects points outside [Near, Far] and points projecting
	// well outside the viewport. Points behind the camera are always
	// rejected.
	Culling bool

	// ScaleModifier multiplies every point's scale.
	ScaleModifier float32

	// Wireframe draws only a band around each splat's 3-sigma ellipse.
	Wireframe bool

	// Downscale renders at 1/Downscale of the swapchain size.
	Downscale uint32

	// Background is the linear RGBA color behind all splats.
	Background [4]float32

	// SHDegree clamps the evaluated spherical harmonics degree.
	SHDegree uint32
}

// DefaultFrameConfig returns the default configuration.
func DefaultFrameConfig() FrameConfig {
	return FrameConfig{
		Near:          0.1,
		Far:           1000,
		Culling:       true,
		ScaleModifier: 1,
		Downscale:     1,
		Background:    [4]float32{0, 0, 0, 1},
		SHDegree:      MaxSHDegree,
	}
}

// ErrInvalidConfig is returned for configurations that cannot be rendered.
var ErrInvalidConfig = errors.New("splat: invalid config")

// Validate checks the configuration.
func (c FrameConfig) Validate() error {
	switch {
	case !(c.Near > 0):
		return fmt.Errorf("%w: near %v must be positive", ErrInvalidConfig, c.Near)
	case !(c.Far > c.Near):
		return fmt.Errorf("%w: far %v must exceed near %v", ErrInvalidConfig, c.Far, c.Near)
	case !(c.ScaleModifier > 0):
		return fmt.Errorf("%w: scale modifier %v must be positive", ErrInvalidConfig, c.ScaleModifier)
	case c.Downscale == 0:
		return fmt.Errorf("%w: downscale must be at least 1", ErrInvalidConfig)
	case c.SHDegree > MaxSHDegree:
		return fmt.Errorf("%w: SH degree %d exceeds %d", ErrInvalidConfig, c.SHDegree, MaxSHDegree)
	}
	for i, v := range c.Background {
		if !(v >= 0 && v <= 1) {
			return fmt.Errorf("%w: background component %d = %v outside [0,1]", ErrInvalidConfig, i, v)
		}
	}
	return nil
}

// SessionConfig is the mutable configuration of a renderer. It may be
// changed from any goroutine while frames are rendered; a change takes
// effect at the next frame.
type SessionConfig struct {
	mu  sync.RWMutex
	cfg FrameConfig
	gen uint64
}

// NewSessionConfig creates a session holding cfg.
func NewSessionConfig(cfg FrameConfig) (*SessionConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SessionConfig{cfg: cfg}, nil
}

// Snapshot returns a copy of the current configuration.
func (s *SessionConfig) Snapshot() FrameConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the configuration. Invalid configurations are rejected and
// leave the session unchanged.
func (s *SessionConfig) Set(cfg FrameConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.gen++
	s.mu.Unlock()
	return nil
}

// Update applies fn to a copy of the configuration and stores the result
// if it is valid.
func (s *SessionConfig) Update(fn func(*FrameConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg = next
	s.gen++
	return nil
}

// Generation counts accepted changes.
func (s *SessionConfig) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}
