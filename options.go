package splat

import "time"

// Option configures a Renderer during creation.
//
// Example:
//
//	r, err := splat.New(dev, cloud,
//	    splat.WithSessionConfig(cfg),
//	    splat.WithFenceTimeout(2*time.Second))
type Option func(*options)

// options holds optional configuration for Renderer creation.
type options struct {
	session              *SessionConfig
	frameConfig          *FrameConfig
	fenceTimeout         time.Duration
	initialTilesPerPoint uint32
}

// DefaultFenceTimeout bounds every fence and image acquire wait.
const DefaultFenceTimeout = 5 * time.Second

// DefaultInitialTilesPerPoint sizes the first sort buffers.
const DefaultInitialTilesPerPoint = 4

// defaultOptions returns the default renderer options.
func defaultOptions() options {
	return options{
		fenceTimeout:         DefaultFenceTimeout,
		initialTilesPerPoint: DefaultInitialTilesPerPoint,
	}
}

// WithSessionConfig shares an existing session configuration with the
// renderer. Changes made through it apply from the next frame.
func WithSessionConfig(s *SessionConfig) Option {
	return func(o *options) {
		o.session = s
	}
}

// WithFrameConfig starts the renderer's session from cfg instead of
// DefaultFrameConfig.
func WithFrameConfig(cfg FrameConfig) Option {
	return func(o *options) {
		o.frameConfig = &cfg
	}
}

// WithFenceTimeout sets how long the renderer waits on a fence or for a
// swapchain image before declaring the device lost.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fenceTimeout = d
		}
	}
}

// WithInitialTilesPerPoint sets the initial sort capacity as a multiple of
// the point count.
func WithInitialTilesPerPoint(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.initialTilesPerPoint = n
		}
	}
}
