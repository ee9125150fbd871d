package main

import (
	"github.com/gogpu/splat"
	"github.com/gogpu/splat/backend"
	_ "github.com/gogpu/splat/backend/cpu"
	"github.com/gogpu/splat/gpucore"
)

// openBackend opens the named backend, or the best available one when name
// is empty.
func openBackend(name string, width, height uint32, p gpucore.Presenter) (string, gpucore.Device, error) {
	cfg := backend.Config{Width: width, Height: height, Presenter: p}
	if name != "" {
		dev, err := backend.Open(name, cfg)
		return name, dev, err
	}
	return backend.OpenDefault(cfg, func(name string, err error) {
		splat.Logger().Warn("backend unavailable, trying next", "backend", name, "err", err)
	})
}
