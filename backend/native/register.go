// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"github.com/gogpu/splat/backend"
	"github.com/gogpu/splat/gpucore"
)

// init registers the native backend. Opening it succeeds only when a HAL
// backend for the platform is linked in, for example through
// github.com/gogpu/wgpu/hal/allbackends.
func init() {
	backend.Register(backend.BackendNative, func(cfg backend.Config) (gpucore.Device, error) {
		return Open(Config{
			Width:       cfg.Width,
			Height:      cfg.Height,
			Images:      cfg.Images,
			MemoryLimit: cfg.MemoryLimit,
			Presenter:   cfg.Presenter,
		})
	})
}
