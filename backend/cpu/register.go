package cpu

import (
	"github.com/gogpu/splat/backend"
	"github.com/gogpu/splat/gpucore"
)

func init() {
	backend.Register(backend.BackendCPU, func(cfg backend.Config) (gpucore.Device, error) {
		return New(Config{
			Width:       cfg.Width,
			Height:      cfg.Height,
			Images:      cfg.Images,
			MemoryLimit: cfg.MemoryLimit,
			Presenter:   cfg.Presenter,
		})
	})
}
