// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/gogpu/naga"

	"github.com/gogpu/splat/gpucore"
)

// Embedded WGSL shader sources.
var (
	//go:embed shaders/project.wgsl
	projectWGSL string

	//go:embed shaders/scan_step.wgsl
	scanStepWGSL string

	//go:embed shaders/keys.wgsl
	keysWGSL string

	//go:embed shaders/radix_histogram.wgsl
	radixHistogramWGSL string

	//go:embed shaders/radix_scatter.wgsl
	radixScatterWGSL string

	//go:embed shaders/ranges.wgsl
	rangesWGSL string

	//go:embed shaders/raster.wgsl
	rasterWGSL string
)

// Workgroup sizes declared by the shaders. Dispatch grids are computed
// from gpucore.WorkgroupSize and the tile size, which must agree.
const (
	shaderWorkgroupSize = 256
	shaderTileWidth     = 16
	shaderTileHeight    = 16
)

// entryPoint is the compute entry point of every shader.
const entryPoint = "main"

// ShaderSource returns the WGSL source of a kernel.
func ShaderSource(k gpucore.Kernel) (string, error) {
	switch k {
	case gpucore.KernelProject:
		return projectWGSL, nil
	case gpucore.KernelScanStep:
		return scanStepWGSL, nil
	case gpucore.KernelKeys:
		return keysWGSL, nil
	case gpucore.KernelHistogram:
		return radixHistogramWGSL, nil
	case gpucore.KernelScatter:
		return radixScatterWGSL, nil
	case gpucore.KernelRanges:
		return rangesWGSL, nil
	case gpucore.KernelRaster:
		return rasterWGSL, nil
	default:
		return "", fmt.Errorf("native: no shader for kernel %d", k)
	}
}

// compiled memoizes the SPIR-V of every kernel.
var compiled [gpucore.KernelCount]func() ([]uint32, error)

func init() {
	for k := range gpucore.KernelCount {
		compiled[k] = sync.OnceValues(func() ([]uint32, error) {
			src, err := ShaderSource(k)
			if err != nil {
				return nil, err
			}
			return compileWGSL(src)
		})
	}
}

// CompileSPIRV compiles a kernel's WGSL source to SPIR-V words. Each kernel
// is compiled once per process; the returned slice is shared and must not
// be modified.
func CompileSPIRV(k gpucore.Kernel) ([]uint32, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("native: no shader for kernel %d", k)
	}
	return compiled[k]()
}

// compileWGSL compiles WGSL source with naga. SPIR-V is a stream of
// little-endian 32-bit words.
func compileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile shader: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("failed to compile shader: SPIR-V length %d is not a multiple of 4", len(spirvBytes))
	}

	code := make([]uint32, len(spirvBytes)/4)
	for i := range code {
		code[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return code, nil
}
