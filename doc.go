// Package splat renders Gaussian splat point clouds with a GPU sort-and-bin
// pipeline.
//
// # Overview
//
// Every frame turns an unordered cloud of oriented 3D Gaussians into a
// depth-composited image in five data-parallel stages: projection with
// visibility culling, a prefix scan of per-point tile counts, emission of
// (tile, depth) sort keys, a radix sort of those keys, and per-tile range
// detection followed by front-to-back blending.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/splat"
//	    "github.com/gogpu/splat/backend/cpu"
//	)
//
//	presenter := splat.NewImagePresenter()
//	dev, _ := cpu.New(cpu.Config{Width: 1280, Height: 720, Presenter: presenter})
//	defer dev.Destroy()
//
//	r, _ := splat.New(dev, cloud)
//	defer r.Close()
//
//	cam := splat.NewCamera(splat.Vec3{0, 0, -5})
//	stats, err := r.RenderFrame(ctx, cam)
//
// # Frames
//
// A frame is two queue submissions. The first projects and scans, and ends
// with a copy of the number of (tile, point) pairs to host memory. The host
// waits for it, grows the sort buffers when needed, and records the second
// submission that bins, sorts, finds tile ranges and rasterizes. Two frames
// may be in flight.
//
// # Backends
//
// The renderer only talks to a gpucore.Device. backend/cpu executes the
// kernels in Go and checks barriers; backend/native runs WGSL kernels through
// gogpu/wgpu.
//
// # Coordinate System
//
// View space has x right, y down and the camera looking along +z. Depth is
// the view-space z. Pixel (0,0) is the top-left corner.
package splat

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"
)
