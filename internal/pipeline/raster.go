package pipeline

import (
	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

// Rasterizer blends the depth-sorted points of each tile front to back into
// the output image, one workgroup per tile.
type Rasterizer struct {
	pipeline gpucore.PipelineID
}

// Clear fills the image with the background color. The image must be in
// the general layout.
func (r *Rasterizer) Clear(enc gpucore.CommandEncoder, image uint32, background [4]float32) {
	enc.ClearImage(image, background)
}

// Record clears the image and dispatches the tile grid of the render extent.
func (r *Rasterizer) Record(enc gpucore.CommandEncoder, bindings *Bindings, image uint32, params abi.RasterParams) {
	r.Clear(enc, image, params.Background)
	enc.Barrier(gpucore.TransferToCompute)
	tilesX, tilesY := gpucore.TileGrid(gpucore.Extent{Width: params.Width, Height: params.Height})
	record(enc, r.pipeline, bindings.RasterTable(image), params.Bytes(), tilesX, tilesY)
}
