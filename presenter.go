package splat

import (
	"image"
	"sync"

	"golang.org/x/image/draw"

	"github.com/gogpu/splat/gpucore"
)

// ImagePresenter keeps the most recently presented frame, enlarged by the
// downscale factor it was rendered with.
//
// Thread Safety: ImagePresenter is safe for concurrent use.
type ImagePresenter struct {
	mu     sync.Mutex
	latest *image.RGBA
	frames uint64
	scaler draw.Scaler
}

var _ gpucore.Presenter = (*ImagePresenter)(nil)

// NewImagePresenter creates a presenter that enlarges downscaled frames
// with nearest-neighbor sampling.
func NewImagePresenter() *ImagePresenter {
	return &ImagePresenter{scaler: draw.NearestNeighbor}
}

// NewSmoothImagePresenter creates a presenter that enlarges downscaled
// frames with bilinear filtering.
func NewSmoothImagePresenter() *ImagePresenter {
	return &ImagePresenter{scaler: draw.BiLinear}
}

// Present implements gpucore.Presenter.
func (p *ImagePresenter) Present(frame *image.RGBA, scale uint32) error {
	out := frame
	if scale > 1 {
		b := frame.Bounds()
		out = image.NewRGBA(image.Rect(0, 0, b.Dx()*int(scale), b.Dy()*int(scale)))
		p.scaler.Scale(out, out.Bounds(), frame, b, draw.Src, nil)
	}

	p.mu.Lock()
	p.latest = out
	p.frames++
	p.mu.Unlock()
	return nil
}

// Latest returns the last presented frame, or nil before the first one.
// The image must not be modified.
func (p *ImagePresenter) Latest() *image.RGBA {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Frames returns the number of presented frames.
func (p *ImagePresenter) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}
