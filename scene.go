package splat

import (
	"errors"
	"fmt"
)

// Scene is the point data rendered by a Renderer. It is read once when the
// renderer is created and must not change afterwards.
//
// All slices are flat: Positions and Scales hold 3 floats per point,
// Rotations 4 (w, x, y, z), Opacities 1, and SH 3*SHCoeffsPerChannel floats
// per point laid out coefficient-major ([k][rgb]).
type Scene interface {
	Len() int
	Positions() []float32
	Scales() []float32
	Rotations() []float32
	Opacities() []float32
	SH() []float32
	SHCoeffsPerChannel() int
}

// ErrInvalidScene is returned for scenes with inconsistent attribute arrays.
var ErrInvalidScene = errors.New("splat: invalid scene")

// PointCloud is an in-memory Scene.
type PointCloud struct {
	Pos      []float32
	Scale    []float32
	Rot      []float32
	Opacity  []float32
	Coeffs   []float32
	SHCoeffs int
}

var _ Scene = (*PointCloud)(nil)

func (p *PointCloud) Len() int                { return len(p.Opacity) }
func (p *PointCloud) Positions() []float32    { return p.Pos }
func (p *PointCloud) Scales() []float32       { return p.Scale }
func (p *PointCloud) Rotations() []float32    { return p.Rot }
func (p *PointCloud) Opacities() []float32    { return p.Opacity }
func (p *PointCloud) SH() []float32           { return p.Coeffs }
func (p *PointCloud) SHCoeffsPerChannel() int { return p.SHCoeffs }

// Append adds one point. sh holds 3*SHCoeffs floats.
func (p *PointCloud) Append(pos, scale Vec3, rot [4]float32, opacity float32, sh []float32) {
	p.Pos = append(p.Pos, pos[:]...)
	p.Scale = append(p.Scale, scale[:]...)
	p.Rot = append(p.Rot, rot[:]...)
	p.Opacity = append(p.Opacity, opacity)
	p.Coeffs = append(p.Coeffs, sh...)
}

// shCoeffCounts are the per-channel coefficient counts of SH degrees 0..3.
var shCoeffCounts = [...]int{1, 4, 9, 16}

// ValidateScene checks that every attribute array matches the point count.
func ValidateScene(s Scene) error {
	n := s.Len()
	k := s.SHCoeffsPerChannel()
	valid := false
	for _, c := range shCoeffCounts {
		valid = valid || c == k
	}
	if !valid {
		return fmt.Errorf("%w: %d SH coefficients per channel, want 1, 4, 9 or 16", ErrInvalidScene, k)
	}
	checks := []struct {
		name string
		got  int
		per  int
	}{
		{"positions", len(s.Positions()), 3},
		{"scales", len(s.Scales()), 3},
		{"rotations", len(s.Rotations()), 4},
		{"opacities", len(s.Opacities()), 1},
		{"sh", len(s.SH()), 3 * k},
	}
	for _, c := range checks {
		if c.got != n*c.per {
			return fmt.Errorf("%w: %d %s floats for %d points, want %d", ErrInvalidScene, c.got, c.name, n, n*c.per)
		}
	}
	return nil
}

// shDegreeOf returns the SH degree stored with k coefficients per channel.
func shDegreeOf(k int) uint32 {
	for d, c := range shCoeffCounts {
		if c == k {
			return uint32(d)
		}
	}
	return 0
}

// packVec4 widens n tuples of width floats to 4-float tuples, filling the
// missing components with fill.
func packVec4(src []float32, width, n int, fill float32) []float32 {
	out := make([]float32, 4*n)
	for i := range n {
		copy(out[i*4:i*4+width], src[i*width:(i+1)*width])
		for j := width; j < 4; j++ {
			out[i*4+j] = fill
		}
	}
	return out
}
