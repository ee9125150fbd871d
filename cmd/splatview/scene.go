package main

import (
	"math/rand/v2"

	"github.com/chewxy/math32"

	"github.com/gogpu/splat"
)

// shC0 is the degree 0 spherical harmonics basis constant.
const shC0 = 0.28209479177387814

// syntheticScene returns n splats on a noisy torus knot with colors
// varying along the curve and degree 1 view-dependent tint.
func syntheticScene(n int, seed uint64) *splat.PointCloud {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	pc := &splat.PointCloud{SHCoeffs: 4}
	sh := make([]float32, 3*pc.SHCoeffs)

	for i := range n {
		t := float32(i) / float32(max(n, 1)) * 2 * math32.Pi
		// (2,3) torus knot.
		r := 2 + math32.Cos(3*t)
		pos := splat.Vec3{r * math32.Cos(2*t), math32.Sin(3 * t), r * math32.Sin(2*t)}
		jitter := splat.Vec3{float32(rng.NormFloat64()), float32(rng.NormFloat64()), float32(rng.NormFloat64())}
		pos = pos.Add(jitter.Scale(0.08))

		s := 0.01 + 0.03*float32(rng.Float64())
		scale := splat.Vec3{s, s * (0.3 + float32(rng.Float64())), s}

		q := [4]float32{float32(rng.NormFloat64()), float32(rng.NormFloat64()), float32(rng.NormFloat64()), float32(rng.NormFloat64())}
		qn := math32.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
		if qn == 0 {
			q, qn = [4]float32{1, 0, 0, 0}, 1
		}
		for j := range q {
			q[j] /= qn
		}

		rgb := [3]float32{
			0.5 + 0.5*math32.Cos(t),
			0.5 + 0.5*math32.Cos(t+2*math32.Pi/3),
			0.5 + 0.5*math32.Cos(t+4*math32.Pi/3),
		}
		clear(sh)
		for c := range 3 {
			sh[c] = (rgb[c] - 0.5) / shC0
			// Band 1 adds a view-dependent tint.
			sh[3+c] = -0.15
		}

		opacity := 0.4 + 0.6*float32(rng.Float64())
		pc.Append(pos, scale, q, opacity, sh)
	}
	return pc
}

// orbitCamera returns a camera circling the scene at the given angle in
// degrees, looking at the origin.
func orbitCamera(deg float32) splat.Camera {
	a := deg * math32.Pi / 180
	cam := splat.NewCamera(splat.Vec3{7 * math32.Cos(a), -2.5, 7 * math32.Sin(a)})
	cam.LookAt(splat.Vec3{})
	return cam
}
