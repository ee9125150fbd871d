// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cpu

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"

	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
	"github.com/gogpu/splat/internal/parallel"
)

const maxBindings = 16

// resources are the resolved bindings of one dispatch.
type resources struct {
	buffers [maxBindings][]byte
	image   *image.RGBA
	params  []byte
}

// kernelFunc runs every workgroup of a dispatch.
type kernelFunc func(pool *parallel.WorkerPool, r *resources, groups [3]uint32) error

var kernels = [gpucore.KernelCount]kernelFunc{
	gpucore.KernelProject:   project,
	gpucore.KernelScanStep:  scanStep,
	gpucore.KernelKeys:      emitKeys,
	gpucore.KernelHistogram: radixHistogram,
	gpucore.KernelScatter:   radixScatter,
	gpucore.KernelRanges:    tileRanges,
	gpucore.KernelRaster:    raster,
}

// forEach runs fn for every invocation index below n, 256 per workgroup.
func forEach(pool *parallel.WorkerPool, groups uint32, n uint32, fn func(i uint32)) {
	pool.Dispatch(int(groups), func(g int) {
		start := uint32(g) * gpucore.WorkgroupSize
		end := min(start+gpucore.WorkgroupSize, n)
		for i := start; i < end; i++ {
			fn(i)
		}
	})
}

// =============================================================================
// Projection
// =============================================================================

// Spherical harmonics basis constants.
const (
	shC0 = 0.28209479177387814
	shC1 = 0.4886025119029199
)

var (
	shC2 = [5]float32{1.0925484305920792, -1.0925484305920792, 0.31539156525252005, -1.0925484305920792, 0.5462742152960396}
	shC3 = [7]float32{-0.5900435899266435, 2.890611442640554, -0.4570457994644658, 0.3731763325901154,
		-0.4570457994644658, 1.445305721320277, -0.5900435899266435}
)

type vec3 struct{ x, y, z float32 }

func (a vec3) sub(b vec3) vec3 { return vec3{a.x - b.x, a.y - b.y, a.z - b.z} }

func (a vec3) normalize() vec3 {
	l := math32.Sqrt(a.x*a.x + a.y*a.y + a.z*a.z)
	if l == 0 {
		return a
	}
	return vec3{a.x / l, a.y / l, a.z / l}
}

// transform multiplies a column-major 4x4 matrix with (p, 1).
func transform(m *[16]float32, p vec3) (x, y, z, w float32) {
	x = m[0]*p.x + m[4]*p.y + m[8]*p.z + m[12]
	y = m[1]*p.x + m[5]*p.y + m[9]*p.z + m[13]
	z = m[2]*p.x + m[6]*p.y + m[10]*p.z + m[14]
	w = m[3]*p.x + m[7]*p.y + m[11]*p.z + m[15]
	return
}

// shDegree returns the spherical harmonics degree stored with k
// coefficients per channel.
func shDegree(k uint32) uint32 {
	switch {
	case k >= 16:
		return 3
	case k >= 9:
		return 2
	case k >= 4:
		return 1
	default:
		return 0
	}
}

// evalSH evaluates view-dependent color from coefficient-major [k][rgb] data.
func evalSH(deg uint32, sh []float32, dir vec3) vec3 {
	c := func(k int) vec3 { return vec3{sh[k*3], sh[k*3+1], sh[k*3+2]} }
	var r vec3
	add := func(w float32, k int) {
		v := c(k)
		r.x += w * v.x
		r.y += w * v.y
		r.z += w * v.z
	}

	add(shC0, 0)
	if deg > 0 {
		x, y, z := dir.x, dir.y, dir.z
		add(-shC1*y, 1)
		add(shC1*z, 2)
		add(-shC1*x, 3)
		if deg > 1 {
			xx, yy, zz := x*x, y*y, z*z
			xy, yz, xz := x*y, y*z, x*z
			add(shC2[0]*xy, 4)
			add(shC2[1]*yz, 5)
			add(shC2[2]*(2*zz-xx-yy), 6)
			add(shC2[3]*xz, 7)
			add(shC2[4]*(xx-yy), 8)
			if deg > 2 {
				add(shC3[0]*y*(3*xx-yy), 9)
				add(shC3[1]*xy*z, 10)
				add(shC3[2]*y*(4*zz-xx-yy), 11)
				add(shC3[3]*z*(2*zz-3*xx-3*yy), 12)
				add(shC3[4]*x*(4*zz-xx-yy), 13)
				add(shC3[5]*z*(xx-yy), 14)
				add(shC3[6]*x*(xx-3*yy), 15)
			}
		}
	}
	return vec3{max(r.x+0.5, 0), max(r.y+0.5, 0), max(r.z+0.5, 0)}
}

// covariance3D returns the upper triangle of R S S^T R^T for a unit
// quaternion (w, x, y, z) and per-axis scale.
func covariance3D(s vec3, q [4]float32) [6]float32 {
	n := math32.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		n = 1
	}
	r, x, y, z := q[0]/n, q[1]/n, q[2]/n, q[3]/n

	R := [3][3]float32{
		{1 - 2*(y*y+z*z), 2 * (x*y - r*z), 2 * (x*z + r*y)},
		{2 * (x*y + r*z), 1 - 2*(x*x+z*z), 2 * (y*z - r*x)},
		{2 * (x*z - r*y), 2 * (y*z + r*x), 1 - 2*(x*x+y*y)},
	}
	s2 := [3]float32{s.x * s.x, s.y * s.y, s.z * s.z}

	var cov [6]float32
	idx := 0
	for i := range 3 {
		for j := i; j < 3; j++ {
			var v float32
			for k := range 3 {
				v += R[i][k] * s2[k] * R[j][k]
			}
			cov[idx] = v
			idx++
		}
	}
	return cov
}

// covariance2D projects a 3D covariance with the EWA Jacobian.
// It returns the 2D covariance (a, b, c) of [[a b][b c]].
func covariance2D(t vec3, cam *abi.Camera, cov [6]float32) (a, b, c float32) {
	limX := 1.3 * cam.TanFovX
	limY := 1.3 * cam.TanFovY
	t.x = min(limX, max(-limX, t.x/t.z)) * t.z
	t.y = min(limY, max(-limY, t.y/t.z)) * t.z

	fx, fy := cam.FocalX, cam.FocalY
	j00, j02 := fx/t.z, -fx*t.x/(t.z*t.z)
	j11, j12 := fy/t.z, -fy*t.y/(t.z*t.z)

	// W is the rotation part of the view matrix, W[r][c] = view[c*4+r].
	v := &cam.View
	w := [3][3]float32{
		{v[0], v[4], v[8]},
		{v[1], v[5], v[9]},
		{v[2], v[6], v[10]},
	}
	// T = J * W, rows 0 and 1.
	var T [2][3]float32
	for col := range 3 {
		T[0][col] = j00*w[0][col] + j02*w[2][col]
		T[1][col] = j11*w[1][col] + j12*w[2][col]
	}

	S := [3][3]float32{
		{cov[0], cov[1], cov[2]},
		{cov[1], cov[3], cov[4]},
		{cov[2], cov[4], cov[5]},
	}
	var TS [2][3]float32
	for i := range 2 {
		for j := range 3 {
			TS[i][j] = T[i][0]*S[0][j] + T[i][1]*S[1][j] + T[i][2]*S[2][j]
		}
	}
	a = TS[0][0]*T[0][0] + TS[0][1]*T[0][1] + TS[0][2]*T[0][2] + 0.3
	b = TS[0][0]*T[1][0] + TS[0][1]*T[1][1] + TS[0][2]*T[1][2]
	c = TS[1][0]*T[1][0] + TS[1][1]*T[1][1] + TS[1][2]*T[1][2] + 0.3
	return a, b, c
}

func ndc2pix(v float32, size uint32) float32 {
	return ((v+1)*float32(size) - 1) * 0.5
}

func project(pool *parallel.WorkerPool, r *resources, groups [3]uint32) error {
	p, err := abi.DecodeProjectParams(r.params)
	if err != nil {
		return err
	}
	cam, err := abi.DecodeCamera(r.buffers[abi.ProjectCamera])
	if err != nil {
		return err
	}
	n := uint64(p.NumPoints)
	checks := []struct {
		slot   int
		stride uint64
		what   string
	}{
		{abi.ProjectPositions, abi.Vec4Stride, "positions"},
		{abi.ProjectScales, abi.Vec4Stride, "scales"},
		{abi.ProjectRotations, abi.Vec4Stride, "rotations"},
		{abi.ProjectOpacities, abi.ScalarStride, "opacities"},
		{abi.ProjectSH, uint64(p.SHCoeffs) * 3 * abi.SHFloatStride, "sh"},
		{abi.ProjectCounts, abi.ScalarStride, "counts"},
		{abi.ProjectDepths, abi.ScalarStride, "depths"},
		{abi.ProjectPoints2D, abi.Vec2Stride, "points2d"},
		{abi.ProjectConics, abi.Vec4Stride, "conics"},
		{abi.ProjectColors, abi.Vec4Stride, "colors"},
		{abi.ProjectRects, abi.RectStride, "rects"},
	}
	for _, c := range checks {
		if err := r.need(c.slot, n*c.stride, c.what); err != nil {
			return err
		}
	}
	if p.SHCoeffs == 0 {
		return fmt.Errorf("zero SH coefficients per channel")
	}

	positions := f32s(r.buffers[abi.ProjectPositions])
	scales := f32s(r.buffers[abi.ProjectScales])
	rotations := f32s(r.buffers[abi.ProjectRotations])
	opacities := f32s(r.buffers[abi.ProjectOpacities])
	sh := f32s(r.buffers[abi.ProjectSH])
	counts := u32s(r.buffers[abi.ProjectCounts])
	depths := f32s(r.buffers[abi.ProjectDepths])
	points := f32s(r.buffers[abi.ProjectPoints2D])
	conics := f32s(r.buffers[abi.ProjectConics])
	colors := f32s(r.buffers[abi.ProjectColors])
	rects := u32s(r.buffers[abi.ProjectRects])

	deg := min(cam.SHDegree, shDegree(p.SHCoeffs))
	camPos := vec3{cam.Position[0], cam.Position[1], cam.Position[2]}
	stride := p.SHCoeffs * 3

	forEach(pool, groups[0], p.NumPoints, func(i uint32) {
		counts[i] = 0
		clear(rects[i*4 : i*4+4])

		pos := vec3{positions[i*4], positions[i*4+1], positions[i*4+2]}
		vx, vy, vz, _ := transform(&cam.View, pos)
		if vz <= 0 {
			return
		}
		if p.Culling != 0 && (vz <= p.Near || vz > p.Far) {
			return
		}

		hx, hy, _, hw := transform(&cam.Proj, vec3{vx, vy, vz})
		pw := 1 / (hw + 1e-7)
		ndcX, ndcY := hx*pw, hy*pw
		if p.Culling != 0 && (math32.Abs(ndcX) > 1.3 || math32.Abs(ndcY) > 1.3) {
			return
		}

		s := vec3{scales[i*4] * p.ScaleModifier, scales[i*4+1] * p.ScaleModifier, scales[i*4+2] * p.ScaleModifier}
		q := [4]float32{rotations[i*4], rotations[i*4+1], rotations[i*4+2], rotations[i*4+3]}
		a, b, c := covariance2D(vec3{vx, vy, vz}, &cam, covariance3D(s, q))

		det := a*c - b*b
		if det <= 0 {
			return
		}
		inv := 1 / det

		mid := 0.5 * (a + c)
		disc := math32.Sqrt(max(0.1, mid*mid-det))
		radius := math32.Ceil(3 * math32.Sqrt(max(mid+disc, mid-disc)))

		px, py := ndc2pix(ndcX, cam.Width), ndc2pix(ndcY, cam.Height)
		minX, maxX := tileSpan(px, radius, gpucore.TileWidth, p.TilesX)
		minY, maxY := tileSpan(py, radius, gpucore.TileHeight, p.TilesY)
		area := (maxX - minX) * (maxY - minY)
		if area == 0 {
			return
		}

		color := evalSH(deg, sh[i*stride:(i+1)*stride], pos.sub(camPos).normalize())

		depths[i] = vz
		points[i*2], points[i*2+1] = px, py
		conics[i*4], conics[i*4+1], conics[i*4+2], conics[i*4+3] = c*inv, -b*inv, a*inv, opacities[i]
		colors[i*4], colors[i*4+1], colors[i*4+2], colors[i*4+3] = color.x, color.y, color.z, 1
		rects[i*4], rects[i*4+1], rects[i*4+2], rects[i*4+3] = minX, minY, maxX, maxY
		counts[i] = area
	})
	return nil
}

// tileSpan returns the [min, max) tile range covered by [center-r, center+r]
// clamped to the grid.
func tileSpan(center, radius float32, tile, tiles uint32) (lo, hi uint32) {
	clamp := func(v float32) uint32 {
		if v <= 0 {
			return 0
		}
		return min(uint32(v), tiles)
	}
	lo = clamp((center - radius) / float32(tile))
	hi = clamp((center + radius + float32(tile) - 1) / float32(tile))
	return lo, hi
}

// =============================================================================
// Scan
// =============================================================================

func scanStep(pool *parallel.WorkerPool, r *resources, groups [3]uint32) error {
	p, err := abi.DecodeScanParams(r.params)
	if err != nil {
		return err
	}
	n := uint64(p.N) * abi.ScalarStride
	if err := r.need(abi.ScanA, n, "scan A"); err != nil {
		return err
	}
	if err := r.need(abi.ScanB, n, "scan B"); err != nil {
		return err
	}

	src, dst := u32s(r.buffers[abi.ScanA]), u32s(r.buffers[abi.ScanB])
	if p.ReadFromA == 0 {
		src, dst = dst, src
	}
	offset := uint32(1) << p.Step
	forEach(pool, groups[0], p.N, func(i uint32) {
		v := src[i]
		if i >= offset {
			v += src[i-offset]
		}
		dst[i] = v
	})
	return nil
}

// =============================================================================
// Key emission
// =============================================================================

func emitKeys(pool *parallel.WorkerPool, r *resources, groups [3]uint32) error {
	p, err := abi.DecodeKeysParams(r.params)
	if err != nil {
		return err
	}
	n := uint64(p.NumPoints)
	if err := r.need(abi.KeysOffsets, n*abi.ScalarStride, "offsets"); err != nil {
		return err
	}
	if err := r.need(abi.KeysDepths, n*abi.ScalarStride, "depths"); err != nil {
		return err
	}
	if err := r.need(abi.KeysRects, n*abi.RectStride, "rects"); err != nil {
		return err
	}

	inclusive := u32s(r.buffers[abi.KeysOffsets])
	depths := f32s(r.buffers[abi.KeysDepths])
	rects := u32s(r.buffers[abi.KeysRects])
	keys := u32s(r.buffers[abi.KeysKeys])
	values := u32s(r.buffers[abi.KeysValues])

	// The total is the last inclusive prefix; every write must fit.
	total := uint64(0)
	if n > 0 {
		total = uint64(inclusive[n-1])
	}
	if err := r.need(abi.KeysKeys, total*abi.KeyStride, "keys"); err != nil {
		return err
	}
	if err := r.need(abi.KeysValues, total*abi.ScalarStride, "values"); err != nil {
		return err
	}

	forEach(pool, groups[0], p.NumPoints, func(i uint32) {
		minX, minY, maxX, maxY := rects[i*4], rects[i*4+1], rects[i*4+2], rects[i*4+3]
		if maxX <= minX || maxY <= minY {
			return
		}
		off := uint32(0)
		if i > 0 {
			off = inclusive[i-1]
		}
		for y := minY; y < maxY; y++ {
			for x := minX; x < maxX; x++ {
				key := abi.MakeKey(y*p.TilesX+x, depths[i])
				keys[off*2] = uint32(key)
				keys[off*2+1] = uint32(key >> 32)
				values[off] = i
				off++
			}
		}
	})
	return nil
}

// =============================================================================
// Radix sort
// =============================================================================

func radixCheck(r *resources, p abi.RadixParams, keysSlot, histSlot int) error {
	if p.NumWorkgroups != abi.RadixWorkgroups(p.NumElements) {
		return fmt.Errorf("%d workgroups for %d elements, want %d",
			p.NumWorkgroups, p.NumElements, abi.RadixWorkgroups(p.NumElements))
	}
	if err := r.need(keysSlot, uint64(p.NumElements)*abi.KeyStride, "keys"); err != nil {
		return err
	}
	return r.need(histSlot, uint64(p.NumWorkgroups)*abi.RadixBins*4, "histogram")
}

func radixHistogram(pool *parallel.WorkerPool, r *resources, groups [3]uint32) error {
	p, err := abi.DecodeRadixParams(r.params)
	if err != nil {
		return err
	}
	if err := radixCheck(r, p, abi.HistogramKeys, abi.HistogramCounts); err != nil {
		return err
	}
	keys := u32s(r.buffers[abi.HistogramKeys])
	hist := u32s(r.buffers[abi.HistogramCounts])
	numWG := p.NumWorkgroups

	pool.Dispatch(int(min(groups[0], numWG)), func(g int) {
		wg := uint32(g)
		var local [abi.RadixBins]uint32
		start := wg * abi.ElementsPerWorkgroup
		end := min(start+abi.ElementsPerWorkgroup, p.NumElements)
		for i := start; i < end; i++ {
			key := uint64(keys[i*2]) | uint64(keys[i*2+1])<<32
			local[abi.KeyDigit(key, p.Shift)]++
		}
		for bin, c := range local {
			hist[uint32(bin)*numWG+wg] = c
		}
	})
	return nil
}

func radixScatter(pool *parallel.WorkerPool, r *resources, groups [3]uint32) error {
	p, err := abi.DecodeRadixParams(r.params)
	if err != nil {
		return err
	}
	if err := radixCheck(r, p, abi.ScatterKeysIn, abi.ScatterHistogram); err != nil {
		return err
	}
	n := uint64(p.NumElements)
	if err := r.need(abi.ScatterValuesIn, n*abi.ScalarStride, "values in"); err != nil {
		return err
	}
	if err := r.need(abi.ScatterKeysOut, n*abi.KeyStride, "keys out"); err != nil {
		return err
	}
	if err := r.need(abi.ScatterValuesOut, n*abi.ScalarStride, "values out"); err != nil {
		return err
	}

	keysIn := u32s(r.buffers[abi.ScatterKeysIn])
	valuesIn := u32s(r.buffers[abi.ScatterValuesIn])
	hist := u32s(r.buffers[abi.ScatterHistogram])
	keysOut := u32s(r.buffers[abi.ScatterKeysOut])
	valuesOut := u32s(r.buffers[abi.ScatterValuesOut])
	numWG := p.NumWorkgroups

	pool.Dispatch(int(min(groups[0], numWG)), func(g int) {
		wg := uint32(g)

		// Global base of each bin for this workgroup: all elements of
		// smaller bins plus elements of this bin in earlier workgroups.
		var totals, base [abi.RadixBins]uint32
		for bin := range uint32(abi.RadixBins) {
			row := hist[bin*numWG : (bin+1)*numWG]
			for w, c := range row {
				totals[bin] += c
				if uint32(w) < wg {
					base[bin] += c
				}
			}
		}
		running := uint32(0)
		for bin := range abi.RadixBins {
			base[bin] += running
			running += totals[bin]
		}

		start := wg * abi.ElementsPerWorkgroup
		end := min(start+abi.ElementsPerWorkgroup, p.NumElements)
		for i := start; i < end; i++ {
			lo, hi := keysIn[i*2], keysIn[i*2+1]
			digit := abi.KeyDigit(uint64(lo)|uint64(hi)<<32, p.Shift)
			dst := base[digit]
			base[digit]++
			keysOut[dst*2], keysOut[dst*2+1] = lo, hi
			valuesOut[dst] = valuesIn[i]
		}
	})
	return nil
}

// =============================================================================
// Tile ranges
// =============================================================================

func tileRanges(pool *parallel.WorkerPool, r *resources, groups [3]uint32) error {
	p, err := abi.DecodeRangesParams(r.params)
	if err != nil {
		return err
	}
	total := p.NumRendered
	if err := r.need(abi.RangesKeys, uint64(total)*abi.KeyStride, "keys"); err != nil {
		return err
	}
	keys := u32s(r.buffers[abi.RangesKeys])
	ranges := u32s(r.buffers[abi.RangesRanges])
	tiles := uint32(len(ranges) / 2)

	// Tiles beyond the ranges buffer indicate a stale binding.
	for i := range total {
		if keys[i*2+1] >= tiles {
			return fmt.Errorf("key %d names tile %d, ranges hold %d", i, keys[i*2+1], tiles)
		}
	}

	forEach(pool, groups[0], total, func(i uint32) {
		tile := keys[i*2+1]
		if i == 0 {
			ranges[tile*2] = 0
		} else if prev := keys[(i-1)*2+1]; prev != tile {
			ranges[prev*2+1] = i
			ranges[tile*2] = i
		}
		if i == total-1 {
			ranges[tile*2+1] = total
		}
	})
	return nil
}

// =============================================================================
// Rasterization
// =============================================================================

const (
	minAlpha         = 1.0 / 255.0
	maxAlpha         = 0.99
	minTransmittance = 1e-4

	// Wireframe draws the band around the 3-sigma ellipse, where the
	// Gaussian exponent is -4.5.
	wireframePower = -4.5
	wireframeBand  = 0.35
)

func raster(pool *parallel.WorkerPool, r *resources, groups [3]uint32) error {
	p, err := abi.DecodeRasterParams(r.params)
	if err != nil {
		return err
	}
	img := r.image
	if img == nil {
		return fmt.Errorf("no output image bound")
	}
	if p.Width > uint32(img.Rect.Dx()) || p.Height > uint32(img.Rect.Dy()) {
		return fmt.Errorf("render extent %dx%d exceeds image %v", p.Width, p.Height, img.Rect.Size())
	}
	tilesX, tilesY := gpucore.TileGrid(gpucore.Extent{Width: p.Width, Height: p.Height})
	if err := r.need(abi.RasterRanges, uint64(tilesX*tilesY)*abi.RangeStride, "ranges"); err != nil {
		return err
	}

	values := u32s(r.buffers[abi.RasterValues])
	ranges := u32s(r.buffers[abi.RasterRanges])
	points := f32s(r.buffers[abi.RasterPoints2D])
	conics := f32s(r.buffers[abi.RasterConics])
	colors := f32s(r.buffers[abi.RasterColors])
	numPoints := uint32(min(len(points)/2, len(conics)/4, len(colors)/4))

	for t := range tilesX * tilesY {
		start, end := ranges[t*2], ranges[t*2+1]
		if end < start || end > uint32(len(values)) {
			return fmt.Errorf("tile %d range [%d,%d) out of bounds", t, start, end)
		}
		for j := start; j < end; j++ {
			if values[j] >= numPoints {
				return fmt.Errorf("value %d names point %d of %d", j, values[j], numPoints)
			}
		}
	}

	bg := p.Background
	gx, gy := min(groups[0], tilesX), min(groups[1], tilesY)
	pool.Dispatch(int(gx*gy), func(g int) {
		tx, ty := uint32(g)%gx, uint32(g)/gx
		tile := ty*p.TilesX + tx
		start, end := ranges[tile*2], ranges[tile*2+1]

		for py := ty * gpucore.TileHeight; py < min((ty+1)*gpucore.TileHeight, p.Height); py++ {
			for px := tx * gpucore.TileWidth; px < min((tx+1)*gpucore.TileWidth, p.Width); px++ {
				fx, fy := float32(px), float32(py)
				T := float32(1)
				var cr, cg, cb float32

				for j := start; j < end; j++ {
					idx := values[j]
					dx := points[idx*2] - fx
					dy := points[idx*2+1] - fy
					con := conics[idx*4 : idx*4+4]
					power := -0.5*(con[0]*dx*dx+con[2]*dy*dy) - con[1]*dx*dy
					if power > 0 {
						continue
					}

					var alpha float32
					if p.Wireframe != 0 {
						if math32.Abs(power-wireframePower) >= wireframeBand {
							continue
						}
						alpha = min(maxAlpha, con[3])
					} else {
						alpha = min(maxAlpha, con[3]*math32.Exp(power))
					}
					if alpha < minAlpha {
						continue
					}
					testT := T * (1 - alpha)
					if testT < minTransmittance {
						break
					}
					w := alpha * T
					cr += colors[idx*4] * w
					cg += colors[idx*4+1] * w
					cb += colors[idx*4+2] * w
					T = testT
				}

				px4 := packRGBA([4]float32{
					cr + T*bg[0],
					cg + T*bg[1],
					cb + T*bg[2],
					(1 - T) + T*bg[3],
				})
				o := img.PixOffset(int(px), int(py))
				copy(img.Pix[o:o+4], px4[:])
			}
		}
	})
	return nil
}
