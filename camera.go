package splat

import (
	"github.com/chewxy/math32"

	"github.com/gogpu/splat/internal/abi"
)

// Vec3 is a 3D vector.
type Vec3 [3]float32

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

// Scale returns v * s.
func (v Vec3) Scale(s float32) Vec3 { return Vec3{v[0] * s, v[1] * s, v[2] * s} }

// Dot returns the dot product.
func (v Vec3) Dot(o Vec3) float32 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

// Cross returns the cross product.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Len returns the length.
func (v Vec3) Len() float32 { return math32.Sqrt(v.Dot(v)) }

// Normalize returns v scaled to unit length. The zero vector is returned
// unchanged.
func (v Vec3) Normalize() Vec3 {
	l := v.Len()
	if l == 0 {
		return v
	}
	return v.Scale(1 / l)
}

// Mat4 is a column-major 4x4 matrix: element (row r, column c) is at
// index c*4+r.
type Mat4 [16]float32

// Identity4 returns the identity matrix.
func Identity4() Mat4 {
	return Mat4{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

// At returns element (row, col).
func (m Mat4) At(row, col int) float32 { return m[col*4+row] }

// Mul returns m * o.
func (m Mat4) Mul(o Mat4) Mat4 {
	var r Mat4
	for c := range 4 {
		for row := range 4 {
			var s float32
			for k := range 4 {
				s += m[k*4+row] * o[c*4+k]
			}
			r[c*4+row] = s
		}
	}
	return r
}

// TransformPoint returns m * (p, 1) as homogeneous coordinates.
func (m Mat4) TransformPoint(p Vec3) (x, y, z, w float32) {
	x = m[0]*p[0] + m[4]*p[1] + m[8]*p[2] + m[12]
	y = m[1]*p[0] + m[5]*p[1] + m[9]*p[2] + m[13]
	z = m[2]*p[0] + m[6]*p[1] + m[10]*p[2] + m[14]
	w = m[3]*p[0] + m[7]*p[1] + m[11]*p[2] + m[15]
	return
}

// WorldUp is the world-space up direction.
var WorldUp = Vec3{0, 1, 0}

// Camera is a perspective camera described by position, yaw and pitch.
// Yaw 90 degrees with pitch 0 looks along world +z.
type Camera struct {
	Position Vec3
	// Yaw and Pitch are in degrees.
	Yaw, Pitch float32
	// FovY is the vertical field of view in degrees.
	FovY float32
}

// NewCamera returns a camera at pos looking along +z with a 45 degree
// vertical field of view.
func NewCamera(pos Vec3) Camera {
	return Camera{Position: pos, Yaw: 90, FovY: 45}
}

func radians(deg float32) float32 { return deg * math32.Pi / 180 }

// Forward returns the unit viewing direction.
func (c Camera) Forward() Vec3 {
	yaw, pitch := radians(c.Yaw), radians(c.Pitch)
	return Vec3{
		math32.Cos(yaw) * math32.Cos(pitch),
		math32.Sin(pitch),
		math32.Sin(yaw) * math32.Cos(pitch),
	}.Normalize()
}

// LookAt points the camera at target.
func (c *Camera) LookAt(target Vec3) {
	d := target.Sub(c.Position).Normalize()
	c.Pitch = math32.Asin(max(-1, min(1, d[1]))) * 180 / math32.Pi
	c.Yaw = math32.Atan2(d[2], d[0]) * 180 / math32.Pi
}

// View returns the world-to-view matrix. View space has x right, y down and
// looks along +z.
func (c Camera) View() Mat4 {
	f := c.Forward()
	right := f.Cross(WorldUp).Normalize()
	if right.Len() == 0 {
		right = Vec3{1, 0, 0}
	}
	down := f.Cross(right)

	m := Identity4()
	for i, axis := range [3]Vec3{right, down, f} {
		m[0*4+i] = axis[0]
		m[1*4+i] = axis[1]
		m[2*4+i] = axis[2]
		m[3*4+i] = -axis.Dot(c.Position)
	}
	return m
}

// tanHalfFov returns the tangents of the half field of view for an aspect
// ratio.
func (c Camera) tanHalfFov(aspect float32) (tanX, tanY float32) {
	tanY = math32.Tan(radians(c.FovY) / 2)
	return tanY * aspect, tanY
}

// Projection returns the view-to-clip matrix with clip w equal to view z
// and depth mapped to [0, 1] between near and far.
func (c Camera) Projection(aspect, near, far float32) Mat4 {
	tanX, tanY := c.tanHalfFov(aspect)
	var m Mat4
	m[0] = 1 / tanX
	m[5] = 1 / tanY
	m[10] = far / (far - near)
	m[11] = 1
	m[14] = -far * near / (far - near)
	return m
}

// CameraUniforms is the camera block uploaded every frame.
type CameraUniforms = abi.Camera

// Uniforms builds the camera block for a render target of width by height
// pixels.
func (c Camera) Uniforms(width, height, shDegree uint32, near, far float32) CameraUniforms {
	aspect := float32(width) / float32(max(height, 1))
	tanX, tanY := c.tanHalfFov(aspect)
	return CameraUniforms{
		View:     c.View(),
		Proj:     c.Projection(aspect, near, far),
		Position: c.Position,
		FocalX:   float32(width) / (2 * tanX),
		FocalY:   float32(height) / (2 * tanY),
		TanFovX:  tanX,
		TanFovY:  tanY,
		Width:    width,
		Height:   height,
		SHDegree: shDegree,
	}
}
