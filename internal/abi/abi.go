// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package abi defines the binary interface shared by the pipeline stages and
// the kernels that execute them: binding slots, element strides and the
// layout of every parameter block. The WGSL kernels in backend/native and the
// Go kernels in backend/cpu both follow these definitions.
package abi

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/splat/gpucore"
)

// Element strides in bytes.
const (
	Vec4Stride    = 16 // positions, scales, rotations, colors, conics
	Vec2Stride    = 8  // projected centers
	ScalarStride  = 4  // opacities, depths, counts, values
	KeyStride     = 8  // sort keys: lo word, hi word
	RectStride    = 16 // tile rect: minX, minY, maxX, maxY (max exclusive)
	RangeStride   = 8  // per-tile start, end
	SHFloatStride = 4
)

// Radix sort constants.
const (
	RadixBits            = 8
	RadixBins            = 1 << RadixBits
	BlocksPerWorkgroup   = 32
	ElementsPerWorkgroup = gpucore.WorkgroupSize * BlocksPerWorkgroup
)

// Binding slots of KernelProject.
const (
	ProjectCamera = iota
	ProjectPositions
	ProjectScales
	ProjectRotations
	ProjectOpacities
	ProjectSH
	ProjectCounts
	ProjectDepths
	ProjectPoints2D
	ProjectConics
	ProjectColors
	ProjectRects
)

// Binding slots of KernelScanStep.
const (
	ScanA = iota
	ScanB
)

// Binding slots of KernelKeys.
const (
	KeysOffsets = iota
	KeysDepths
	KeysRects
	KeysKeys
	KeysValues
)

// Binding slots of KernelHistogram.
const (
	HistogramKeys = iota
	HistogramCounts
)

// Binding slots of KernelScatter.
const (
	ScatterKeysIn = iota
	ScatterValuesIn
	ScatterHistogram
	ScatterKeysOut
	ScatterValuesOut
)

// Binding slots of KernelRanges.
const (
	RangesKeys = iota
	RangesRanges
)

// Binding slots of KernelRaster.
const (
	RasterValues = iota
	RasterRanges
	RasterPoints2D
	RasterConics
	RasterColors
	RasterImage
)

// Layout returns the binding layout of a kernel.
func Layout(k gpucore.Kernel) []gpucore.BindingLayout {
	ro := func(b uint32) gpucore.BindingLayout {
		return gpucore.BindingLayout{Binding: b, Kind: gpucore.BindingStorageRead}
	}
	rw := func(b uint32) gpucore.BindingLayout {
		return gpucore.BindingLayout{Binding: b, Kind: gpucore.BindingStorageReadWrite}
	}

	switch k {
	case gpucore.KernelProject:
		return []gpucore.BindingLayout{
			{Binding: ProjectCamera, Kind: gpucore.BindingUniform},
			ro(ProjectPositions), ro(ProjectScales), ro(ProjectRotations),
			ro(ProjectOpacities), ro(ProjectSH),
			rw(ProjectCounts), rw(ProjectDepths), rw(ProjectPoints2D),
			rw(ProjectConics), rw(ProjectColors), rw(ProjectRects),
		}
	case gpucore.KernelScanStep:
		return []gpucore.BindingLayout{rw(ScanA), rw(ScanB)}
	case gpucore.KernelKeys:
		return []gpucore.BindingLayout{
			ro(KeysOffsets), ro(KeysDepths), ro(KeysRects), rw(KeysKeys), rw(KeysValues),
		}
	case gpucore.KernelHistogram:
		return []gpucore.BindingLayout{ro(HistogramKeys), rw(HistogramCounts)}
	case gpucore.KernelScatter:
		return []gpucore.BindingLayout{
			ro(ScatterKeysIn), ro(ScatterValuesIn), ro(ScatterHistogram),
			rw(ScatterKeysOut), rw(ScatterValuesOut),
		}
	case gpucore.KernelRanges:
		return []gpucore.BindingLayout{ro(RangesKeys), rw(RangesRanges)}
	case gpucore.KernelRaster:
		return []gpucore.BindingLayout{
			ro(RasterValues), ro(RasterRanges), ro(RasterPoints2D), ro(RasterConics), ro(RasterColors),
			{Binding: RasterImage, Kind: gpucore.BindingImage},
		}
	default:
		return nil
	}
}

// ParamsSize returns the size of a kernel's parameter block.
func ParamsSize(k gpucore.Kernel) uint32 {
	switch k {
	case gpucore.KernelProject:
		return ProjectParams{}.sizeInBytes()
	case gpucore.KernelRaster:
		return RasterParams{}.sizeInBytes()
	case gpucore.KernelScanStep, gpucore.KernelKeys, gpucore.KernelHistogram,
		gpucore.KernelScatter, gpucore.KernelRanges:
		return 16
	default:
		return 0
	}
}

// RadixPasses returns the number of 8-bit passes needed to sort keys whose
// high word is a tile index below tiles and whose low word is a float32.
func RadixPasses(tiles uint32) uint32 {
	bits := uint32(0)
	for (uint32(1) << bits) < tiles {
		bits++
	}
	return (32 + bits + RadixBits - 1) / RadixBits
}

// RadixWorkgroups returns the number of sort workgroups for n keys.
func RadixWorkgroups(n uint32) uint32 {
	return (n + ElementsPerWorkgroup - 1) / ElementsPerWorkgroup
}

// MakeKey packs a tile index and a positive depth into a sort key.
func MakeKey(tile uint32, depth float32) uint64 {
	return uint64(tile)<<32 | uint64(math.Float32bits(depth))
}

// KeyTile returns the tile index of a sort key.
func KeyTile(key uint64) uint32 {
	return uint32(key >> 32)
}

// KeyDigit extracts the radix digit of a key at a bit shift.
func KeyDigit(key uint64, shift uint32) uint32 {
	return uint32(key>>shift) & (RadixBins - 1)
}

// CameraBlockSize is the size of the camera uniform block.
const CameraBlockSize = 176

// Camera is the camera uniform block read by KernelProject.
//
// Layout (std140, 16-byte aligned):
//
//	offset   0: view      mat4 column-major
//	offset  64: proj      mat4 column-major
//	offset 128: camPos    vec3
//	offset 140: focalX    f32
//	offset 144: focalY    f32
//	offset 148: tanFovX   f32
//	offset 152: tanFovY   f32
//	offset 156: width     u32
//	offset 160: height    u32
//	offset 164: shDegree  u32
//	offset 168: padding to 176
type Camera struct {
	View     [16]float32
	Proj     [16]float32
	Position [3]float32
	FocalX   float32
	FocalY   float32
	TanFovX  float32
	TanFovY  float32
	Width    uint32
	Height   uint32
	SHDegree uint32
}

// Bytes serializes the camera block in little-endian order.
func (c Camera) Bytes() []byte {
	buf := make([]byte, CameraBlockSize)
	le := binary.LittleEndian
	for i, v := range c.View {
		le.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	for i, v := range c.Proj {
		le.PutUint32(buf[64+i*4:], math.Float32bits(v))
	}
	for i, v := range c.Position {
		le.PutUint32(buf[128+i*4:], math.Float32bits(v))
	}
	le.PutUint32(buf[140:], math.Float32bits(c.FocalX))
	le.PutUint32(buf[144:], math.Float32bits(c.FocalY))
	le.PutUint32(buf[148:], math.Float32bits(c.TanFovX))
	le.PutUint32(buf[152:], math.Float32bits(c.TanFovY))
	le.PutUint32(buf[156:], c.Width)
	le.PutUint32(buf[160:], c.Height)
	le.PutUint32(buf[164:], c.SHDegree)
	return buf
}

// DecodeCamera parses a camera block.
func DecodeCamera(b []byte) (Camera, error) {
	if len(b) < CameraBlockSize {
		return Camera{}, fmt.Errorf("abi: camera block is %d bytes, want %d", len(b), CameraBlockSize)
	}
	var c Camera
	for i := range c.View {
		c.View[i] = f32(b[i*4:])
	}
	for i := range c.Proj {
		c.Proj[i] = f32(b[64+i*4:])
	}
	for i := range c.Position {
		c.Position[i] = f32(b[128+i*4:])
	}
	c.FocalX = f32(b[140:])
	c.FocalY = f32(b[144:])
	c.TanFovX = f32(b[148:])
	c.TanFovY = f32(b[152:])
	c.Width = u32(b[156:])
	c.Height = u32(b[160:])
	c.SHDegree = u32(b[164:])
	return c, nil
}

// ProjectParams is the parameter block of KernelProject.
type ProjectParams struct {
	NumPoints     uint32
	Near          float32
	Far           float32
	Culling       uint32
	ScaleModifier float32
	TilesX        uint32
	TilesY        uint32
	SHCoeffs      uint32
}

func (ProjectParams) sizeInBytes() uint32 { return 32 }

// Bytes serializes the parameter block.
func (p ProjectParams) Bytes() []byte {
	buf := make([]byte, p.sizeInBytes())
	le := binary.LittleEndian
	le.PutUint32(buf[0:], p.NumPoints)
	le.PutUint32(buf[4:], math.Float32bits(p.Near))
	le.PutUint32(buf[8:], math.Float32bits(p.Far))
	le.PutUint32(buf[12:], p.Culling)
	le.PutUint32(buf[16:], math.Float32bits(p.ScaleModifier))
	le.PutUint32(buf[20:], p.TilesX)
	le.PutUint32(buf[24:], p.TilesY)
	le.PutUint32(buf[28:], p.SHCoeffs)
	return buf
}

// DecodeProjectParams parses a KernelProject parameter block.
func DecodeProjectParams(b []byte) (ProjectParams, error) {
	if err := checkSize(gpucore.KernelProject, b); err != nil {
		return ProjectParams{}, err
	}
	return ProjectParams{
		NumPoints:     u32(b[0:]),
		Near:          f32(b[4:]),
		Far:           f32(b[8:]),
		Culling:       u32(b[12:]),
		ScaleModifier: f32(b[16:]),
		TilesX:        u32(b[20:]),
		TilesY:        u32(b[24:]),
		SHCoeffs:      u32(b[28:]),
	}, nil
}

// ScanParams is the parameter block of KernelScanStep.
type ScanParams struct {
	Step      uint32 // offset is 1 << Step
	N         uint32
	ReadFromA uint32
}

// Bytes serializes the parameter block.
func (p ScanParams) Bytes() []byte {
	return words(p.Step, p.N, p.ReadFromA, 0)
}

// DecodeScanParams parses a KernelScanStep parameter block.
func DecodeScanParams(b []byte) (ScanParams, error) {
	if err := checkSize(gpucore.KernelScanStep, b); err != nil {
		return ScanParams{}, err
	}
	return ScanParams{Step: u32(b[0:]), N: u32(b[4:]), ReadFromA: u32(b[8:])}, nil
}

// KeysParams is the parameter block of KernelKeys.
type KeysParams struct {
	TilesX    uint32
	NumPoints uint32
}

// Bytes serializes the parameter block.
func (p KeysParams) Bytes() []byte {
	return words(p.TilesX, p.NumPoints, 0, 0)
}

// DecodeKeysParams parses a KernelKeys parameter block.
func DecodeKeysParams(b []byte) (KeysParams, error) {
	if err := checkSize(gpucore.KernelKeys, b); err != nil {
		return KeysParams{}, err
	}
	return KeysParams{TilesX: u32(b[0:]), NumPoints: u32(b[4:])}, nil
}

// RadixParams is the parameter block of KernelHistogram and KernelScatter.
type RadixParams struct {
	NumElements   uint32
	Shift         uint32
	NumWorkgroups uint32
	BlocksPerWG   uint32
}

// Bytes serializes the parameter block.
func (p RadixParams) Bytes() []byte {
	return words(p.NumElements, p.Shift, p.NumWorkgroups, p.BlocksPerWG)
}

// DecodeRadixParams parses a radix parameter block.
func DecodeRadixParams(b []byte) (RadixParams, error) {
	if err := checkSize(gpucore.KernelHistogram, b); err != nil {
		return RadixParams{}, err
	}
	return RadixParams{
		NumElements:   u32(b[0:]),
		Shift:         u32(b[4:]),
		NumWorkgroups: u32(b[8:]),
		BlocksPerWG:   u32(b[12:]),
	}, nil
}

// RangesParams is the parameter block of KernelRanges.
type RangesParams struct {
	NumRendered uint32
}

// Bytes serializes the parameter block.
func (p RangesParams) Bytes() []byte {
	return words(p.NumRendered, 0, 0, 0)
}

// DecodeRangesParams parses a KernelRanges parameter block.
func DecodeRangesParams(b []byte) (RangesParams, error) {
	if err := checkSize(gpucore.KernelRanges, b); err != nil {
		return RangesParams{}, err
	}
	return RangesParams{NumRendered: u32(b[0:])}, nil
}

// RasterParams is the parameter block of KernelRaster.
type RasterParams struct {
	Width      uint32
	Height     uint32
	TilesX     uint32
	Stride     uint32 // image row length in pixels
	Wireframe  uint32
	Background [4]float32
}

func (RasterParams) sizeInBytes() uint32 { return 48 }

// Bytes serializes the parameter block. The background color starts at
// offset 32 to keep it 16-byte aligned.
func (p RasterParams) Bytes() []byte {
	buf := make([]byte, p.sizeInBytes())
	le := binary.LittleEndian
	le.PutUint32(buf[0:], p.Width)
	le.PutUint32(buf[4:], p.Height)
	le.PutUint32(buf[8:], p.TilesX)
	le.PutUint32(buf[12:], p.Stride)
	le.PutUint32(buf[16:], p.Wireframe)
	for i, v := range p.Background {
		le.PutUint32(buf[32+i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeRasterParams parses a KernelRaster parameter block.
func DecodeRasterParams(b []byte) (RasterParams, error) {
	if err := checkSize(gpucore.KernelRaster, b); err != nil {
		return RasterParams{}, err
	}
	p := RasterParams{
		Width:     u32(b[0:]),
		Height:    u32(b[4:]),
		TilesX:    u32(b[8:]),
		Stride:    u32(b[12:]),
		Wireframe: u32(b[16:]),
	}
	for i := range p.Background {
		p.Background[i] = f32(b[32+i*4:])
	}
	return p, nil
}

func checkSize(k gpucore.Kernel, b []byte) error {
	if want := ParamsSize(k); uint32(len(b)) < want {
		return fmt.Errorf("abi: %s params are %d bytes, want %d", k, len(b), want)
	}
	return nil
}

func words(v ...uint32) []byte {
	buf := make([]byte, 4*len(v))
	for i, w := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func u32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func f32(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
