package pipeline

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/splat/backend/cpu"
	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
	"github.com/gogpu/splat/internal/resource"
)

const testTimeout = 5 * time.Second

type harness struct {
	t      *testing.T
	dev    *cpu.Device
	mgr    *resource.Manager
	stages *Stages
	bufs   Buffers
	n      uint32
}

func newHarness(t *testing.T, numPoints, shCoeffs uint32) *harness {
	t.Helper()
	dev, err := cpu.New(cpu.Config{Width: 64, Height: 64, Workers: 4})
	if err != nil {
		t.Fatalf("cpu.New failed: %v", err)
	}
	t.Cleanup(dev.Destroy)

	stages, err := NewStages(dev)
	if err != nil {
		t.Fatalf("NewStages failed: %v", err)
	}
	t.Cleanup(stages.Destroy)

	h := &harness{t: t, dev: dev, mgr: resource.NewManager(dev, nil), stages: stages, n: numPoints}
	if err := h.bufs.AllocatePoints(h.mgr, numPoints, shCoeffs); err != nil {
		t.Fatalf("AllocatePoints failed: %v", err)
	}
	t.Cleanup(func() { h.bufs.ReleaseAll(h.mgr) })
	return h
}

func (h *harness) run(label string, fn func(enc gpucore.CommandEncoder)) {
	h.t.Helper()
	enc, err := h.dev.BeginCommands(label)
	if err != nil {
		h.t.Fatalf("BeginCommands failed: %v", err)
	}
	fn(enc)
	cmd, err := enc.Finish()
	if err != nil {
		h.t.Fatalf("%s: Finish failed: %v", label, err)
	}
	fence, err := h.dev.CreateFence(false)
	if err != nil {
		h.t.Fatal(err)
	}
	defer h.dev.DestroyFence(fence)
	if err := h.dev.Submit(cmd, gpucore.SubmitInfo{Fence: fence}); err != nil {
		h.t.Fatalf("%s: Submit failed: %v", label, err)
	}
	if err := h.dev.WaitFence(fence, testTimeout); err != nil {
		h.t.Fatalf("%s: WaitFence failed: %v", label, err)
	}
}

func (h *harness) write(id gpucore.BufferID, words []uint32) {
	h.t.Helper()
	b := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	if err := h.dev.WriteBuffer(id, 0, b); err != nil {
		h.t.Fatalf("WriteBuffer failed: %v", err)
	}
}

func (h *harness) read(id gpucore.BufferID, n int) []uint32 {
	h.t.Helper()
	b, err := h.dev.Contents(id)
	if err != nil {
		h.t.Fatalf("Contents failed: %v", err)
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

func (h *harness) total() uint32 {
	h.t.Helper()
	var b [4]byte
	if err := h.dev.ReadBuffer(h.bufs.Total, 0, b[:]); err != nil {
		h.t.Fatalf("ReadBuffer(total) failed: %v", err)
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (h *harness) scan(counts []uint32) uint32 {
	h.t.Helper()
	h.write(h.bufs.Counts, counts)
	bind := NewBindings(&h.bufs, h.n, 0)
	h.run("scan", func(enc gpucore.CommandEncoder) {
		h.stages.Scanner.Record(enc, bind.Scan, &h.bufs, h.n)
	})
	return h.total()
}

func (h *harness) inclusive() []uint32 {
	src := h.bufs.Counts
	if ScanResultInScratch(h.n) {
		src = h.bufs.ScanScratch
	}
	return h.read(src, int(h.n))
}

func TestScanSteps(t *testing.T) {
	tests := []struct{ n, want uint32 }{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {1024, 10}, {1025, 11},
	}
	for _, tt := range tests {
		if got := ScanSteps(tt.n); got != tt.want {
			t.Errorf("ScanSteps(%d) = %d, want %d", tt.n, got, tt.want)
		}
		if got := ScanResultInScratch(tt.n); got != (tt.want%2 == 1) {
			t.Errorf("ScanResultInScratch(%d) = %v", tt.n, got)
		}
	}
}

func TestScanAllZero(t *testing.T) {
	h := newHarness(t, 5, 1)
	if got := h.scan(make([]uint32, 5)); got != 0 {
		t.Fatalf("total = %d, want 0", got)
	}
	for i, v := range h.inclusive() {
		if v != 0 {
			t.Errorf("inclusive[%d] = %d, want 0", i, v)
		}
	}
}

func TestScanSingleElement(t *testing.T) {
	h := newHarness(t, 1, 1)
	if got := h.scan([]uint32{7}); got != 7 {
		t.Fatalf("total = %d, want 7", got)
	}
}

func TestScanAllEqual(t *testing.T) {
	const n = 1000
	h := newHarness(t, n, 1)
	counts := make([]uint32, n)
	for i := range counts {
		counts[i] = 3
	}
	if got := h.scan(counts); got != 3*n {
		t.Fatalf("total = %d, want %d", got, 3*n)
	}
	for i, v := range h.inclusive() {
		if v != uint32(3*(i+1)) {
			t.Fatalf("inclusive[%d] = %d, want %d", i, v, 3*(i+1))
		}
	}
}

func TestScanRandom(t *testing.T) {
	for _, n := range []uint32{2, 3, 17, 256, 257, 4099} {
		h := newHarness(t, n, 1)
		r := rand.New(rand.NewPCG(uint64(n), 7))
		counts := make([]uint32, n)
		want := make([]uint32, n)
		sum := uint32(0)
		for i := range counts {
			counts[i] = r.Uint32N(20)
			sum += counts[i]
			want[i] = sum
		}
		if got := h.scan(counts); got != sum {
			t.Fatalf("n=%d: total = %d, want %d", n, got, sum)
		}
		if got := h.inclusive(); !slices.Equal(got, want) {
			t.Fatalf("n=%d: inclusive prefix mismatch", n)
		}
	}
}

// rect is a tile rectangle with exclusive max.
type rect struct{ minX, minY, maxX, maxY uint32 }

func (r rect) area() uint32 { return (r.maxX - r.minX) * (r.maxY - r.minY) }

// binned is the result of the key binning, sorting and range stages.
type binned struct {
	keys   []uint64
	values []uint32
	ranges [][2]uint32
	total  uint32
}

// binSortRange runs the scan, then bins, sorts and finds tile ranges for
// points with the given depths and rects.
func binSortRange(t *testing.T, depths []float32, rects []rect, tilesX, tilesY uint32) binned {
	t.Helper()
	n := uint32(len(depths))
	h := newHarness(t, n, 1)

	counts := make([]uint32, n)
	depthWords := make([]uint32, n)
	rectWords := make([]uint32, 0, 4*n)
	for i := range n {
		counts[i] = rects[i].area()
		depthWords[i] = math.Float32bits(depths[i])
		rectWords = append(rectWords, rects[i].minX, rects[i].minY, rects[i].maxX, rects[i].maxY)
	}
	h.write(h.bufs.Depths, depthWords)
	h.write(h.bufs.Rects, rectWords)
	total := h.scan(counts)

	tiles := tilesX * tilesY
	passes := h.stages.Sorter.Passes(tiles)
	if err := h.bufs.AllocateSort(h.mgr, max(total, 1)); err != nil {
		t.Fatalf("AllocateSort failed: %v", err)
	}
	if err := h.bufs.AllocateRanges(h.mgr, tiles); err != nil {
		t.Fatalf("AllocateRanges failed: %v", err)
	}
	bind := NewBindings(&h.bufs, n, passes)

	h.run("sort", func(enc gpucore.CommandEncoder) {
		h.stages.Binner.Record(enc, bind.Keys, abi.KeysParams{TilesX: tilesX, NumPoints: n})
		enc.Barrier(gpucore.ComputeToCompute)
		h.stages.Sorter.Record(enc, &bind, total, passes)
		enc.Barrier(gpucore.ComputeToCompute)
		h.stages.RangeFinder.Record(enc, bind.Ranges, &h.bufs, total)
	})

	keysBuf, valuesBuf := h.bufs.Keys, h.bufs.Values
	if SortResultInScratch(passes) {
		keysBuf, valuesBuf = h.bufs.KeysScratch, h.bufs.ValuesScratch
	}
	words := h.read(keysBuf, int(total)*2)
	out := binned{
		keys:   make([]uint64, total),
		values: h.read(valuesBuf, int(total)),
		ranges: make([][2]uint32, tiles),
		total:  total,
	}
	for i := range out.keys {
		out.keys[i] = uint64(words[i*2]) | uint64(words[i*2+1])<<32
	}
	rw := h.read(h.bufs.Ranges, int(tiles)*2)
	for i := range out.ranges {
		out.ranges[i] = [2]uint32{rw[i*2], rw[i*2+1]}
	}
	return out
}

func TestBinSingleSplatTwoTiles(t *testing.T) {
	got := binSortRange(t, []float32{2.5}, []rect{{3, 0, 5, 1}}, 8, 1)

	want := []uint64{abi.MakeKey(3, 2.5), abi.MakeKey(4, 2.5)}
	if !slices.Equal(got.keys, want) {
		t.Fatalf("keys = %x, want %x", got.keys, want)
	}
	if !slices.Equal(got.values, []uint32{0, 0}) {
		t.Errorf("values = %v, want [0 0]", got.values)
	}
	for tile, r := range got.ranges {
		want := [2]uint32{}
		switch tile {
		case 3:
			want = [2]uint32{0, 1}
		case 4:
			want = [2]uint32{1, 2}
		}
		if r != want {
			t.Errorf("ranges[%d] = %v, want %v", tile, r, want)
		}
	}
}

func TestBinSkipsEmptyRects(t *testing.T) {
	got := binSortRange(t,
		[]float32{1, 2, 3},
		[]rect{{0, 0, 0, 0}, {1, 1, 2, 2}, {2, 0, 2, 3}},
		4, 4)
	if got.total != 1 {
		t.Fatalf("total = %d, want 1", got.total)
	}
	if got.values[0] != 1 || abi.KeyTile(got.keys[0]) != 5 {
		t.Errorf("pair = (%x, %d), want tile 5 point 1", got.keys[0], got.values[0])
	}
}

func checkSorted(t *testing.T, got binned) {
	t.Helper()
	for i := 1; i < len(got.keys); i++ {
		if got.keys[i-1] > got.keys[i] {
			t.Fatalf("keys[%d] = %x > keys[%d] = %x", i-1, got.keys[i-1], i, got.keys[i])
		}
		if got.keys[i-1] == got.keys[i] && got.values[i-1] >= got.values[i] {
			t.Fatalf("equal keys at %d not in point order: %d, %d", i, got.values[i-1], got.values[i])
		}
	}
}

func checkRanges(t *testing.T, got binned) {
	t.Helper()
	sum := uint32(0)
	for tile, r := range got.ranges {
		if r[1] < r[0] || r[1] > got.total {
			t.Fatalf("ranges[%d] = %v out of [0,%d]", tile, r, got.total)
		}
		for j := r[0]; j < r[1]; j++ {
			if abi.KeyTile(got.keys[j]) != uint32(tile) {
				t.Fatalf("ranges[%d] holds key of tile %d", tile, abi.KeyTile(got.keys[j]))
			}
		}
		sum += r[1] - r[0]
	}
	if sum != got.total {
		t.Fatalf("range lengths sum to %d, want %d", sum, got.total)
	}
}

func randomPoints(r *rand.Rand, n, tilesX, tilesY uint32, depths []float32) ([]float32, []rect) {
	rects := make([]rect, n)
	if depths == nil {
		depths = make([]float32, n)
		for i := range depths {
			depths[i] = 0.1 + r.Float32()*100
		}
	}
	for i := range rects {
		x0, y0 := r.Uint32N(tilesX), r.Uint32N(tilesY)
		rects[i] = rect{x0, y0, min(x0+1+r.Uint32N(3), tilesX), min(y0+1+r.Uint32N(3), tilesY)}
	}
	return depths, rects
}

func TestSortOddPassCount(t *testing.T) {
	// 64 tiles need 6 tile bits: five passes, ending in the scratch side.
	r := rand.New(rand.NewPCG(1, 2))
	depths, rects := randomPoints(r, 3000, 8, 8, nil)
	got := binSortRange(t, depths, rects, 8, 8)
	if got.total == 0 {
		t.Fatal("no keys emitted")
	}
	checkSorted(t, got)
	checkRanges(t, got)
}

func TestSortEvenPassCountIsStable(t *testing.T) {
	// One tile: four passes, and equal depths must keep point order.
	r := rand.New(rand.NewPCG(3, 4))
	n := uint32(9000)
	depths := make([]float32, n)
	for i := range depths {
		depths[i] = float32(1 + r.IntN(4))
	}
	_, rects := randomPoints(r, n, 1, 1, depths)
	got := binSortRange(t, depths, rects, 1, 1)
	if got.total != n {
		t.Fatalf("total = %d, want %d", got.total, n)
	}
	checkSorted(t, got)
	checkRanges(t, got)
	if got.ranges[0] != [2]uint32{0, n} {
		t.Errorf("ranges[0] = %v, want [0 %d]", got.ranges[0], n)
	}
}

func TestProjectSinglePoint(t *testing.T) {
	h := newHarness(t, 2, 1)
	h.write(h.bufs.Positions, f32Words(0, 0, 5, 1, 0, 0, -5, 1))
	h.write(h.bufs.Scales, f32Words(0.1, 0.1, 0.1, 0, 0.1, 0.1, 0.1, 0))
	h.write(h.bufs.Rotations, f32Words(1, 0, 0, 0, 1, 0, 0, 0))
	h.write(h.bufs.Opacities, f32Words(0.8, 0.8))
	h.write(h.bufs.SH, f32Words(0, 0, 0, 0, 0, 0))

	cam := abi.Camera{
		FocalX: 32, FocalY: 32, TanFovX: 1, TanFovY: 1,
		Width: 64, Height: 64,
	}
	cam.View[0], cam.View[5], cam.View[10], cam.View[15] = 1, 1, 1, 1
	cam.Proj[0], cam.Proj[5], cam.Proj[10], cam.Proj[11] = 1, 1, 1, 1
	if err := h.dev.WriteBuffer(h.bufs.Camera, 0, cam.Bytes()); err != nil {
		t.Fatal(err)
	}

	bind := NewBindings(&h.bufs, 2, 0)
	h.run("project", func(enc gpucore.CommandEncoder) {
		h.stages.Projector.Record(enc, bind.Project, abi.ProjectParams{
			NumPoints: 2, Near: 0.1, Far: 100, Culling: 1, ScaleModifier: 1,
			TilesX: 4, TilesY: 4, SHCoeffs: 1,
		})
		enc.Barrier(gpucore.ComputeToCompute)
		h.stages.Scanner.Record(enc, bind.Scan, &h.bufs, 2)
	})

	// The point in front covers tiles 1..2 on both axes; the one behind
	// the camera is rejected.
	if got := h.total(); got != 4 {
		t.Errorf("total = %d, want 4", got)
	}
	if got := h.read(h.bufs.Rects, 8); !slices.Equal(got, []uint32{1, 1, 3, 3, 0, 0, 0, 0}) {
		t.Errorf("rects = %v", got)
	}
	if d := math.Float32frombits(h.read(h.bufs.Depths, 1)[0]); d != 5 {
		t.Errorf("depth = %v, want 5", d)
	}
}

func TestBindingsFollowParity(t *testing.T) {
	b := Buffers{
		Counts: 1, ScanScratch: 2, Keys: 3, Values: 4, KeysScratch: 5, ValuesScratch: 6,
		Histogram: 7, Ranges: 8, Points2D: 9, Conics: 10, Colors: 11,
	}

	even := NewBindings(&b, 4, 4)
	if even.Keys[abi.KeysOffsets].Buffer != b.Counts {
		t.Errorf("2 scan steps: offsets from %d, want counts", even.Keys[abi.KeysOffsets].Buffer)
	}
	if even.Ranges[abi.RangesKeys].Buffer != b.Keys || even.Raster[abi.RasterValues].Buffer != b.Values {
		t.Error("4 passes: ranges and raster must read the primary pair")
	}

	odd := NewBindings(&b, 2, 5)
	if odd.Keys[abi.KeysOffsets].Buffer != b.ScanScratch {
		t.Errorf("1 scan step: offsets from %d, want scratch", odd.Keys[abi.KeysOffsets].Buffer)
	}
	if odd.Ranges[abi.RangesKeys].Buffer != b.KeysScratch || odd.Raster[abi.RasterValues].Buffer != b.ValuesScratch {
		t.Error("5 passes: ranges and raster must read the scratch pair")
	}

	table := odd.RasterTable(2)
	if table[abi.RasterImage].Image != 2 || odd.Raster[abi.RasterImage].Image != 0 {
		t.Error("RasterTable must patch a copy")
	}
	if !odd.References(b.Histogram) || odd.References(99) {
		t.Error("References mismatch")
	}
	// The image slot carries no buffer; Camera and the scene buffers are
	// unset here.
	if got := odd.Buffers(); !slices.Equal(got, []gpucore.BufferID{1, 9, 10, 11, 2, 3, 4, 7, 5, 6, 8}) {
		t.Errorf("Buffers = %v", got)
	}
}

func f32Words(v ...float32) []uint32 {
	out := make([]uint32, len(v))
	for i, f := range v {
		out[i] = math.Float32bits(f)
	}
	return out
}
