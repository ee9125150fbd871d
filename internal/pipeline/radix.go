package pipeline

import (
	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

// SortResultInScratch reports whether a sort with the given pass count ends
// in the scratch key/value buffers.
func SortResultInScratch(passes uint32) bool {
	return passes%2 == 1
}

// Sorter is a stable least-significant-digit radix sort over 64-bit keys
// with 8-bit digits. Each pass builds per-workgroup digit histograms and
// then scatters keys and values into the other buffer pair.
type Sorter struct {
	histogram gpucore.PipelineID
	scatter   gpucore.PipelineID
}

// Passes returns the pass count for a tile grid.
func (s *Sorter) Passes(tiles uint32) uint32 {
	return abi.RadixPasses(tiles)
}

// Record dispatches passes histogram/scatter pairs over n keys. Pass p reads
// the primary buffers when p is even and the scratch buffers when odd.
func (s *Sorter) Record(enc gpucore.CommandEncoder, bindings *Bindings, n, passes uint32) {
	if n == 0 {
		return
	}
	wg := abi.RadixWorkgroups(n)
	for pass := range passes {
		if pass > 0 {
			enc.Barrier(gpucore.ComputeToCompute)
		}
		params := abi.RadixParams{
			NumElements:   n,
			Shift:         pass * abi.RadixBits,
			NumWorkgroups: wg,
			BlocksPerWG:   abi.BlocksPerWorkgroup,
		}.Bytes()
		side := pass % 2
		record(enc, s.histogram, bindings.Histogram[side], params, wg, 1)
		enc.Barrier(gpucore.ComputeToCompute)
		record(enc, s.scatter, bindings.Scatter[side], params, wg, 1)
	}
}
