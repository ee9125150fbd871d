package pipeline

import (
	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

// ScanSteps returns the number of doubling steps of an inclusive scan over
// n elements: ceil(log2(n)).
func ScanSteps(n uint32) uint32 {
	steps := uint32(0)
	for (uint64(1) << steps) < uint64(n) {
		steps++
	}
	return steps
}

// ScanResultInScratch reports whether the scan of n elements ends in the
// scratch buffer rather than in the counts buffer.
func ScanResultInScratch(n uint32) bool {
	return ScanSteps(n)%2 == 1
}

// Scanner turns per-point tile counts into inclusive prefix sums with a
// ping-pong Hillis-Steele scan, then copies the last sum to the readback
// buffer.
type Scanner struct {
	pipeline gpucore.PipelineID
}

// Record dispatches every scan step and the readback copy. The counts
// buffer is overwritten when the step count is even or zero; the scratch
// buffer otherwise.
func (s *Scanner) Record(enc gpucore.CommandEncoder, bindings []gpucore.Binding, bufs *Buffers, n uint32) {
	if n == 0 {
		return
	}
	steps := ScanSteps(n)
	for step := range steps {
		if step > 0 {
			enc.Barrier(gpucore.ComputeToCompute)
		}
		params := abi.ScanParams{Step: step, N: n, ReadFromA: 1 - step%2}
		record(enc, s.pipeline, bindings, params.Bytes(), gpucore.Workgroups(n), 1)
	}

	result := bufs.Counts
	if steps%2 == 1 {
		result = bufs.ScanScratch
	}
	enc.Barrier(gpucore.ComputeToTransfer)
	enc.CopyBuffer(result, uint64(n-1)*abi.ScalarStride, bufs.Total, 0, abi.ScalarStride)
	enc.Barrier(gpucore.TransferToHost)
}
