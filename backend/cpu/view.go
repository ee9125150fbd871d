package cpu

import (
	"fmt"
	"unsafe"
)

// Buffers are viewed in place as typed slices. The pipeline's binary
// interface is little-endian, as is every host the CPU device runs on.

func u32s(b []byte) []uint32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func f32s(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// need checks that a bound buffer holds at least n bytes.
func (r *resources) need(slot int, n uint64, what string) error {
	if uint64(len(r.buffers[slot])) < n {
		return fmt.Errorf("%s buffer (binding %d) holds %d bytes, need %d", what, slot, len(r.buffers[slot]), n)
	}
	return nil
}
