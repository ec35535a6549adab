package gpu

import "unsafe"

// EncodeI32 packs a slice of int32 (token ids, cache positions) into the
// little-endian byte layout every Device stores buffers in. Callers build
// index/position tensors with this rather than reaching into a specific
// Device implementation.
func EncodeI32(vals []int32) []byte {
	if len(vals) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&vals[0])), len(vals)*4)
}

// EncodeF32 packs a slice of float32 into the little-endian byte layout
// every Device stores buffers in.
func EncodeF32(vals []float32) []byte {
	if len(vals) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&vals[0])), len(vals)*4)
}
