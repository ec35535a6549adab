package cpuref

import (
	"math"
	"unsafe"

	"github.com/dopplerml/core/gpu"
	"github.com/google/uuid"
	"github.com/x448/float16"
)

// bf16 has no dedicated dependency wired in (see DESIGN.md): it is just
// the high 16 bits of an IEEE-754 float32, truncated toward zero, so
// encode/decode is a couple of shifts rather than a library call.
func bf16Decode(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		u := uint32(raw[2*i])<<16 | uint32(raw[2*i+1])<<24
		out[i] = math.Float32frombits(u)
	}
	return out
}

func bf16Encode(vals []float32) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		u := math.Float32bits(v)
		out[2*i] = byte(u >> 16)
		out[2*i+1] = byte(u >> 24)
	}
	return out
}

func bytesToFloats(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func bytesToInts(b []byte) []int32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// readF32 decodes t's underlying buffer to a flat float32 slice
// regardless of its stored dtype, widening f16/bf16 as needed. q4_k
// blocks are dequantized using the tensor's attached quant metadata.
func readF32(t gpu.Tensor) []float32 {
	buf, ok := t.Buf.(*Buffer)
	if !ok {
		panic("cpuref: foreign buffer")
	}
	switch t.Dtype {
	case gpu.DTypeF32, gpu.DTypeOther:
		return append([]float32(nil), buf.Floats()...)
	case gpu.DTypeF16:
		raw := buf.bytes
		out := make([]float32, len(raw)/2)
		for i := range out {
			u := uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
			out[i] = float16.Frombits(u).Float32()
		}
		return out
	case gpu.DTypeBF16:
		return bf16Decode(buf.bytes)
	case gpu.DTypeQ4K:
		return dequantizeQ4K(buf.bytes)
	default:
		panic("cpuref: unsupported dtype for CPU read: " + t.Dtype.String())
	}
}

// readI32 decodes an index/position tensor (always DTypeI32) to a flat
// int32 slice.
func readI32(t gpu.Tensor) []int32 {
	buf, ok := t.Buf.(*Buffer)
	if !ok {
		panic("cpuref: foreign buffer")
	}
	if t.Dtype != gpu.DTypeI32 {
		panic("cpuref: expected i32 tensor, got " + t.Dtype.String())
	}
	return buf.Ints()
}

// dequantizeQ4K unpacks the reference device's block layout (see
// gpu.Q4KBlockBytes): per block of 32 elements, a float32 scale, a
// float32 min, then 16 bytes of packed 4-bit nibbles, reconstructed as
// min + nibble*scale.
func dequantizeQ4K(raw []byte) []float32 {
	const blockBytes = gpu.Q4KBlockBytes
	numBlocks := len(raw) / blockBytes
	out := make([]float32, 0, numBlocks*gpu.Q4KBlockSize)
	for b := 0; b < numBlocks; b++ {
		block := raw[b*blockBytes : (b+1)*blockBytes]
		scale := math.Float32frombits(uint32(block[0]) | uint32(block[1])<<8 | uint32(block[2])<<16 | uint32(block[3])<<24)
		min := math.Float32frombits(uint32(block[4]) | uint32(block[5])<<8 | uint32(block[6])<<16 | uint32(block[7])<<24)
		packed := block[8:]
		for i := 0; i < gpu.Q4KBlockSize; i++ {
			byteIdx, half := i/2, i%2
			nib := packed[byteIdx]
			var v byte
			if half == 0 {
				v = nib & 0x0F
			} else {
				v = nib >> 4
			}
			out = append(out, min+float32(v)*scale)
		}
	}
	return out
}

// quantizeQ4K packs vals into the reference device's Q4_K-like block
// layout, choosing a per-block affine scale/min that spans the block's
// min/max exactly (a uniform 4-bit quantizer, not ggml's k-means variant).
func quantizeQ4K(vals []float32) []byte {
	n := len(vals)
	numBlocks := (n + gpu.Q4KBlockSize - 1) / gpu.Q4KBlockSize
	out := make([]byte, numBlocks*gpu.Q4KBlockBytes)
	for b := 0; b < numBlocks; b++ {
		start := b * gpu.Q4KBlockSize
		end := min(start+gpu.Q4KBlockSize, n)
		blockVals := vals[start:end]

		lo, hi := blockVals[0], blockVals[0]
		for _, v := range blockVals {
			lo = float32(math.Min(float64(lo), float64(v)))
			hi = float32(math.Max(float64(hi), float64(v)))
		}
		scale := (hi - lo) / 15
		if scale == 0 {
			scale = 1
		}

		block := out[b*gpu.Q4KBlockBytes : (b+1)*gpu.Q4KBlockBytes]
		binary := math.Float32bits(scale)
		block[0], block[1], block[2], block[3] = byte(binary), byte(binary>>8), byte(binary>>16), byte(binary>>24)
		mbits := math.Float32bits(lo)
		block[4], block[5], block[6], block[7] = byte(mbits), byte(mbits>>8), byte(mbits>>16), byte(mbits>>24)

		packed := block[8:]
		for i := 0; i < gpu.Q4KBlockSize; i++ {
			var v float32
			if start+i < end {
				v = blockVals[i]
			} else {
				v = lo
			}
			nib := byte(math.Round(float64((v - lo) / scale)))
			if nib > 15 {
				nib = 15
			}
			byteIdx, half := i/2, i%2
			if half == 0 {
				packed[byteIdx] = (packed[byteIdx] &^ 0x0F) | nib
			} else {
				packed[byteIdx] = (packed[byteIdx] &^ 0xF0) | (nib << 4)
			}
		}
	}
	return out
}

// writeF32 encodes a flat float32 slice into a fresh buffer of the
// requested dtype.
func writeF32(vals []float32, dtype gpu.DType) *Buffer {
	switch dtype {
	case gpu.DTypeF32, gpu.DTypeOther:
		b := newFloatBuffer(len(vals))
		copy(bytesToFloats(b.bytes), vals)
		return b
	case gpu.DTypeF16:
		b := &Buffer{id: uuid.New(), bytes: make([]byte, len(vals)*2), usage: gpu.UsageStorage}
		for i, v := range vals {
			u := float16.Fromfloat32(v).Bits()
			b.bytes[2*i] = byte(u)
			b.bytes[2*i+1] = byte(u >> 8)
		}
		return b
	case gpu.DTypeBF16:
		return &Buffer{id: uuid.New(), bytes: bf16Encode(vals), usage: gpu.UsageStorage}
	case gpu.DTypeQ4K:
		return &Buffer{id: uuid.New(), bytes: quantizeQ4K(vals), usage: gpu.UsageStorage}
	default:
		panic("cpuref: unsupported dtype for CPU write: " + dtype.String())
	}
}

func isFinite32(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
