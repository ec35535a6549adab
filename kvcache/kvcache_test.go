package kvcache

import (
	"context"
	"math"
	"testing"

	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/cpuref"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

const (
	testNumLayers  = 2
	testNumKVHeads = 2
	testHeadDim    = 4
)

func newTestDevicePool() (*cpuref.Device, *gpu.Pool) {
	dev := cpuref.NewDevice()
	return dev, gpu.NewPool(dev)
}

func fillTensor(dev gpu.Device, rows, cols int, fill func(i, j int) float32) gpu.Tensor {
	vals := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			vals[i*cols+j] = fill(i, j)
		}
	}
	buf := dev.CreateBuffer(len(vals)*4, gpu.UsageStorage|gpu.UsageCopyDst)
	dev.WriteBuffer(buf, 0, gpu.EncodeF32(vals))
	return gpu.Tensor{Buf: buf, Dtype: gpu.DTypeF32, Shape: gpu.Shape{rows, cols}}
}

// fillF16Tensor builds a tensor whose raw bytes are f16-encoded, for
// layouts (tiered) that require kvDtype=f16.
func fillF16Tensor(dev gpu.Device, rows, cols int, fill func(i, j int) float32) gpu.Tensor {
	bytes := make([]byte, rows*cols*2)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := float16.Fromfloat32(fill(i, j)).Bits()
			off := (i*cols + j) * 2
			bytes[off], bytes[off+1] = byte(v), byte(v>>8)
		}
	}
	buf := dev.CreateBuffer(len(bytes), gpu.UsageStorage|gpu.UsageCopyDst)
	dev.WriteBuffer(buf, 0, bytes)
	return gpu.Tensor{Buf: buf, Dtype: gpu.DTypeF16, Shape: gpu.Shape{rows, cols}}
}

func readF16Tensor(t *testing.T, dev gpu.Device, tensor gpu.Tensor) []float32 {
	b, err := dev.MapAsync(context.Background(), tensor.Buf)
	require.NoError(t, err)
	defer dev.Unmap(tensor.Buf)
	out := make([]float32, len(b)/2)
	for i := range out {
		u := uint16(b[2*i]) | uint16(b[2*i+1])<<8
		out[i] = float16.Frombits(u).Float32()
	}
	return out
}

func readTensor(t *testing.T, dev gpu.Device, tensor gpu.Tensor) []float32 {
	b, err := dev.MapAsync(context.Background(), tensor.Buf)
	require.NoError(t, err)
	defer dev.Unmap(tensor.Buf)
	out := make([]float32, len(b)/4)
	for i := range out {
		u := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(u)
	}
	return out
}

func TestContiguous_PutGetRoundTrip(t *testing.T) {
	dev, pool := newTestDevicePool()
	c := &Contiguous{}
	require.NoError(t, c.Init(dev, pool, testNumLayers, testNumKVHeads, testHeadDim, gpu.DTypeF32, 16))

	dim := testNumKVHeads * testHeadDim
	require.NoError(t, c.StartForward([]int32{0, 1, 2}))
	key := fillTensor(dev, 3, dim, func(i, j int) float32 { return float32(i*10 + j) })
	val := fillTensor(dev, 3, dim, func(i, j int) float32 { return float32(i*100 + j) })
	c.SetLayer(0)
	c.Put(context.Background(), key, val)

	gotKey, gotVal, mask, kvLen, base := c.Get(context.Background())
	require.Equal(t, 3, kvLen)
	require.Equal(t, 0, base)

	kVals := readTensor(t, dev, gotKey)
	for i := 0; i < 3; i++ {
		for j := 0; j < dim; j++ {
			require.Equal(t, float32(i*10+j), kVals[i*dim+j])
		}
	}

	maskVals := readTensor(t, dev, mask)
	// row 0 (query pos 0) can only see kv pos 0.
	require.Equal(t, float32(0), maskVals[0*3+0])
	require.True(t, math.IsInf(float64(maskVals[0*3+1]), -1))
	require.True(t, math.IsInf(float64(maskVals[0*3+2]), -1))
	// row 2 (query pos 2) sees all three.
	require.Equal(t, float32(0), maskVals[2*3+0])
	require.Equal(t, float32(0), maskVals[2*3+1])
	require.Equal(t, float32(0), maskVals[2*3+2])
}

func TestContiguous_SeqLenMonotonic(t *testing.T) {
	dev, pool := newTestDevicePool()
	c := &Contiguous{}
	require.NoError(t, c.Init(dev, pool, 1, testNumKVHeads, testHeadDim, gpu.DTypeF32, 16))

	require.Equal(t, 0, c.SeqLen())
	require.NoError(t, c.StartForward([]int32{0, 1, 2}))
	require.Equal(t, 3, c.SeqLen())
	require.NoError(t, c.StartForward([]int32{3}))
	require.Equal(t, 4, c.SeqLen())
}

func TestContiguous_CacheFull(t *testing.T) {
	dev, pool := newTestDevicePool()
	c := &Contiguous{}
	require.NoError(t, c.Init(dev, pool, 1, testNumKVHeads, testHeadDim, gpu.DTypeF32, 2))
	require.ErrorIs(t, c.StartForward([]int32{0, 1, 2}), ErrCacheFull)
}

func TestSliding_WindowNeverExceedsSize(t *testing.T) {
	dev, pool := newTestDevicePool()
	c := NewSliding(4)
	require.NoError(t, c.Init(dev, pool, 1, testNumKVHeads, testHeadDim, gpu.DTypeF32, 64))

	dim := testNumKVHeads * testHeadDim
	for i := 0; i < 20; i++ {
		require.NoError(t, c.StartForward([]int32{int32(i)}))
		key := fillTensor(dev, 1, dim, func(_, j int) float32 { return float32(i) })
		val := fillTensor(dev, 1, dim, func(_, j int) float32 { return float32(i) })
		c.SetLayer(0)
		c.Put(context.Background(), key, val)

		_, _, _, kvLen, _ := c.Get(context.Background())
		require.LessOrEqual(t, kvLen, 4)
	}
	require.Equal(t, 20, c.SeqLen())
}

func TestSliding_ReadsMostRecentWindow(t *testing.T) {
	dev, pool := newTestDevicePool()
	c := NewSliding(3)
	require.NoError(t, c.Init(dev, pool, 1, testNumKVHeads, testHeadDim, gpu.DTypeF32, 64))

	dim := testNumKVHeads * testHeadDim
	for i := 0; i < 5; i++ {
		require.NoError(t, c.StartForward([]int32{int32(i)}))
		key := fillTensor(dev, 1, dim, func(_, j int) float32 { return float32(i) })
		val := fillTensor(dev, 1, dim, func(_, j int) float32 { return float32(i) })
		c.SetLayer(0)
		c.Put(context.Background(), key, val)
	}

	key, _, _, kvLen, base := c.Get(context.Background())
	require.Equal(t, 3, kvLen)
	require.Equal(t, 2, base) // positions 2,3,4 are the live window after writing 0..4
	kVals := readTensor(t, dev, key)
	require.Equal(t, float32(2), kVals[0*dim])
	require.Equal(t, float32(3), kVals[1*dim])
	require.Equal(t, float32(4), kVals[2*dim])
}

func TestPaged_GrowsLazilyAndRemoveReleasesPages(t *testing.T) {
	dev, pool := newTestDevicePool()
	c := NewPaged(4)
	require.NoError(t, c.Init(dev, pool, 1, testNumKVHeads, testHeadDim, gpu.DTypeF32, 64))

	dim := testNumKVHeads * testHeadDim
	for i := 0; i < 10; i++ {
		require.NoError(t, c.StartForward([]int32{int32(i)}))
		key := fillTensor(dev, 1, dim, func(_, j int) float32 { return float32(i) })
		val := fillTensor(dev, 1, dim, func(_, j int) float32 { return float32(i) })
		c.SetLayer(0)
		c.Put(context.Background(), key, val)
	}
	require.Equal(t, 3, len(c.keyPages[0])) // pages for positions 0-3, 4-7, 8-9

	require.NoError(t, c.Remove(4, math.MaxInt32))
	require.Equal(t, 4, c.SeqLen())
	require.Equal(t, 1, len(c.keyPages[0])) // only the first page survives a rollback to seqLen=4
}

func TestContiguous_SnapshotRestore(t *testing.T) {
	dev, pool := newTestDevicePool()
	c := &Contiguous{}
	require.NoError(t, c.Init(dev, pool, 1, testNumKVHeads, testHeadDim, gpu.DTypeF32, 16))

	dim := testNumKVHeads * testHeadDim
	require.NoError(t, c.StartForward([]int32{0, 1}))
	key := fillTensor(dev, 2, dim, func(i, j int) float32 { return float32(i*10 + j) })
	val := fillTensor(dev, 2, dim, func(i, j int) float32 { return float32(i*10 + j) })
	c.SetLayer(0)
	c.Put(context.Background(), key, val)

	snap, err := c.Snapshot()
	require.NoError(t, err)

	restored := &Contiguous{}
	require.NoError(t, restored.Init(dev, pool, 1, testNumKVHeads, testHeadDim, gpu.DTypeF32, 16))
	require.NoError(t, restored.Restore(context.Background(), snap))
	require.Equal(t, c.SeqLen(), restored.SeqLen())

	restored.SetLayer(0)
	gotKey, _, _, kvLen, _ := restored.Get(context.Background())
	require.Equal(t, 2, kvLen)
	kVals := readTensor(t, dev, gotKey)
	require.Equal(t, float32(0), kVals[0])
	require.Equal(t, float32(10), kVals[dim])
}

func TestBdpa_ReconstructionApproximatesOriginal(t *testing.T) {
	dev, pool := newTestDevicePool()
	c := NewBdpa(8, 2)
	require.NoError(t, c.Init(dev, pool, 1, testNumKVHeads, testHeadDim, gpu.DTypeF32, 64))

	dim := testNumKVHeads * testHeadDim
	for i := 0; i < 6; i++ {
		c.SetTokenIDs([]int32{int32(i % 3)})
		require.NoError(t, c.StartForward([]int32{int32(i)}))
		key := fillTensor(dev, 1, dim, func(_, j int) float32 { return float32(i) + float32(j)*0.1 })
		val := fillTensor(dev, 1, dim, func(_, j int) float32 { return float32(i) + float32(j)*0.1 })
		c.SetLayer(0)
		c.Put(context.Background(), key, val)
	}

	key, _, _, kvLen, _ := c.Get(context.Background())
	require.Equal(t, 6, kvLen)
	kVals := readTensor(t, dev, key)
	// int8 residual quantization should stay within a small absolute error
	// of the original value for this tightly clustered test data.
	for i := 0; i < 6; i++ {
		require.InDelta(t, float64(i), float64(kVals[i*dim]), 1.0)
	}
}

func TestTiered_RequiresF16(t *testing.T) {
	dev, pool := newTestDevicePool()
	c := NewTiered(4, 2, EvictLRU, 0)
	err := c.Init(dev, pool, 1, testNumKVHeads, testHeadDim, gpu.DTypeF32, 64)
	require.Error(t, err)
}

func TestTiered_EvictsAndPromotes(t *testing.T) {
	dev, pool := newTestDevicePool()
	c := NewTiered(2, 1, EvictLRU, 0)
	require.NoError(t, c.Init(dev, pool, 1, testNumKVHeads, testHeadDim, gpu.DTypeF16, 64))

	dim := testNumKVHeads * testHeadDim
	for i := 0; i < 8; i++ {
		require.NoError(t, c.StartForward([]int32{int32(i)}))
		key := fillF16Tensor(dev, 1, dim, func(_, j int) float32 { return float32(i) })
		val := fillF16Tensor(dev, 1, dim, func(_, j int) float32 { return float32(i) })
		c.SetLayer(0)
		c.Put(context.Background(), key, val)
	}
	// With hotCapacityPages=1, early pages must have been demoted to the
	// warm tier, leaving fewer hot pages than total pages written.
	require.Less(t, len(c.keyPages[0]), 8/2) // 8 positions / pageSize 2 = 4 pages written

	key, _, _, kvLen, _ := c.Get(context.Background())
	require.Equal(t, 8, kvLen)
	kVals := readF16Tensor(t, dev, key)
	require.Equal(t, float32(0), kVals[0]) // promoted back from warm tier on access
}
