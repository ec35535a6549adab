package kvcache

import (
	"context"
	"math"

	"github.com/dopplerml/core/gpu"
)

// Contiguous is the dense ⟨maxSeqLen, numKVHeads, headDim⟩-per-layer
// layout (spec §4.3): simplest, used whenever the whole history fits in
// one device buffer under the binding-size limit.
type Contiguous struct {
	dev  gpu.Device
	pool *gpu.Pool

	numLayers, numKVHeads, headDim int
	dtype                          gpu.DType
	maxSeqLen                      int

	keys, values []gpu.Buffer // per layer, full-capacity buffers
	curLayer     int
	seqLen       int

	curPositions []int32
	curMask      gpu.Tensor
}

var _ Cache = (*Contiguous)(nil)

func (c *Contiguous) Init(dev gpu.Device, pool *gpu.Pool, numLayers, numKVHeads, headDim int, dtype gpu.DType, maxSeqLen int) error {
	c.dev, c.pool = dev, pool
	c.numLayers, c.numKVHeads, c.headDim, c.dtype = numLayers, numKVHeads, headDim, dtype
	c.maxSeqLen = maxSeqLen

	rowSize := rowBytes(numKVHeads, headDim, dtype)
	cap := int64(rowSize) * int64(maxSeqLen)
	if lim := dev.Limits().MaxStorageBufferBindingSize; lim > 0 && cap > lim {
		return errCacheOverflow(cap, lim)
	}

	c.keys = make([]gpu.Buffer, numLayers)
	c.values = make([]gpu.Buffer, numLayers)
	for l := 0; l < numLayers; l++ {
		c.keys[l] = dev.CreateBuffer(rowSize*maxSeqLen, gpu.UsageStorage|gpu.UsageCopyDst)
		c.values[l] = dev.CreateBuffer(rowSize*maxSeqLen, gpu.UsageStorage|gpu.UsageCopyDst)
	}
	return nil
}

func (c *Contiguous) SetLayer(layer int) { c.curLayer = layer }

func (c *Contiguous) StartForward(positions []int32) error {
	if c.seqLen+len(positions) > c.maxSeqLen {
		return ErrCacheFull
	}
	c.curPositions = positions
	c.seqLen += len(positions)

	kvLen := c.seqLen
	mask := buildCausalMask(positions, kvLen, 0, 0)
	c.curMask = uploadMask(c.dev, c.pool, mask, len(positions), kvLen)
	return nil
}

func (c *Contiguous) Put(ctx context.Context, key, value gpu.Tensor) {
	start := c.seqLen - len(c.curPositions)
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)

	kb := readTensorBytes(ctx, c.dev, key)
	vb := readTensorBytes(ctx, c.dev, value)
	c.dev.WriteBuffer(c.keys[c.curLayer], start*rowSize, kb)
	c.dev.WriteBuffer(c.values[c.curLayer], start*rowSize, vb)
}

func (c *Contiguous) Get(ctx context.Context) (key, value, mask gpu.Tensor, kvLen, windowBase int) {
	kvLen = c.seqLen
	key = gpu.Tensor{Buf: c.keys[c.curLayer], Dtype: c.dtype, Shape: gpu.Shape{c.maxSeqLen, c.numKVHeads, c.headDim}}
	value = gpu.Tensor{Buf: c.values[c.curLayer], Dtype: c.dtype, Shape: gpu.Shape{c.maxSeqLen, c.numKVHeads, c.headDim}}
	return key, value, c.curMask, kvLen, 0
}

func (c *Contiguous) SeqLen() int { return c.seqLen }

func (c *Contiguous) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{Layout: LayoutContiguous, SeqLen: c.seqLen}
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	n := c.seqLen * rowSize
	for l := 0; l < c.numLayers; l++ {
		kb := readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: c.keys[l]})[:n]
		vb := readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: c.values[l]})[:n]
		snap.Rows = append(snap.Rows, append(append([]byte(nil), kb...), vb...))
	}
	return snap, nil
}

func (c *Contiguous) Restore(ctx context.Context, snap *Snapshot) error {
	if snap.Layout != LayoutContiguous || len(snap.Rows) != c.numLayers {
		return ErrIncompatibleSnapshot
	}
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	n := snap.SeqLen * rowSize
	for l := 0; l < c.numLayers; l++ {
		combined := snap.Rows[l]
		c.dev.WriteBuffer(c.keys[l], 0, combined[:n])
		c.dev.WriteBuffer(c.values[l], 0, combined[n:2*n])
	}
	c.seqLen = snap.SeqLen
	return nil
}

func (c *Contiguous) Remove(beginIndex, endIndex int32) error {
	if endIndex == math.MaxInt32 {
		c.seqLen = int(beginIndex)
		return nil
	}
	return ErrNotSupported // mid-sequence removal needs a shift function this reference layout does not wire
}

func (c *Contiguous) Clone(ctx context.Context) (Cache, error) {
	clone := &Contiguous{}
	if err := clone.Init(c.dev, c.pool, c.numLayers, c.numKVHeads, c.headDim, c.dtype, c.maxSeqLen); err != nil {
		return nil, err
	}
	snap, err := c.Snapshot()
	if err != nil {
		return nil, err
	}
	if err := clone.Restore(ctx, snap); err != nil {
		return nil, err
	}
	return clone, nil
}

func (c *Contiguous) Close() {
	// cpuref buffers are garbage collected like any other Go value once
	// unreferenced; a real device would release them here.
	c.keys, c.values = nil, nil
}

func errCacheOverflow(requested, limit int64) error {
	return &cacheOverflowError{requested, limit}
}

type cacheOverflowError struct{ requested, limit int64 }

func (e *cacheOverflowError) Error() string {
	return "kvcache: requested capacity exceeds device binding size limit"
}
