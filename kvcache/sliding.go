package kvcache

import (
	"context"
	"math"

	"github.com/dopplerml/core/gpu"
)

// Sliding is the sliding-window layout (spec §4.3): a ring buffer sized
// to windowSize tokens. Writes wrap around by position modulo
// windowSize; Get reassembles the valid window into position order
// before handing it to attention, since physical ring order only
// matches logical order until the first wraparound.
type Sliding struct {
	dev  gpu.Device
	pool *gpu.Pool

	numLayers, numKVHeads, headDim int
	dtype                          gpu.DType
	windowSize                     int

	keys, values []gpu.Buffer // per layer, ring buffers of windowSize rows
	curLayer     int
	seqLen       int

	slotPos      []int32 // absolute position currently held in each physical slot
	curPositions []int32
	curMask      gpu.Tensor
	windowStart  int

	assembledKeys, assembledValues []gpu.Buffer // per layer, released on next Get/Close
}

var _ Cache = (*Sliding)(nil)

// NewSliding constructs a Sliding cache for the given window size; call
// Init afterward to bind it to a device.
func NewSliding(windowSize int) *Sliding {
	return &Sliding{windowSize: windowSize}
}

func (c *Sliding) Init(dev gpu.Device, pool *gpu.Pool, numLayers, numKVHeads, headDim int, dtype gpu.DType, maxSeqLen int) error {
	c.dev, c.pool = dev, pool
	c.numLayers, c.numKVHeads, c.headDim, c.dtype = numLayers, numKVHeads, headDim, dtype
	if c.windowSize <= 0 || c.windowSize > maxSeqLen {
		c.windowSize = maxSeqLen
	}

	rowSize := rowBytes(numKVHeads, headDim, dtype)
	c.keys = make([]gpu.Buffer, numLayers)
	c.values = make([]gpu.Buffer, numLayers)
	c.assembledKeys = make([]gpu.Buffer, numLayers)
	c.assembledValues = make([]gpu.Buffer, numLayers)
	for l := 0; l < numLayers; l++ {
		c.keys[l] = dev.CreateBuffer(rowSize*c.windowSize, gpu.UsageStorage|gpu.UsageCopyDst)
		c.values[l] = dev.CreateBuffer(rowSize*c.windowSize, gpu.UsageStorage|gpu.UsageCopyDst)
	}
	c.slotPos = make([]int32, c.windowSize)
	return nil
}

func (c *Sliding) SetLayer(layer int) { c.curLayer = layer }

func (c *Sliding) StartForward(positions []int32) error {
	c.curPositions = positions
	for _, pos := range positions {
		c.slotPos[int(pos)%c.windowSize] = pos
	}
	c.seqLen += len(positions)

	c.windowStart = 0
	if c.seqLen > c.windowSize {
		c.windowStart = c.seqLen - c.windowSize
	}
	kvLen := c.seqLen - c.windowStart

	mask := buildCausalMask(positions, kvLen, c.windowStart, c.windowSize)
	c.curMask = uploadMask(c.dev, c.pool, mask, len(positions), kvLen)
	return nil
}

func (c *Sliding) Put(ctx context.Context, key, value gpu.Tensor) {
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	kb := readTensorBytes(ctx, c.dev, key)
	vb := readTensorBytes(ctx, c.dev, value)
	for i, pos := range c.curPositions {
		slot := int(pos) % c.windowSize
		c.dev.WriteBuffer(c.keys[c.curLayer], slot*rowSize, kb[i*rowSize:(i+1)*rowSize])
		c.dev.WriteBuffer(c.values[c.curLayer], slot*rowSize, vb[i*rowSize:(i+1)*rowSize])
	}
}

// Get reassembles the ring into ascending-position order, releasing the
// previous assembly for this layer back to the pool first.
func (c *Sliding) Get(ctx context.Context) (key, value, mask gpu.Tensor, kvLen, windowBase int) {
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	kvLen = c.seqLen - c.windowStart

	if buf := c.assembledKeys[c.curLayer]; buf != nil {
		c.pool.Release(buf)
		c.pool.Release(c.assembledValues[c.curLayer])
	}

	kAssembled := c.pool.Acquire(kvLen*rowSize, gpu.UsageStorage|gpu.UsageCopyDst)
	vAssembled := c.pool.Acquire(kvLen*rowSize, gpu.UsageStorage|gpu.UsageCopyDst)
	for r := 0; r < kvLen; r++ {
		abs := c.windowStart + r
		slot := abs % c.windowSize
		kRow, err := c.dev.MapAsync(ctx, c.keys[c.curLayer])
		if err != nil {
			panic(err)
		}
		c.dev.WriteBuffer(kAssembled, r*rowSize, append([]byte(nil), kRow[slot*rowSize:(slot+1)*rowSize]...))
		c.dev.Unmap(c.keys[c.curLayer])

		vRow, err := c.dev.MapAsync(ctx, c.values[c.curLayer])
		if err != nil {
			panic(err)
		}
		c.dev.WriteBuffer(vAssembled, r*rowSize, append([]byte(nil), vRow[slot*rowSize:(slot+1)*rowSize]...))
		c.dev.Unmap(c.values[c.curLayer])
	}
	c.assembledKeys[c.curLayer] = kAssembled
	c.assembledValues[c.curLayer] = vAssembled

	key = gpu.Tensor{Buf: kAssembled, Dtype: c.dtype, Shape: gpu.Shape{kvLen, c.numKVHeads, c.headDim}}
	value = gpu.Tensor{Buf: vAssembled, Dtype: c.dtype, Shape: gpu.Shape{kvLen, c.numKVHeads, c.headDim}}
	return key, value, c.curMask, kvLen, c.windowStart
}

func (c *Sliding) SeqLen() int { return c.seqLen }

func (c *Sliding) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{Layout: LayoutSliding, SeqLen: c.seqLen}
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	for l := 0; l < c.numLayers; l++ {
		kb := readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: c.keys[l]})[:c.windowSize*rowSize]
		vb := readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: c.values[l]})[:c.windowSize*rowSize]
		snap.Rows = append(snap.Rows, append(append([]byte(nil), kb...), vb...))
	}
	slotBytes := gpu.EncodeI32(c.slotPos)
	snap.Extra = map[string][]byte{"slotPos": append([]byte(nil), slotBytes...)}
	return snap, nil
}

func (c *Sliding) Restore(ctx context.Context, snap *Snapshot) error {
	if snap.Layout != LayoutSliding || len(snap.Rows) != c.numLayers {
		return ErrIncompatibleSnapshot
	}
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	n := c.windowSize * rowSize
	for l := 0; l < c.numLayers; l++ {
		combined := snap.Rows[l]
		c.dev.WriteBuffer(c.keys[l], 0, combined[:n])
		c.dev.WriteBuffer(c.values[l], 0, combined[n:2*n])
	}
	c.seqLen = snap.SeqLen
	c.windowStart = 0
	if c.seqLen > c.windowSize {
		c.windowStart = c.seqLen - c.windowSize
	}
	return nil
}

func (c *Sliding) Remove(beginIndex, endIndex int32) error {
	if endIndex == math.MaxInt32 {
		c.seqLen = int(beginIndex)
		return nil
	}
	return ErrNotSupported
}

func (c *Sliding) Clone(ctx context.Context) (Cache, error) {
	clone := NewSliding(c.windowSize)
	if err := clone.Init(c.dev, c.pool, c.numLayers, c.numKVHeads, c.headDim, c.dtype, c.windowSize); err != nil {
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

func (c *Sliding) Close() {
	for l := range c.assembledKeys {
		if c.assembledKeys[l] != nil {
			c.pool.Release(c.assembledKeys[l])
			c.pool.Release(c.assembledValues[l])
		}
	}
	c.keys, c.values = nil, nil
}
