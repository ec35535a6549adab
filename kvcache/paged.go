package kvcache

import (
	"context"
	"math"

	"github.com/dopplerml/core/gpu"
)

// Paged is the page-table layout (spec §4.3): keys/values are stored in
// pageSize-token pages acquired lazily from the pool as positions are
// written, so the total footprint is never allocated up front and can
// exceed what a single device buffer binding would allow.
type Paged struct {
	dev  gpu.Device
	pool *gpu.Pool

	numLayers, numKVHeads, headDim int
	dtype                          gpu.DType
	pageSize                       int
	maxSeqLen                      int

	keyPages, valuePages [][]gpu.Buffer // per layer, per page index
	curLayer             int
	seqLen               int

	curPositions []int32
	curMask      gpu.Tensor

	assembledKeys, assembledValues []gpu.Buffer // per layer, released on next Get/Close
}

var _ Cache = (*Paged)(nil)

func NewPaged(pageSize int) *Paged {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Paged{pageSize: pageSize}
}

func (c *Paged) Init(dev gpu.Device, pool *gpu.Pool, numLayers, numKVHeads, headDim int, dtype gpu.DType, maxSeqLen int) error {
	c.dev, c.pool = dev, pool
	c.numLayers, c.numKVHeads, c.headDim, c.dtype = numLayers, numKVHeads, headDim, dtype
	c.maxSeqLen = maxSeqLen

	c.keyPages = make([][]gpu.Buffer, numLayers)
	c.valuePages = make([][]gpu.Buffer, numLayers)
	c.assembledKeys = make([]gpu.Buffer, numLayers)
	c.assembledValues = make([]gpu.Buffer, numLayers)
	return nil
}

func (c *Paged) SetLayer(layer int) { c.curLayer = layer }

// ensurePage lazily acquires page index idx for layer l, for both the
// key and value page lists.
func (c *Paged) ensurePage(l, idx int) {
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	for len(c.keyPages[l]) <= idx {
		c.keyPages[l] = append(c.keyPages[l], c.pool.Acquire(c.pageSize*rowSize, gpu.UsageStorage|gpu.UsageCopyDst))
		c.valuePages[l] = append(c.valuePages[l], c.pool.Acquire(c.pageSize*rowSize, gpu.UsageStorage|gpu.UsageCopyDst))
	}
}

func (c *Paged) StartForward(positions []int32) error {
	if c.seqLen+len(positions) > c.maxSeqLen {
		return ErrCacheFull
	}
	c.curPositions = positions
	for l := 0; l < c.numLayers; l++ {
		for _, pos := range positions {
			c.ensurePage(l, int(pos)/c.pageSize)
		}
	}
	c.seqLen += len(positions)

	kvLen := c.seqLen
	mask := buildCausalMask(positions, kvLen, 0, 0)
	c.curMask = uploadMask(c.dev, c.pool, mask, len(positions), kvLen)
	return nil
}

func (c *Paged) Put(ctx context.Context, key, value gpu.Tensor) {
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	kb := readTensorBytes(ctx, c.dev, key)
	vb := readTensorBytes(ctx, c.dev, value)
	for i, pos := range c.curPositions {
		page, slot := int(pos)/c.pageSize, int(pos)%c.pageSize
		c.dev.WriteBuffer(c.keyPages[c.curLayer][page], slot*rowSize, kb[i*rowSize:(i+1)*rowSize])
		c.dev.WriteBuffer(c.valuePages[c.curLayer][page], slot*rowSize, vb[i*rowSize:(i+1)*rowSize])
	}
}

func (c *Paged) Get(ctx context.Context) (key, value, mask gpu.Tensor, kvLen, windowBase int) {
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	kvLen = c.seqLen

	if buf := c.assembledKeys[c.curLayer]; buf != nil {
		c.pool.Release(buf)
		c.pool.Release(c.assembledValues[c.curLayer])
	}

	kAssembled := c.pool.Acquire(kvLen*rowSize, gpu.UsageStorage|gpu.UsageCopyDst)
	vAssembled := c.pool.Acquire(kvLen*rowSize, gpu.UsageStorage|gpu.UsageCopyDst)
	for pos := 0; pos < kvLen; pos++ {
		page, slot := pos/c.pageSize, pos%c.pageSize
		kRow, err := c.dev.MapAsync(ctx, c.keyPages[c.curLayer][page])
		if err != nil {
			panic(err)
		}
		c.dev.WriteBuffer(kAssembled, pos*rowSize, append([]byte(nil), kRow[slot*rowSize:(slot+1)*rowSize]...))
		c.dev.Unmap(c.keyPages[c.curLayer][page])

		vRow, err := c.dev.MapAsync(ctx, c.valuePages[c.curLayer][page])
		if err != nil {
			panic(err)
		}
		c.dev.WriteBuffer(vAssembled, pos*rowSize, append([]byte(nil), vRow[slot*rowSize:(slot+1)*rowSize]...))
		c.dev.Unmap(c.valuePages[c.curLayer][page])
	}
	c.assembledKeys[c.curLayer] = kAssembled
	c.assembledValues[c.curLayer] = vAssembled

	key = gpu.Tensor{Buf: kAssembled, Dtype: c.dtype, Shape: gpu.Shape{kvLen, c.numKVHeads, c.headDim}}
	value = gpu.Tensor{Buf: vAssembled, Dtype: c.dtype, Shape: gpu.Shape{kvLen, c.numKVHeads, c.headDim}}
	return key, value, c.curMask, kvLen, 0
}

func (c *Paged) SeqLen() int { return c.seqLen }

func (c *Paged) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{Layout: LayoutPaged, SeqLen: c.seqLen}
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	n := c.seqLen * rowSize
	for l := 0; l < c.numLayers; l++ {
		var kb, vb []byte
		for pos := 0; pos < c.seqLen; pos++ {
			page, slot := pos/c.pageSize, pos%c.pageSize
			full := readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: c.keyPages[l][page]})
			kb = append(kb, full[slot*rowSize:(slot+1)*rowSize]...)
			full = readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: c.valuePages[l][page]})
			vb = append(vb, full[slot*rowSize:(slot+1)*rowSize]...)
		}
		snap.Rows = append(snap.Rows, append(kb, vb...))
	}
	_ = n
	return snap, nil
}

func (c *Paged) Restore(ctx context.Context, snap *Snapshot) error {
	if snap.Layout != LayoutPaged || len(snap.Rows) != c.numLayers {
		return ErrIncompatibleSnapshot
	}
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	n := snap.SeqLen * rowSize
	for l := 0; l < c.numLayers; l++ {
		combined := snap.Rows[l]
		kb, vb := combined[:n], combined[n:2*n]
		for pos := 0; pos < snap.SeqLen; pos++ {
			c.ensurePage(l, pos/c.pageSize)
			page, slot := pos/c.pageSize, pos%c.pageSize
			c.dev.WriteBuffer(c.keyPages[l][page], slot*rowSize, kb[pos*rowSize:(pos+1)*rowSize])
			c.dev.WriteBuffer(c.valuePages[l][page], slot*rowSize, vb[pos*rowSize:(pos+1)*rowSize])
		}
	}
	c.seqLen = snap.SeqLen
	return nil
}

// Remove truncates the logical sequence to beginIndex and releases any
// pages acquired entirely past the new length back to the pool — the
// finiteness-guard rollback contract (spec §7 Open Questions).
func (c *Paged) Remove(beginIndex, endIndex int32) error {
	if endIndex != math.MaxInt32 {
		return ErrNotSupported
	}
	newSeqLen := int(beginIndex)
	keepPages := (newSeqLen + c.pageSize - 1) / c.pageSize
	for l := 0; l < c.numLayers; l++ {
		for len(c.keyPages[l]) > keepPages {
			last := len(c.keyPages[l]) - 1
			c.pool.Release(c.keyPages[l][last])
			c.pool.Release(c.valuePages[l][last])
			c.keyPages[l] = c.keyPages[l][:last]
			c.valuePages[l] = c.valuePages[l][:last]
		}
	}
	c.seqLen = newSeqLen
	return nil
}

func (c *Paged) Clone(ctx context.Context) (Cache, error) {
	clone := NewPaged(c.pageSize)
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

func (c *Paged) Close() {
	for l := range c.keyPages {
		for _, b := range c.keyPages[l] {
			c.pool.Release(b)
		}
		for _, b := range c.valuePages[l] {
			c.pool.Release(b)
		}
		if c.assembledKeys[l] != nil {
			c.pool.Release(c.assembledKeys[l])
			c.pool.Release(c.assembledValues[l])
		}
	}
	c.keyPages, c.valuePages = nil, nil
}
