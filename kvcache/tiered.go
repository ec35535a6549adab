package kvcache

import (
	"context"
	"math"

	"github.com/dopplerml/core/gpu"
)

// EvictMode selects how Tiered decides which pages to demote from the
// hot (GPU-resident) tier to the warm (host-resident) tier.
type EvictMode int

const (
	// EvictLRU demotes the least-recently-accessed page once the hot
	// tier exceeds its page budget.
	EvictLRU EvictMode = iota
	// EvictByWindow demotes every page whose entire token range lies
	// more than windowTokens behind the current sequence length,
	// regardless of access recency.
	EvictByWindow
)

// Tiered is the hot/warm layout (spec §4.3): a GPU-resident paged hot
// tier backed by a host-resident warm tier for pages that fall out of
// the hot budget. A page is promoted back to the hot tier the next time
// attention needs it. Only supported with kvDtype=f16.
type Tiered struct {
	dev  gpu.Device
	pool *gpu.Pool

	numLayers, numKVHeads, headDim int
	dtype                          gpu.DType
	pageSize, maxSeqLen            int

	hotCapacityPages int
	evictMode        EvictMode
	windowTokens     int // only used by EvictByWindow

	keyPages, valuePages []map[int]gpu.Buffer // per layer: page idx -> hot buffer (absent if warm or never written)
	warmKeys, warmValues []map[int][]byte     // per layer: page idx -> warm bytes

	accessOrder []int // page indices, LRU order (shared across layers, since every Get touches every page)

	curLayer     int
	seqLen       int
	curPositions []int32
	curMask      gpu.Tensor

	assembledKeys, assembledValues []gpu.Buffer
}

var _ Cache = (*Tiered)(nil)

func NewTiered(pageSize, hotCapacityPages int, mode EvictMode, windowTokens int) *Tiered {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if hotCapacityPages <= 0 {
		hotCapacityPages = 4
	}
	return &Tiered{pageSize: pageSize, hotCapacityPages: hotCapacityPages, evictMode: mode, windowTokens: windowTokens}
}

func (c *Tiered) Init(dev gpu.Device, pool *gpu.Pool, numLayers, numKVHeads, headDim int, dtype gpu.DType, maxSeqLen int) error {
	if dtype != gpu.DTypeF16 {
		return errTieredRequiresF16
	}
	c.dev, c.pool = dev, pool
	c.numLayers, c.numKVHeads, c.headDim, c.dtype = numLayers, numKVHeads, headDim, dtype
	c.maxSeqLen = maxSeqLen

	c.keyPages = make([]map[int]gpu.Buffer, numLayers)
	c.valuePages = make([]map[int]gpu.Buffer, numLayers)
	c.warmKeys = make([]map[int][]byte, numLayers)
	c.warmValues = make([]map[int][]byte, numLayers)
	for l := 0; l < numLayers; l++ {
		c.keyPages[l] = make(map[int]gpu.Buffer)
		c.valuePages[l] = make(map[int]gpu.Buffer)
		c.warmKeys[l] = make(map[int][]byte)
		c.warmValues[l] = make(map[int][]byte)
	}
	c.assembledKeys = make([]gpu.Buffer, numLayers)
	c.assembledValues = make([]gpu.Buffer, numLayers)
	return nil
}

var errTieredRequiresF16 = ttErr("kvcache: tiered layout requires kvDtype=f16")

type ttErr string

func (e ttErr) Error() string { return string(e) }

func (c *Tiered) SetLayer(layer int) { c.curLayer = layer }

func (c *Tiered) touch(page int) {
	for i, p := range c.accessOrder {
		if p == page {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			break
		}
	}
	c.accessOrder = append(c.accessOrder, page)
}

func (c *Tiered) ensureHot(l, page int) {
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	if _, ok := c.keyPages[l][page]; ok {
		c.touch(page)
		return
	}
	kbuf := c.pool.Acquire(c.pageSize*rowSize, gpu.UsageStorage|gpu.UsageCopyDst)
	vbuf := c.pool.Acquire(c.pageSize*rowSize, gpu.UsageStorage|gpu.UsageCopyDst)
	if kb, ok := c.warmKeys[l][page]; ok {
		c.dev.WriteBuffer(kbuf, 0, kb)
		c.dev.WriteBuffer(vbuf, 0, c.warmValues[l][page])
		delete(c.warmKeys[l], page)
		delete(c.warmValues[l], page)
	}
	c.keyPages[l][page] = kbuf
	c.valuePages[l][page] = vbuf
	c.touch(page)
}

// evict demotes pages past the hot budget to the warm tier.
func (c *Tiered) evict() {
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)

	switch c.evictMode {
	case EvictByWindow:
		cutoff := c.seqLen - c.windowTokens
		for l := 0; l < c.numLayers; l++ {
			for page, buf := range c.keyPages[l] {
				if (page+1)*c.pageSize > cutoff {
					continue
				}
				c.warmKeys[l][page] = readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: buf})
				c.warmValues[l][page] = readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: c.valuePages[l][page]})
				c.pool.Release(buf)
				c.pool.Release(c.valuePages[l][page])
				delete(c.keyPages[l], page)
				delete(c.valuePages[l], page)
			}
		}
	default: // EvictLRU
		for len(c.accessOrder) > c.hotCapacityPages {
			page := c.accessOrder[0]
			c.accessOrder = c.accessOrder[1:]
			for l := 0; l < c.numLayers; l++ {
				kbuf, ok := c.keyPages[l][page]
				if !ok {
					continue
				}
				c.warmKeys[l][page] = readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: kbuf})
				c.warmValues[l][page] = readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: c.valuePages[l][page]})
				c.pool.Release(kbuf)
				c.pool.Release(c.valuePages[l][page])
				delete(c.keyPages[l], page)
				delete(c.valuePages[l], page)
			}
			_ = rowSize
		}
	}
}

func (c *Tiered) StartForward(positions []int32) error {
	if c.seqLen+len(positions) > c.maxSeqLen {
		return ErrCacheFull
	}
	c.curPositions = positions
	for l := 0; l < c.numLayers; l++ {
		for _, pos := range positions {
			c.ensureHot(l, int(pos)/c.pageSize)
		}
	}
	c.seqLen += len(positions)
	c.evict()

	kvLen := c.seqLen
	mask := buildCausalMask(positions, kvLen, 0, 0)
	c.curMask = uploadMask(c.dev, c.pool, mask, len(positions), kvLen)
	return nil
}

func (c *Tiered) Put(ctx context.Context, key, value gpu.Tensor) {
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	kb := readTensorBytes(ctx, c.dev, key)
	vb := readTensorBytes(ctx, c.dev, value)
	for i, pos := range c.curPositions {
		page, slot := int(pos)/c.pageSize, int(pos)%c.pageSize
		c.dev.WriteBuffer(c.keyPages[c.curLayer][page], slot*rowSize, kb[i*rowSize:(i+1)*rowSize])
		c.dev.WriteBuffer(c.valuePages[c.curLayer][page], slot*rowSize, vb[i*rowSize:(i+1)*rowSize])
	}
}

func (c *Tiered) Get(ctx context.Context) (key, value, mask gpu.Tensor, kvLen, windowBase int) {
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
		c.ensureHot(c.curLayer, page) // promotion on access
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

func (c *Tiered) SeqLen() int { return c.seqLen }

// Snapshot for a tiered cache is copy-on-write in spirit: it captures
// warm-tier bytes directly and reads hot-tier bytes without disturbing
// residency, rather than forcing every page hot first.
func (c *Tiered) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{Layout: LayoutTiered, SeqLen: c.seqLen}
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	for l := 0; l < c.numLayers; l++ {
		var kb, vb []byte
		for pos := 0; pos < c.seqLen; pos++ {
			page, slot := pos/c.pageSize, pos%c.pageSize
			if buf, ok := c.keyPages[l][page]; ok {
				full := readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: buf})
				kb = append(kb, full[slot*rowSize:(slot+1)*rowSize]...)
				full = readTensorBytes(context.Background(), c.dev, gpu.Tensor{Buf: c.valuePages[l][page]})
				vb = append(vb, full[slot*rowSize:(slot+1)*rowSize]...)
			} else {
				kb = append(kb, c.warmKeys[l][page][slot*rowSize:(slot+1)*rowSize]...)
				vb = append(vb, c.warmValues[l][page][slot*rowSize:(slot+1)*rowSize]...)
			}
		}
		snap.Rows = append(snap.Rows, append(kb, vb...))
	}
	return snap, nil
}

func (c *Tiered) Restore(ctx context.Context, snap *Snapshot) error {
	if snap.Layout != LayoutTiered || len(snap.Rows) != c.numLayers {
		return ErrIncompatibleSnapshot
	}
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	n := snap.SeqLen * rowSize
	for l := 0; l < c.numLayers; l++ {
		combined := snap.Rows[l]
		kb, vb := combined[:n], combined[n:2*n]
		for pos := 0; pos < snap.SeqLen; pos++ {
			page := pos / c.pageSize
			c.ensureHot(l, page)
			slot := pos % c.pageSize
			c.dev.WriteBuffer(c.keyPages[l][page], slot*rowSize, kb[pos*rowSize:(pos+1)*rowSize])
			c.dev.WriteBuffer(c.valuePages[l][page], slot*rowSize, vb[pos*rowSize:(pos+1)*rowSize])
		}
	}
	c.seqLen = snap.SeqLen
	c.evict()
	return nil
}

func (c *Tiered) Remove(beginIndex, endIndex int32) error {
	if endIndex != math.MaxInt32 {
		return ErrNotSupported
	}
	newSeqLen := int(beginIndex)
	keepPages := (newSeqLen + c.pageSize - 1) / c.pageSize
	for l := 0; l < c.numLayers; l++ {
		for page := range c.keyPages[l] {
			if page >= keepPages {
				c.pool.Release(c.keyPages[l][page])
				c.pool.Release(c.valuePages[l][page])
				delete(c.keyPages[l], page)
				delete(c.valuePages[l], page)
			}
		}
		for page := range c.warmKeys[l] {
			if page >= keepPages {
				delete(c.warmKeys[l], page)
				delete(c.warmValues[l], page)
			}
		}
	}
	c.seqLen = newSeqLen
	return nil
}

func (c *Tiered) Clone(ctx context.Context) (Cache, error) {
	clone := NewTiered(c.pageSize, c.hotCapacityPages, c.evictMode, c.windowTokens)
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

func (c *Tiered) Close() {
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
