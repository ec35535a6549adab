package kvcache

import (
	"context"
	"math"

	"github.com/dopplerml/core/gpu"
)

// TokenAware is implemented by caches that need the vocabulary token id
// of each position, not just its sequence position, to organize storage
// (currently only BDPA: "tokens within a page are sorted by token id").
// The layer engine type-asserts for this before calling StartForward
// when the active cache might be a Bdpa.
type TokenAware interface {
	SetTokenIDs(ids []int32)
}

type bdpaPage struct {
	tokenIDs  []int32
	positions []int32
	keysF32   [][]float32
	valsF32   [][]float32

	basisPtr   []int32
	kCentroid  [][]float32
	vCentroid  [][]float32
	kScale     []float32
	vScale     []float32
	kResidual  [][]int8
	vResidual  [][]int8
}

// Bdpa is the basis-decomposed paged layout (spec §4.3): within each
// page, tokens are grouped by an LSD radix sort on token id into
// numBasis centroid groups; each token gets an int8 residual against its
// group's centroid plus a basis index, and the page also keeps the raw
// f32 vectors that recomputation and Snapshot read. Centroids are
// recomputed every time a token is added to a page (this module's
// resolution of the source's unspecified "recompute vs. rolling
// centroid" choice — see DESIGN.md).
type Bdpa struct {
	dev  gpu.Device
	pool *gpu.Pool

	numLayers, numKVHeads, headDim int
	dtype                          gpu.DType
	pageSize, numBasis, maxSeqLen  int

	pages        [][]*bdpaPage // per layer, per page index
	curLayer     int
	seqLen       int

	curPositions []int32
	curTokenIDs  []int32
	curMask      gpu.Tensor

	assembledKeys, assembledValues []gpu.Buffer
}

var _ Cache = (*Bdpa)(nil)
var _ TokenAware = (*Bdpa)(nil)

func NewBdpa(pageSize, numBasis int) *Bdpa {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if numBasis <= 0 {
		numBasis = 4
	}
	return &Bdpa{pageSize: pageSize, numBasis: numBasis}
}

func (c *Bdpa) Init(dev gpu.Device, pool *gpu.Pool, numLayers, numKVHeads, headDim int, dtype gpu.DType, maxSeqLen int) error {
	c.dev, c.pool = dev, pool
	c.numLayers, c.numKVHeads, c.headDim, c.dtype = numLayers, numKVHeads, headDim, dtype
	c.maxSeqLen = maxSeqLen
	c.pages = make([][]*bdpaPage, numLayers)
	c.assembledKeys = make([]gpu.Buffer, numLayers)
	c.assembledValues = make([]gpu.Buffer, numLayers)
	return nil
}

func (c *Bdpa) SetLayer(layer int) { c.curLayer = layer }

// SetTokenIDs must be called before StartForward for the batch it
// describes; BDPA sorts each page's tokens by these ids.
func (c *Bdpa) SetTokenIDs(ids []int32) { c.curTokenIDs = ids }

func (c *Bdpa) pageFor(l, idx int) *bdpaPage {
	for len(c.pages[l]) <= idx {
		c.pages[l] = append(c.pages[l], &bdpaPage{})
	}
	return c.pages[l][idx]
}

func (c *Bdpa) StartForward(positions []int32) error {
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

func (c *Bdpa) Put(ctx context.Context, key, value gpu.Tensor) {
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	dim := c.numKVHeads * c.headDim
	kb := readTensorBytes(ctx, c.dev, key)
	vb := readTensorBytes(ctx, c.dev, value)

	for i, pos := range c.curPositions {
		page := int(pos) / c.pageSize
		p := c.pageFor(c.curLayer, page)

		kVec := bytesToF32Copy(kb[i*rowSize:(i+1)*rowSize], dim, c.dtype)
		vVec := bytesToF32Copy(vb[i*rowSize:(i+1)*rowSize], dim, c.dtype)

		tokenID := int32(0)
		if i < len(c.curTokenIDs) {
			tokenID = c.curTokenIDs[i]
		}

		p.tokenIDs = append(p.tokenIDs, tokenID)
		p.positions = append(p.positions, pos)
		p.keysF32 = append(p.keysF32, kVec)
		p.valsF32 = append(p.valsF32, vVec)

		recomputeCentroids(p, c.numBasis)
	}
}

// recomputeCentroids performs the LSD radix sort on token id, splits the
// sorted order into numBasis roughly-even groups, and re-quantizes every
// token in the page against its group's centroid.
func recomputeCentroids(p *bdpaPage, numBasis int) {
	n := len(p.tokenIDs)
	if n == 0 {
		return
	}
	order := radixSortIndices(p.tokenIDs)

	groups := min(numBasis, n)
	dim := len(p.keysF32[0])
	p.kCentroid = make([][]float32, groups)
	p.vCentroid = make([][]float32, groups)
	p.kScale = make([]float32, groups)
	p.vScale = make([]float32, groups)
	p.basisPtr = make([]int32, n)
	p.kResidual = make([][]int8, n)
	p.vResidual = make([][]int8, n)

	base := n / groups
	extra := n % groups
	pos := 0
	for g := 0; g < groups; g++ {
		size := base
		if g < extra {
			size++
		}
		members := order[pos : pos+size]
		pos += size

		kc := make([]float32, dim)
		vc := make([]float32, dim)
		for _, idx := range members {
			for d := 0; d < dim; d++ {
				kc[d] += p.keysF32[idx][d]
				vc[d] += p.valsF32[idx][d]
			}
		}
		for d := 0; d < dim; d++ {
			kc[d] /= float32(len(members))
			vc[d] /= float32(len(members))
		}
		p.kCentroid[g] = kc
		p.vCentroid[g] = vc

		var kMaxAbs, vMaxAbs float32
		for _, idx := range members {
			p.basisPtr[idx] = int32(g)
			for d := 0; d < dim; d++ {
				kr := p.keysF32[idx][d] - kc[d]
				vr := p.valsF32[idx][d] - vc[d]
				kMaxAbs = maxAbs(kMaxAbs, kr)
				vMaxAbs = maxAbs(vMaxAbs, vr)
			}
		}
		kScale := kMaxAbs / 127
		if kScale == 0 {
			kScale = 1
		}
		vScale := vMaxAbs / 127
		if vScale == 0 {
			vScale = 1
		}
		p.kScale[g] = kScale
		p.vScale[g] = vScale

		for _, idx := range members {
			kRes := make([]int8, dim)
			vRes := make([]int8, dim)
			for d := 0; d < dim; d++ {
				kRes[d] = quantInt8((p.keysF32[idx][d] - kc[d]) / kScale)
				vRes[d] = quantInt8((p.valsF32[idx][d] - vc[d]) / vScale)
			}
			p.kResidual[idx] = kRes
			p.vResidual[idx] = vRes
		}
	}
}

func quantInt8(v float32) int8 {
	r := math.Round(float64(v))
	if r > 127 {
		r = 127
	}
	if r < -128 {
		r = -128
	}
	return int8(r)
}

func maxAbs(cur, v float32) float32 {
	if v < 0 {
		v = -v
	}
	if v > cur {
		return v
	}
	return cur
}

// reconstruct rebuilds token idx's key/value vector as
// centroid[basisPtr[idx]] + deQ8(residual[idx]).
func (p *bdpaPage) reconstruct(idx int) (k, v []float32) {
	g := p.basisPtr[idx]
	dim := len(p.kCentroid[g])
	k = make([]float32, dim)
	v = make([]float32, dim)
	for d := 0; d < dim; d++ {
		k[d] = p.kCentroid[g][d] + float32(p.kResidual[idx][d])*p.kScale[g]
		v[d] = p.vCentroid[g][d] + float32(p.vResidual[idx][d])*p.vScale[g]
	}
	return k, v
}

// radixSortIndices returns the indices of ids in ascending order using
// an 8-bit-digit LSD radix sort over four passes (token ids are
// non-negative vocabulary indices, so no sign handling is needed).
func radixSortIndices(ids []int32) []int {
	n := len(ids)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	buf := make([]int, n)
	for shift := uint(0); shift < 32; shift += 8 {
		var count [257]int
		for _, idx := range order {
			digit := (uint32(ids[idx]) >> shift) & 0xFF
			count[digit+1]++
		}
		for d := 0; d < 256; d++ {
			count[d+1] += count[d]
		}
		for _, idx := range order {
			digit := (uint32(ids[idx]) >> shift) & 0xFF
			buf[count[digit]] = idx
			count[digit]++
		}
		order, buf = buf, order
	}
	return order
}

func bytesToF32Copy(b []byte, n int, dtype gpu.DType) []float32 {
	// BDPA always receives already-widened f32 key/value tensors from the
	// layer engine (attention inputs are projected in the model's
	// activation dtype, which the execution plan keeps at f32 or f16;
	// for f16 the caller widens before Put). Treat b as packed f32.
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		u := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(u)
	}
	return out
}

func f32ToBytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		u := math.Float32bits(v)
		out[4*i], out[4*i+1], out[4*i+2], out[4*i+3] = byte(u), byte(u>>8), byte(u>>16), byte(u>>24)
	}
	return out
}

func (c *Bdpa) Get(ctx context.Context) (key, value, mask gpu.Tensor, kvLen, windowBase int) {
	rowSize := rowBytes(c.numKVHeads, c.headDim, c.dtype)
	kvLen = c.seqLen

	if buf := c.assembledKeys[c.curLayer]; buf != nil {
		c.pool.Release(buf)
		c.pool.Release(c.assembledValues[c.curLayer])
	}

	kAssembled := c.pool.Acquire(kvLen*rowSize, gpu.UsageStorage|gpu.UsageCopyDst)
	vAssembled := c.pool.Acquire(kvLen*rowSize, gpu.UsageStorage|gpu.UsageCopyDst)
	for pos := 0; pos < kvLen; pos++ {
		pageIdx, slot := pos/c.pageSize, pos%c.pageSize
		p := c.pages[c.curLayer][pageIdx]
		k, v := p.reconstruct(slot)
		c.dev.WriteBuffer(kAssembled, pos*rowSize, f32ToBytes(k))
		c.dev.WriteBuffer(vAssembled, pos*rowSize, f32ToBytes(v))
	}
	c.assembledKeys[c.curLayer] = kAssembled
	c.assembledValues[c.curLayer] = vAssembled

	key = gpu.Tensor{Buf: kAssembled, Dtype: c.dtype, Shape: gpu.Shape{kvLen, c.numKVHeads, c.headDim}}
	value = gpu.Tensor{Buf: vAssembled, Dtype: c.dtype, Shape: gpu.Shape{kvLen, c.numKVHeads, c.headDim}}
	return key, value, c.curMask, kvLen, 0
}

func (c *Bdpa) SeqLen() int { return c.seqLen }

// Snapshot captures raw (pre-quantization) vectors and token ids so
// Restore can rebuild pages exactly, rather than round-tripping through
// the lossy int8 residual form.
func (c *Bdpa) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{Layout: LayoutBDPA, SeqLen: c.seqLen}
	for l := 0; l < c.numLayers; l++ {
		var raw []byte
		for pos := 0; pos < c.seqLen; pos++ {
			pageIdx, slot := pos/c.pageSize, pos%c.pageSize
			p := c.pages[l][pageIdx]
			raw = append(raw, int32ToBytes(p.tokenIDs[slot])...)
			raw = append(raw, f32ToBytes(p.keysF32[slot])...)
			raw = append(raw, f32ToBytes(p.valsF32[slot])...)
		}
		snap.Rows = append(snap.Rows, raw)
	}
	return snap, nil
}

func int32ToBytes(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

func bytesToInt32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func (c *Bdpa) Restore(ctx context.Context, snap *Snapshot) error {
	if snap.Layout != LayoutBDPA || len(snap.Rows) != c.numLayers {
		return ErrIncompatibleSnapshot
	}
	dim := c.numKVHeads * c.headDim
	recordSize := 4 + dim*4*2
	c.pages = make([][]*bdpaPage, c.numLayers)
	for l := 0; l < c.numLayers; l++ {
		raw := snap.Rows[l]
		for pos := 0; pos < snap.SeqLen; pos++ {
			rec := raw[pos*recordSize : (pos+1)*recordSize]
			tokenID := bytesToInt32(rec[:4])
			k := bytesToF32Copy(rec[4:4+dim*4], dim, c.dtype)
			v := bytesToF32Copy(rec[4+dim*4:], dim, c.dtype)

			pageIdx := pos / c.pageSize
			p := c.pageFor(l, pageIdx)
			p.tokenIDs = append(p.tokenIDs, tokenID)
			p.positions = append(p.positions, int32(pos))
			p.keysF32 = append(p.keysF32, k)
			p.valsF32 = append(p.valsF32, v)
			recomputeCentroids(p, c.numBasis)
		}
	}
	c.seqLen = snap.SeqLen
	return nil
}

func (c *Bdpa) Remove(beginIndex, endIndex int32) error {
	if endIndex != math.MaxInt32 {
		return ErrNotSupported
	}
	newSeqLen := int(beginIndex)
	keepPages := (newSeqLen + c.pageSize - 1) / c.pageSize
	for l := 0; l < c.numLayers; l++ {
		if len(c.pages[l]) > keepPages {
			c.pages[l] = c.pages[l][:keepPages]
		}
	}
	if rem := newSeqLen % c.pageSize; rem != 0 && keepPages > 0 && keepPages <= len(c.pages[0]) {
		for l := 0; l < c.numLayers; l++ {
			p := c.pages[l][keepPages-1]
			p.tokenIDs = p.tokenIDs[:rem]
			p.positions = p.positions[:rem]
			p.keysF32 = p.keysF32[:rem]
			p.valsF32 = p.valsF32[:rem]
			recomputeCentroids(p, c.numBasis)
		}
	}
	c.seqLen = newSeqLen
	return nil
}

func (c *Bdpa) Clone(ctx context.Context) (Cache, error) {
	clone := NewBdpa(c.pageSize, c.numBasis)
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

func (c *Bdpa) Close() {
	for l := range c.assembledKeys {
		if c.assembledKeys[l] != nil {
			c.pool.Release(c.assembledKeys[l])
			c.pool.Release(c.assembledValues[l])
		}
	}
	c.pages = nil
}
