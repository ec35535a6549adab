package layer

import (
	"context"
	"math"
	"testing"

	"github.com/dopplerml/core/execplan"
	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/cpuref"
	"github.com/dopplerml/core/gpu/kernel"
	"github.com/dopplerml/core/kvcache"
	"github.com/stretchr/testify/require"
)

// testRig assembles a tiny dense (non-MoE) one-layer model against the
// cpuref device, the way generate.LoadModel would for a real manifest,
// but with hand-rolled weight tensors so the arithmetic stays checkable.
type testRig struct {
	dev   *cpuref.Device
	pool  *gpu.Pool
	lib   *kernel.Library
	model execplan.ModelConfig
	weights *gpu.Registry
	cache kvcache.Cache
	rope  execplan.RopeTables
}

const (
	rigHidden  = 8
	rigHeads   = 2
	rigKVHeads = 2
	rigHeadDim = rigHidden / rigHeads
	rigFFN     = 16
	rigVocab   = 12
	rigLayers  = 1
	rigMaxSeq  = 16
)

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dev := cpuref.NewDevice()
	pool := gpu.NewPool(dev)
	lib := kernel.New(cpuref.NewOps(pool))

	model := execplan.ModelConfig{
		NumLayers:  rigLayers,
		HiddenSize: rigHidden,
		NumHeads:   rigHeads,
		NumKVHeads: rigKVHeads,
		VocabSize:  rigVocab,
		MaxSeqLen:  rigMaxSeq,
		RMSNormEps: 1e-5,
		RopeTheta:  10000,
	}

	weights := gpu.NewRegistry()
	putRandWeight(t, dev, weights, "token_embd.weight", gpu.Shape{rigVocab, rigHidden})
	putRandWeight(t, dev, weights, "output_norm.weight", gpu.Shape{rigHidden})
	putRandWeight(t, dev, weights, "output.weight", gpu.Shape{rigVocab, rigHidden})
	for l := 0; l < rigLayers; l++ {
		putRandWeight(t, dev, weights, blk(l, "attn_norm.weight"), gpu.Shape{rigHidden})
		putRandWeight(t, dev, weights, blk(l, "attn_q.weight"), gpu.Shape{rigHeads * rigHeadDim, rigHidden})
		putRandWeight(t, dev, weights, blk(l, "attn_k.weight"), gpu.Shape{rigKVHeads * rigHeadDim, rigHidden})
		putRandWeight(t, dev, weights, blk(l, "attn_v.weight"), gpu.Shape{rigKVHeads * rigHeadDim, rigHidden})
		putRandWeight(t, dev, weights, blk(l, "attn_output.weight"), gpu.Shape{rigHidden, rigHeads * rigHeadDim})
		putRandWeight(t, dev, weights, blk(l, "ffn_norm.weight"), gpu.Shape{rigHidden})
		putRandWeight(t, dev, weights, blk(l, "ffn_gate_up.weight"), gpu.Shape{2 * rigFFN, rigHidden})
		putRandWeight(t, dev, weights, blk(l, "ffn_down.weight"), gpu.Shape{rigHidden, rigFFN})
	}

	cache := kvcache.New(kvcache.Options{Layout: kvcache.LayoutContiguous, MaxSeqLen: rigMaxSeq}, nil)
	require.NoError(t, cache.Init(dev, pool, rigLayers, rigKVHeads, rigHeadDim, gpu.DTypeF32, rigMaxSeq))

	return &testRig{
		dev: dev, pool: pool, lib: lib, model: model, weights: weights, cache: cache,
		rope: execplan.BuildRopeTables(model),
	}
}

func putRandWeight(t *testing.T, dev gpu.Device, reg *gpu.Registry, name string, shape gpu.Shape) {
	t.Helper()
	n := shape.Elems()
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32(math.Sin(float64(i)*0.37 + float64(len(name))))
	}
	buf := dev.CreateBuffer(n*4, gpu.UsageStorage|gpu.UsageCopyDst)
	dev.WriteBuffer(buf, 0, gpu.EncodeF32(vals))
	reg.Put(gpu.WeightEntry{Name: name, Buf: buf, Dtype: gpu.DTypeF32, Layout: gpu.LayoutRow, Shape: shape})
}

func (r *testRig) newContext(layerIdx int, positions, tokenIDs []int32) *Context {
	ropeTables := r.rope
	return &Context{
		Lib: r.lib, Dev: r.dev, Pool: r.pool, Weights: r.weights, Cache: r.cache,
		Rope: &ropeTables, Model: r.model, ActDtype: gpu.DTypeF32,
		LayerIdx: layerIdx, Positions: positions, TokenIDs: tokenIDs,
	}
}

func TestEngine_ForwardProducesFiniteHiddenState(t *testing.T) {
	rig := newTestRig(t)
	plan, err := CompileCanonicalPlan(false)
	require.NoError(t, err)
	engine := NewEngine(plan)

	ids := []int32{1, 2, 3}
	positions := []int32{0, 1, 2}
	require.NoError(t, rig.cache.StartForward(positions))
	lc := rig.newContext(0, positions, ids)

	idxBuf := rig.dev.CreateBuffer(len(ids)*4, gpu.UsageStorage|gpu.UsageCopyDst)
	rig.dev.WriteBuffer(idxBuf, 0, gpu.EncodeI32(ids))
	idxT := gpu.Tensor{Buf: idxBuf, Dtype: gpu.DTypeI32, Shape: gpu.Shape{len(ids)}}

	x, err := Embed(lc, idxT, len(ids), false)
	require.NoError(t, err)
	require.Equal(t, rigHidden, x.Cols())

	out, err := engine.Forward(context.Background(), lc, x)
	require.NoError(t, err)
	require.Equal(t, len(ids), out.Rows())
	require.Equal(t, rigHidden, out.Cols())

	raw, err := rig.dev.MapAsync(context.Background(), out.Buf)
	require.NoError(t, err)
	for i := 0; i < len(raw)/4; i++ {
		u := uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24
		v := math.Float32frombits(u)
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestLogitsHead_ForwardShape(t *testing.T) {
	rig := newTestRig(t)
	plan, err := CompileCanonicalPlan(false)
	require.NoError(t, err)
	engine := NewEngine(plan)

	ids := []int32{4}
	positions := []int32{0}
	require.NoError(t, rig.cache.StartForward(positions))
	lc := rig.newContext(0, positions, ids)

	idxBuf := rig.dev.CreateBuffer(4, gpu.UsageStorage|gpu.UsageCopyDst)
	rig.dev.WriteBuffer(idxBuf, 0, gpu.EncodeI32(ids))
	idxT := gpu.Tensor{Buf: idxBuf, Dtype: gpu.DTypeI32, Shape: gpu.Shape{1}}

	x, err := Embed(lc, idxT, 1, false)
	require.NoError(t, err)
	out, err := engine.Forward(context.Background(), lc, x)
	require.NoError(t, err)

	logits, err := LogitsHead{}.Forward(context.Background(), lc, out)
	require.NoError(t, err)
	require.Equal(t, 1, logits.Rows())
	require.Equal(t, rigVocab, logits.Cols())
}

func TestCompile_RejectsUnwrittenSlot(t *testing.T) {
	_, err := Compile([]Step{
		{Op: OpRMSNorm, Src: "never_written", Dst: "out", WeightPrefix: "attn_norm"},
	})
	require.Error(t, err)
}

func TestCompile_RejectsMissingDst(t *testing.T) {
	_, err := Compile([]Step{
		{Op: OpRMSNorm, Src: SlotInput, WeightPrefix: "attn_norm"},
	})
	require.Error(t, err)
}

func TestCompileCanonicalPlan_SandwichNormSetsPostNorm(t *testing.T) {
	plan, err := CompileCanonicalPlan(true)
	require.NoError(t, err)
	for _, s := range plan.Steps {
		if s.Op == OpAttention || s.Op == OpFFN {
			require.True(t, s.PostNorm)
		}
	}
}
