package layer

import (
	"context"

	"github.com/dopplerml/core/execplan"
	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/kernel"
	"github.com/dopplerml/core/kvcache"
)

// attnBlock runs one block's self-attention sublayer: q/k/v projection,
// RoPE, KV cache append+read, scaled-dot-product attention with GQA
// grouping, output projection, and an optional sandwich-norm pass.
func (e *Engine) attnBlock(ctx context.Context, lc *Context, x gpu.Tensor, postNorm bool) (gpu.Tensor, error) {
	rows := x.Rows()
	model := lc.Model
	headDim := model.EffectiveHeadDim()
	numHeads, numKVHeads := model.NumHeads, model.NumKVHeads

	q, k, v, err := e.projectQKV(ctx, lc, x, rows, headDim, numHeads, numKVHeads)
	if err != nil {
		return gpu.Tensor{}, err
	}

	wo, err := lc.weight("attn_output.weight")
	if err != nil {
		return gpu.Tensor{}, err
	}

	posTensor := lc.uploadPositions(lc.Positions)

	isSliding := model.AttentionTypeFor(lc.LayerIdx) == execplan.AttentionSliding
	cos, sin := lc.Rope.Cos, lc.Rope.Sin
	if isSliding && lc.Rope.LocalCos != nil {
		cos, sin = lc.Rope.LocalCos, lc.Rope.LocalSin
	}
	cosT := lc.track(gpu.Tensor{Buf: uploadF32(lc.Dev, lc.Pool, cos), Dtype: gpu.DTypeF32, Shape: gpu.Shape{model.MaxSeqLen, headDim / 2}})
	sinT := lc.track(gpu.Tensor{Buf: uploadF32(lc.Dev, lc.Pool, sin), Dtype: gpu.DTypeF32, Shape: gpu.Shape{model.MaxSeqLen, headDim / 2}})

	ropeOpts := kernel.RoPEOpts{HeadDim: headDim}
	q = lc.rope(q, cosT, sinT, posTensor, ropeOpts)
	k = lc.rope(k, cosT, sinT, posTensor, ropeOpts)

	if aware, ok := lc.Cache.(kvcache.TokenAware); ok {
		aware.SetTokenIDs(lc.TokenIDs)
	}
	lc.Cache.SetLayer(lc.LayerIdx)
	lc.Cache.Put(ctx, k, v)
	histK, histV, mask, kvLen, windowBase := lc.Cache.Get(ctx)

	var softcap float32
	if model.AttnLogitSoftcapping != nil {
		softcap = *model.AttnLogitSoftcapping
	}
	attnOut := lc.attention(q, histK, histV, mask, numHeads, headDim, kernel.AttentionOpts{
		SeqLen:     rows,
		KVLen:      kvLen,
		NumKVHeads: numKVHeads,
		Causal:     true,
		Softcap:    softcap,
		WindowBase: windowBase,
	})
	attnOut.Shape = gpu.Shape{rows, numHeads * headDim}

	out := lc.matmulWeight(attnOut, wo, rows, model.HiddenSize, gpu.RoleAttnOut)

	if postNorm && lc.hasWeight("post_attention_norm.weight") {
		w, err := lc.weight("post_attention_norm.weight")
		if err != nil {
			return gpu.Tensor{}, err
		}
		out = lc.rmsNorm(out, w.Tensor(), model.RMSNormEps, kernel.RMSNormOpts{WeightOffset: model.RMSNormWeightOffset})
	}

	return out, nil
}

func uploadF32(dev gpu.Device, pool *gpu.Pool, vals []float32) gpu.Buffer {
	buf := pool.Acquire(len(vals)*4, gpu.UsageStorage|gpu.UsageCopyDst)
	dev.WriteBuffer(buf, 0, gpu.EncodeF32(vals))
	return buf
}

// projectQKV computes one block's q/k/v projections, using a single
// fused matmul against attn_qkv.weight when the runtime permits fusion,
// the weight is present, and the would-be separate projections' dtypes
// agree (spec.md §4.2); otherwise it falls back to three separate
// projections against attn_q/attn_k/attn_v and returns an error if any
// of them is missing, so a fused-only model runs only while fusion is
// allowed.
func (e *Engine) projectQKV(ctx context.Context, lc *Context, x gpu.Tensor, rows, headDim, numHeads, numKVHeads int) (q, k, v gpu.Tensor, err error) {
	qDim, kvDim := numHeads*headDim, numKVHeads*headDim

	if lc.AllowFusedQKV && lc.hasWeight("attn_qkv.weight") && lc.qkvDtypesAgree() {
		wqkv, werr := lc.weight("attn_qkv.weight")
		if werr != nil {
			return gpu.Tensor{}, gpu.Tensor{}, gpu.Tensor{}, werr
		}
		fused := lc.matmulWeight(x, wqkv, rows, qDim+2*kvDim, gpu.RoleQKV)
		q, k, v = splitQKV(ctx, lc, fused, rows, qDim, kvDim, kvDim)
		q.Shape = gpu.Shape{rows, numHeads, headDim}
		k.Shape = gpu.Shape{rows, numKVHeads, headDim}
		v.Shape = gpu.Shape{rows, numKVHeads, headDim}
		return q, k, v, nil
	}

	wq, err := lc.weight("attn_q.weight")
	if err != nil {
		return gpu.Tensor{}, gpu.Tensor{}, gpu.Tensor{}, err
	}
	wk, err := lc.weight("attn_k.weight")
	if err != nil {
		return gpu.Tensor{}, gpu.Tensor{}, gpu.Tensor{}, err
	}
	wv, err := lc.weight("attn_v.weight")
	if err != nil {
		return gpu.Tensor{}, gpu.Tensor{}, gpu.Tensor{}, err
	}

	q = lc.matmulWeight(x, wq, rows, qDim, gpu.RoleQKV)
	q.Shape = gpu.Shape{rows, numHeads, headDim}
	k = lc.matmulWeight(x, wk, rows, kvDim, gpu.RoleQKV)
	k.Shape = gpu.Shape{rows, numKVHeads, headDim}
	v = lc.matmulWeight(x, wv, rows, kvDim, gpu.RoleQKV)
	v.Shape = gpu.Shape{rows, numKVHeads, headDim}
	return q, k, v, nil
}

// splitQKV separates a fused ⟨rows, qDim+kDim+vDim⟩ projection output
// into its q/k/v sub-tensors. The buffer model has no sub-range view
// over an existing buffer, so this reads the fused row back (the same
// cost attnBlock already pays reading any activation tensor host-side
// elsewhere in this engine) and re-uploads each slice as its own
// buffer — the same host-assemble-then-upload pattern
// kvcache.Sliding.Get uses to reassemble its ring into position order.
func splitQKV(ctx context.Context, lc *Context, fused gpu.Tensor, rows, qDim, kDim, vDim int) (q, k, v gpu.Tensor) {
	vals := readF32(ctx, lc.Dev, fused)
	total := qDim + kDim + vDim

	qs := make([]float32, rows*qDim)
	ks := make([]float32, rows*kDim)
	vs := make([]float32, rows*vDim)
	for r := 0; r < rows; r++ {
		off := r * total
		copy(qs[r*qDim:], vals[off:off+qDim])
		copy(ks[r*kDim:], vals[off+qDim:off+qDim+kDim])
		copy(vs[r*vDim:], vals[off+qDim+kDim:off+qDim+kDim+vDim])
	}

	q = lc.track(gpu.Tensor{Buf: uploadF32(lc.Dev, lc.Pool, qs), Dtype: gpu.DTypeF32, Shape: gpu.Shape{rows, qDim}})
	k = lc.track(gpu.Tensor{Buf: uploadF32(lc.Dev, lc.Pool, ks), Dtype: gpu.DTypeF32, Shape: gpu.Shape{rows, kDim}})
	v = lc.track(gpu.Tensor{Buf: uploadF32(lc.Dev, lc.Pool, vs), Dtype: gpu.DTypeF32, Shape: gpu.Shape{rows, vDim}})
	return q, k, v
}
