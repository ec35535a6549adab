package layer

import (
	"context"
	"fmt"
	"math"

	"github.com/dopplerml/core/execplan"
	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/kernel"
	"github.com/dopplerml/core/kvcache"
	"github.com/x448/float16"
)

// Context bundles everything a block's forward pass needs to read:
// the kernel library and device/pool it runs against, the weight
// registry, the owning session's KV cache, precomputed RoPE tables, and
// the model/runtime knobs the execplan package compiled. Rec is nil for
// the Immediate calling convention (used by tests and single-shot CPU
// sampling paths); non-nil Rec routes every kernel call through the
// Recorded form instead.
type Context struct {
	Lib     *kernel.Library
	Rec     gpu.Recorder
	Dev     gpu.Device
	Pool    *gpu.Pool
	Weights *gpu.Registry
	Cache   kvcache.Cache
	Rope    *execplan.RopeTables
	Model   execplan.ModelConfig
	Path    kernel.Path
	Guard   *execplan.FinitenessGuard // nil disables the finiteness scan

	ActDtype  gpu.DType
	LayerIdx  int
	Positions []int32
	TokenIDs  []int32 // fed to a kvcache.TokenAware cache (bdpa)

	// AllowFusedQKV mirrors execplan.RuntimeConfig.AllowFusedQKV: whether
	// attnBlock may use a pre-fused attn_qkv.weight instead of three
	// separate projections when one is present (spec.md §4.2).
	AllowFusedQKV bool
}

func blk(layer int, name string) string {
	return fmt.Sprintf("blk.%d.%s", layer, name)
}

func (lc *Context) weight(name string) (gpu.WeightEntry, error) {
	full := blk(lc.LayerIdx, name)
	e, err := lc.Weights.Get(full)
	if err != nil {
		return gpu.WeightEntry{}, err
	}
	if lc.Weights.IsCPUResident(full) {
		return lc.Weights.Stage(full, lc.Pool, lc.Dev)
	}
	return e, nil
}

func (lc *Context) hasWeight(name string) bool {
	_, err := lc.Weights.Get(blk(lc.LayerIdx, name))
	return err == nil
}

// qkvDtypesAgree reports whether attn_q/attn_k/attn_v carry the same
// dtype, the spec.md §4.2 precondition for using a pre-fused qkv_proj
// weight instead of three separate projections (a quantized model may
// keep K/V at a different precision than Q, which a single fused tensor
// can't represent). A manifest that doesn't register the separate
// weights at all — a fused-only model — trivially agrees.
func (lc *Context) qkvDtypesAgree() bool {
	q, errQ := lc.Weights.Get(blk(lc.LayerIdx, "attn_q.weight"))
	k, errK := lc.Weights.Get(blk(lc.LayerIdx, "attn_k.weight"))
	v, errV := lc.Weights.Get(blk(lc.LayerIdx, "attn_v.weight"))
	if errQ != nil || errK != nil || errV != nil {
		return true
	}
	return q.Dtype == k.Dtype && k.Dtype == v.Dtype
}

// globalWeight looks up a weight that isn't scoped to a single block
// (the token embedding table, the final norm, the LM head) by its bare
// registry name instead of the "blk.<i>." prefix lc.weight applies.
func (lc *Context) globalWeight(name string) (gpu.WeightEntry, error) {
	e, err := lc.Weights.Get(name)
	if err != nil {
		return gpu.WeightEntry{}, err
	}
	if lc.Weights.IsCPUResident(name) {
		return lc.Weights.Stage(name, lc.Pool, lc.Dev)
	}
	return e, nil
}

// --- kernel dispatch: picks the Immediate or Recorded form depending on
// whether Rec is set. ---

func (lc *Context) rmsNorm(x, w gpu.Tensor, eps float32, opts kernel.RMSNormOpts) gpu.Tensor {
	if lc.Rec != nil {
		return lc.Lib.RMSNorm(lc.Rec, x, w, eps, opts)
	}
	return lc.Lib.RMSNormImmediate(x, w, eps, opts)
}

func (lc *Context) gather(indices, table gpu.Tensor, rows, cols, vocab int, opts kernel.GatherOpts) gpu.Tensor {
	if lc.Rec != nil {
		return lc.Lib.Gather(lc.Rec, indices, table, rows, cols, vocab, opts)
	}
	return lc.Lib.GatherImmediate(lc.Dev, indices, table, rows, cols, vocab, opts)
}

func (lc *Context) matmul(a, b gpu.Tensor, m, n, k int, opts kernel.MatmulOpts) gpu.Tensor {
	if lc.Rec != nil {
		return lc.Lib.Matmul(lc.Rec, a, b, m, n, k, lc.Path, opts)
	}
	return lc.Lib.MatmulImmediate(a, b, m, n, k, lc.Path, opts)
}

func (lc *Context) residualAdd(x, residual gpu.Tensor) gpu.Tensor {
	if lc.Rec != nil {
		return lc.Lib.ResidualAdd(lc.Rec, x, residual)
	}
	return lc.Lib.ResidualAddImmediate(x, residual)
}

func (lc *Context) scale(x gpu.Tensor, s float64) gpu.Tensor {
	if lc.Rec != nil {
		return lc.Lib.Scale(lc.Rec, x, s)
	}
	return lc.Lib.ScaleImmediate(x, s)
}

func (lc *Context) siluRowSplit(x gpu.Tensor, opts kernel.SiLURowSplitOpts) gpu.Tensor {
	if lc.Rec != nil {
		return lc.Lib.SiLURowSplit(lc.Rec, x, opts)
	}
	return lc.Lib.SiLURowSplitImmediate(x, opts)
}

func (lc *Context) rope(x, cos, sin, positions gpu.Tensor, opts kernel.RoPEOpts) gpu.Tensor {
	if lc.Rec != nil {
		return lc.Lib.RoPE(lc.Rec, x, cos, sin, positions, opts)
	}
	return lc.Lib.RoPEImmediate(x, cos, sin, positions, opts)
}

func (lc *Context) attention(q, k, v, mask gpu.Tensor, numHeads, headDim int, opts kernel.AttentionOpts) gpu.Tensor {
	if lc.Rec != nil {
		return lc.Lib.Attention(lc.Rec, q, k, v, mask, numHeads, headDim, opts)
	}
	return lc.Lib.AttentionImmediate(q, k, v, mask, numHeads, headDim, opts)
}

// matmulWeight projects x through weight w, resolving TransposeB from
// the weight's stored layout rather than from a caller-supplied flag —
// every projection in this package uses this path.
func (lc *Context) matmulWeight(x gpu.Tensor, w gpu.WeightEntry, rows, outCols int, role gpu.Role) gpu.Tensor {
	inCols := x.Cols()
	return lc.matmul(x, w.Tensor(), rows, outCols, inCols, kernel.MatmulOpts{
		TransposeB: w.Layout == gpu.LayoutRow,
		BDType:     w.Dtype,
		OutDType:   lc.ActDtype,
		Role:       role,
	})
}

// track transfers ownership of a host-assembled tensor to the active
// recorder, if any, so the buffer-accounting invariant holds the same
// way it does for tensors the kernel library allocates itself.
func (lc *Context) track(t gpu.Tensor) gpu.Tensor {
	if lc.Rec != nil {
		lc.Rec.Track(t)
	}
	return t
}

// uploadPositions stages a []int32 position slice to a fresh device
// buffer; the layer engine needs this once per forward pass for RoPE and
// the cache's position-indexed mask.
func (lc *Context) uploadPositions(positions []int32) gpu.Tensor {
	buf := lc.Pool.Acquire(len(positions)*4, gpu.UsageStorage|gpu.UsageCopyDst)
	lc.Dev.WriteBuffer(buf, 0, gpu.EncodeI32(positions))
	return lc.track(gpu.Tensor{Buf: buf, Dtype: gpu.DTypeI32, Shape: gpu.Shape{len(positions)}})
}

// readF32 maps t, decodes its bytes to a flat float32 slice (widening
// f16 as needed) and unmaps it. Used for the host-side reads this
// package does itself: MoE routing, the fused-QKV split, the logits
// softcap, and LastRow/MeanPool.
func readF32(ctx context.Context, dev gpu.Device, t gpu.Tensor) []float32 {
	raw, err := dev.MapAsync(ctx, t.Buf)
	if err != nil {
		panic(err)
	}
	defer dev.Unmap(t.Buf)

	switch t.Dtype {
	case gpu.DTypeF32, gpu.DTypeOther:
		out := make([]float32, len(raw)/4)
		for i := range out {
			u := uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24
			out[i] = math.Float32frombits(u)
		}
		return out
	case gpu.DTypeF16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			u := uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
			out[i] = float16.Frombits(u).Float32()
		}
		return out
	default:
		panic("layer: unsupported dtype for host-side read: " + t.Dtype.String())
	}
}
