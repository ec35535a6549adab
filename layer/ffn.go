package layer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/dopplerml/core/execplan"
	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/kernel"
	"github.com/x448/float16"
)

// ffnBlock runs one block's feed-forward sublayer, dense or
// mixture-of-experts depending on the model's NumExperts, followed by an
// optional sandwich-norm pass.
func (e *Engine) ffnBlock(ctx context.Context, lc *Context, x gpu.Tensor, postNorm bool) (gpu.Tensor, error) {
	model := lc.Model

	var out gpu.Tensor
	var err error
	if model.NumExperts > 0 {
		out, err = e.moeForward(ctx, lc, x)
	} else {
		out, err = e.denseForward(lc, x)
	}
	if err != nil {
		return gpu.Tensor{}, err
	}

	if postNorm && lc.hasWeight("post_ffw_norm.weight") {
		w, werr := lc.weight("post_ffw_norm.weight")
		if werr != nil {
			return gpu.Tensor{}, werr
		}
		out = lc.rmsNorm(out, w.Tensor(), model.RMSNormEps, kernel.RMSNormOpts{WeightOffset: model.RMSNormWeightOffset})
	}
	return out, nil
}

// denseForward expects a fused gate+up projection weight shaped
// ⟨2*ffnDim, hidden⟩ so its output already matches the SiLURowSplit
// kernel's per-row [gate|up] input contract without a separate
// elementwise-multiply primitive (the kernel library has none — see
// the per-package grounding note).
func (e *Engine) denseForward(lc *Context, x gpu.Tensor) (gpu.Tensor, error) {
	rows := x.Rows()
	model := lc.Model

	wGateUp, err := lc.weight("ffn_gate_up.weight")
	if err != nil {
		return gpu.Tensor{}, err
	}
	wDown, err := lc.weight("ffn_down.weight")
	if err != nil {
		return gpu.Tensor{}, err
	}
	ffnDim := wDown.Shape[1]

	gateUp := lc.matmulWeight(x, wGateUp, rows, 2*ffnDim, gpu.RoleGeneric)
	hidden := lc.siluRowSplit(gateUp, kernel.SiLURowSplitOpts{Dim: ffnDim, Activation: model.HiddenActivation, SwigluLimit: model.SwigluLimit})
	return lc.matmulWeight(hidden, wDown, rows, model.HiddenSize, gpu.RoleGeneric), nil
}

// moeForward routes each token to its top-K experts on the host: the
// router logits are small enough (rows * numExperts) that reading them
// back for a CPU argsort/softmax is cheap next to running every expert's
// FFN for every token, which the engine avoids entirely. Each selected
// expert's contribution is computed as a full single-row FFN through the
// same dense path, scaled by its gate weight, and accumulated with the
// Scale+ResidualAdd kernels already in the library.
func (e *Engine) moeForward(ctx context.Context, lc *Context, x gpu.Tensor) (gpu.Tensor, error) {
	model := lc.Model
	rows := x.Rows()
	hidden := model.HiddenSize

	wGate, err := lc.weight("ffn_gate_inp.weight")
	if err != nil {
		return gpu.Tensor{}, err
	}

	routerLogits := lc.matmul(x, wGate.Tensor(), rows, model.NumExperts, x.Cols(), kernel.MatmulOpts{
		TransposeB: wGate.Layout == gpu.LayoutRow,
		BDType:     wGate.Dtype,
		OutDType:   gpu.DTypeF32,
		Role:       gpu.RoleMoEGate,
	})
	logits := readF32(ctx, lc.Dev, routerLogits)

	xFloats := readF32(ctx, lc.Dev, x)
	outFloats := make([]float32, rows*hidden)

	for row := 0; row < rows; row++ {
		rowLogits := logits[row*model.NumExperts : (row+1)*model.NumExperts]
		experts, weights := topKSoftmax(rowLogits, model.TopK)

		xRow := uploadActivation(lc, xFloats[row*hidden:(row+1)*hidden], gpu.Shape{1, hidden})

		var rowAcc gpu.Tensor
		for i, expIdx := range experts {
			expOut, err := e.expertFFN(ctx, lc, xRow, expIdx, hidden)
			if err != nil {
				return gpu.Tensor{}, err
			}
			scaled := lc.scale(expOut, float64(weights[i]))

			if i == 0 {
				rowAcc = scaled
			} else {
				rowAcc = lc.residualAdd(rowAcc, scaled)
			}
		}

		rowVals := readF32(ctx, lc.Dev, rowAcc)
		copy(outFloats[row*hidden:(row+1)*hidden], rowVals)
	}

	return uploadActivation(lc, outFloats, gpu.Shape{rows, hidden}), nil
}

// expertFFN runs one selected expert's FFN for a single token row, with
// the weight layout chosen by model.ExpertFormat (spec.md §3): mixtral
// stores each expert's gate and up projections as separate tensors,
// while dense and gpt-oss store a pre-fused [gate|up] tensor the same
// shape denseForward's does. gpt-oss additionally clamps the gate/up
// activations to model.SwigluLimit before the SiLU multiply.
func (e *Engine) expertFFN(ctx context.Context, lc *Context, xRow gpu.Tensor, expIdx, hidden int) (gpu.Tensor, error) {
	model := lc.Model

	if model.ExpertFormat == execplan.ExpertMixtral {
		wGate, err := lc.weight(fmt.Sprintf("ffn_gate.%d.weight", expIdx))
		if err != nil {
			return gpu.Tensor{}, err
		}
		wUp, err := lc.weight(fmt.Sprintf("ffn_up.%d.weight", expIdx))
		if err != nil {
			return gpu.Tensor{}, err
		}
		wDown, err := lc.weight(fmt.Sprintf("ffn_down.%d.weight", expIdx))
		if err != nil {
			return gpu.Tensor{}, err
		}
		ffnDim := wDown.Shape[1]

		gate := lc.matmulWeight(xRow, wGate, 1, ffnDim, gpu.RoleMoEExpert)
		up := lc.matmulWeight(xRow, wUp, 1, ffnDim, gpu.RoleMoEExpert)
		combined := make([]float32, 2*ffnDim)
		copy(combined, readF32(ctx, lc.Dev, gate))
		copy(combined[ffnDim:], readF32(ctx, lc.Dev, up))
		gateUp := uploadActivation(lc, combined, gpu.Shape{1, 2 * ffnDim})
		h := lc.siluRowSplit(gateUp, kernel.SiLURowSplitOpts{Dim: ffnDim, Activation: model.HiddenActivation, SwigluLimit: model.SwigluLimit})
		return lc.matmulWeight(h, wDown, 1, hidden, gpu.RoleMoEExpert), nil
	}

	// ExpertDense and ExpertGPTOSS share the fused [gate|up] layout
	// denseForward uses; gpt-oss differs only by a non-zero SwigluLimit.
	wGateUp, err := lc.weight(fmt.Sprintf("ffn_gate_up.%d.weight", expIdx))
	if err != nil {
		return gpu.Tensor{}, err
	}
	wDown, err := lc.weight(fmt.Sprintf("ffn_down.%d.weight", expIdx))
	if err != nil {
		return gpu.Tensor{}, err
	}
	ffnDim := wDown.Shape[1]

	gateUp := lc.matmulWeight(xRow, wGateUp, 1, 2*ffnDim, gpu.RoleMoEExpert)
	h := lc.siluRowSplit(gateUp, kernel.SiLURowSplitOpts{Dim: ffnDim, Activation: model.HiddenActivation, SwigluLimit: model.SwigluLimit})
	return lc.matmulWeight(h, wDown, 1, hidden, gpu.RoleMoEExpert), nil
}

// topKSoftmax returns the indices of the k highest logits and a softmax
// normalized purely over that subset (standard sparse MoE gating).
func topKSoftmax(logits []float32, k int) ([]int, []float32) {
	n := len(logits)
	if k <= 0 || k > n {
		k = n
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return logits[idx[a]] > logits[idx[b]] })
	top := append([]int(nil), idx[:k]...)

	maxV := logits[top[0]]
	weights := make([]float32, k)
	var sum float64
	for i, e := range top {
		w := math.Exp(float64(logits[e] - maxV))
		weights[i] = float32(w)
		sum += w
	}
	for i := range weights {
		weights[i] = float32(float64(weights[i]) / sum)
	}
	return top, weights
}

// uploadActivation encodes vals into a fresh buffer under the session's
// activation dtype, mirroring cpuref's writeF32 at the granularity this
// package needs it (small CPU-assembled rows, not full tensors).
func uploadActivation(lc *Context, vals []float32, shape gpu.Shape) gpu.Tensor {
	var raw []byte
	switch lc.ActDtype {
	case gpu.DTypeF16:
		raw = make([]byte, len(vals)*2)
		for i, v := range vals {
			u := float16.Fromfloat32(v).Bits()
			raw[2*i] = byte(u)
			raw[2*i+1] = byte(u >> 8)
		}
	default:
		raw = gpu.EncodeF32(vals)
	}
	buf := lc.Pool.Acquire(len(raw), gpu.UsageStorage|gpu.UsageCopyDst)
	lc.Dev.WriteBuffer(buf, 0, raw)
	return lc.track(gpu.Tensor{Buf: buf, Dtype: lc.ActDtype, Shape: shape})
}
