package layer

import (
	"context"
	"fmt"
	"math"

	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/kernel"
)

// Engine runs one transformer block's forward pass given a compiled Plan,
// against the weights/cache/recorder bundled in a Context. It owns no
// per-call state of its own — everything that varies between a prefill
// and a decode step lives in the Context and Plan the caller supplies —
// so one Engine is shared across every layer and every step of a
// session, mirroring the teacher's stateless *TextLayer.Forward shape
// (model/models/gemma3n/text_layer.go) generalized from one hard-coded
// architecture to a data-driven step list.
type Engine struct {
	Plan *Plan
}

func NewEngine(plan *Plan) *Engine {
	return &Engine{Plan: plan}
}

// slots is the small named-variable namespace a block's Plan reads and
// writes (spec.md §3 "Layer plan"); SlotInput is seeded by the caller
// before Forward runs.
type slots map[Slot]gpu.Tensor

// Forward executes every step of e.Plan against x, returning the
// block's output tensor (the plan's final Dst). lc.LayerIdx selects
// which weight group and KV-cache layer each step addresses.
func (e *Engine) Forward(ctx context.Context, lc *Context, x gpu.Tensor) (gpu.Tensor, error) {
	vars := slots{SlotInput: x}

	for i, step := range e.Plan.Steps {
		src, ok := vars[step.Src]
		if !ok {
			return gpu.Tensor{}, fmt.Errorf("layer: step %d (%s) reads unwritten slot %q", i, step.Op, step.Src)
		}

		var out gpu.Tensor
		var err error
		switch step.Op {
		case OpRMSNorm:
			out, err = e.runRMSNorm(lc, src, step.WeightPrefix)
		case OpAttention:
			out, err = e.attnBlock(ctx, lc, src, step.PostNorm)
		case OpFFN:
			out, err = e.ffnBlock(ctx, lc, src, step.PostNorm)
		case OpResidualAdd:
			residual, ok := vars[step.Residual]
			if !ok {
				return gpu.Tensor{}, fmt.Errorf("layer: step %d (%s) reads unwritten residual slot %q", i, step.Op, step.Residual)
			}
			out = lc.residualAdd(src, residual)
		default:
			return gpu.Tensor{}, fmt.Errorf("layer: step %d has unsupported op %s", i, step.Op)
		}
		if err != nil {
			return gpu.Tensor{}, fmt.Errorf("layer: block %d step %d (%s): %w", lc.LayerIdx, i, step.Op, err)
		}
		vars[step.Dst] = out
	}

	final, ok := vars[e.Plan.Steps[len(e.Plan.Steps)-1].Dst]
	if !ok {
		return gpu.Tensor{}, fmt.Errorf("layer: plan produced no output slot")
	}
	return final, nil
}

// runRMSNorm looks up the norm weight named "<prefix>.weight" in the
// layer's weight group and applies it; attn_norm/ffn_norm steps both go
// through here.
func (e *Engine) runRMSNorm(lc *Context, x gpu.Tensor, weightPrefix string) (gpu.Tensor, error) {
	w, err := lc.weight(weightPrefix + ".weight")
	if err != nil {
		return gpu.Tensor{}, err
	}
	return lc.rmsNorm(x, w.Tensor(), lc.Model.RMSNormEps, kernel.RMSNormOpts{WeightOffset: lc.Model.RMSNormWeightOffset}), nil
}

// Embed runs the embedding step of spec.md §2's data flow: gather rows
// indices from the token-embedding table, then optionally scale by
// sqrt(hiddenSize) for models that train with scaled embeddings.
func Embed(lc *Context, indices gpu.Tensor, rows int, scaleEmbeddings bool) (gpu.Tensor, error) {
	w, err := lc.globalWeight("token_embd.weight")
	if err != nil {
		return gpu.Tensor{}, err
	}
	hidden := lc.Model.HiddenSize

	vocab := w.Shape[0]
	out := lc.gather(indices, w.Tensor(), rows, hidden, vocab, kernel.GatherOpts{
		EmbDType: w.Dtype,
		OutDType: lc.ActDtype,
	})
	if scaleEmbeddings {
		out = lc.scale(out, math.Sqrt(float64(hidden)))
	}
	return out, nil
}
