package layer

import (
	"context"
	"math"

	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/kernel"
)

// LogitsHead is the logits-projection component of spec.md §2/§4.2's
// final step: the last block's output runs through one more RMSNorm
// then a matmul to vocabSize, with an optional tanh softcap on the
// result. It reads the same global weight names the gemma3n/llama
// families use for their output head ("output_norm.weight",
// "output.weight"), falling back to the token-embedding table when the
// model ties input/output embeddings.
type LogitsHead struct{}

// Forward projects x⟨rows, hidden⟩ (typically just the last position's
// hidden state) to ⟨rows, vocabSize⟩ logits.
func (LogitsHead) Forward(ctx context.Context, lc *Context, x gpu.Tensor) (gpu.Tensor, error) {
	rows := x.Rows()
	model := lc.Model

	normW, err := lc.globalWeight("output_norm.weight")
	if err != nil {
		return gpu.Tensor{}, err
	}
	normed := lc.rmsNorm(x, normW.Tensor(), model.RMSNormEps, kernel.RMSNormOpts{WeightOffset: model.RMSNormWeightOffset})

	headName := "output.weight"
	if model.TiedEmbeddings {
		headName = "token_embd.weight"
	}
	head, err := lc.globalWeight(headName)
	if err != nil {
		return gpu.Tensor{}, err
	}

	logits := lc.matmulWeight(normed, head, rows, model.VocabSize, gpu.RoleLMHead)

	if model.FinalLogitSoftcapping != nil {
		logits = lc.softcap(ctx, logits, *model.FinalLogitSoftcapping)
	}
	return logits, nil
}

// Normalize runs the final RMSNorm alone, with no logits projection —
// the embedding-extraction path (spec.md §4.4.1 prefillWithEmbedding)
// wants the normalized hidden state, not a vocab-sized logits row.
func (LogitsHead) Normalize(lc *Context, x gpu.Tensor) (gpu.Tensor, error) {
	normW, err := lc.globalWeight("output_norm.weight")
	if err != nil {
		return gpu.Tensor{}, err
	}
	return lc.rmsNorm(x, normW.Tensor(), lc.Model.RMSNormEps, kernel.RMSNormOpts{WeightOffset: lc.Model.RMSNormWeightOffset}), nil
}

// LastRow extracts row rows-1 of x as a fresh ⟨1, cols⟩ tensor: the
// logits head and the embedding-extraction path both only care about
// the final position's hidden state once a prefill has run every
// position through the block stack for the KV cache's sake.
func LastRow(ctx context.Context, lc *Context, x gpu.Tensor) gpu.Tensor {
	rows, cols := x.Rows(), x.Cols()
	vals := readF32(ctx, lc.Dev, x)
	last := append([]float32(nil), vals[(rows-1)*cols:rows*cols]...)
	return uploadActivation(lc, last, gpu.Shape{1, cols})
}

// MeanPool averages every row of x into a single ⟨1, cols⟩ tensor, the
// alternative embedding-extraction pooling spec.md §4.4.1 allows
// alongside LastRow.
func MeanPool(ctx context.Context, lc *Context, x gpu.Tensor) gpu.Tensor {
	rows, cols := x.Rows(), x.Cols()
	vals := readF32(ctx, lc.Dev, x)
	mean := make([]float32, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			mean[c] += vals[r*cols+c]
		}
	}
	inv := 1 / float32(rows)
	for c := range mean {
		mean[c] *= inv
	}
	return uploadActivation(lc, mean, gpu.Shape{1, cols})
}

// softcap applies x -> cap*tanh(x/cap) elementwise. The kernel library
// has no dedicated softcap primitive (spec.md §4.1 folds it into
// attention/argmax/gpuSample's own opts); the logits head is the one
// place it runs standalone, so it is built from a CPU-side tanh pass
// through the device's f32 read/write path rather than adding another
// kernel to the library for a single call site.
func (lc *Context) softcap(ctx context.Context, x gpu.Tensor, cap float32) gpu.Tensor {
	vals := readF32(ctx, lc.Dev, x)
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = cap * float32(math.Tanh(float64(v/cap)))
	}
	return uploadActivation(lc, out, x.Shape)
}
