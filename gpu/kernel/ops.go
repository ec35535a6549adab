// Package kernel implements the fixed compute-primitive library described
// in spec §4.1. Every primitive is exposed as an Immediate call (runs the
// primitive outside any recorder) and a Recorded call (appends a
// compute pass to a caller-supplied gpu.Recorder and returns a tensor the
// recorder now owns). The actual numeric work for either form is done by
// an Ops implementation — gpu/cpuref provides the reference one used by
// tests and as the engine's default device; a real backend would instead
// enqueue shader dispatches here and let the device execute them
// asynchronously.
package kernel

import "github.com/dopplerml/core/gpu"

// GatherOpts configures the gather kernel (embedding lookup / LM-head
// transpose sharing).
type GatherOpts struct {
	EmbDType  gpu.DType
	OutDType  gpu.DType
	Transpose bool // table stored ⟨cols, vocab⟩ instead of ⟨vocab, cols⟩
}

type RMSNormOpts struct {
	B, H          int
	WeightOffset  bool // some models store weight as 1+w
}

type LayerNormOpts struct {
	B, H int
}

type MatmulOpts struct {
	TransposeB   bool
	TransposeAuto bool // pick transposeB from the weight's Layout
	BDType       gpu.DType
	OutDType     gpu.DType
	Role         gpu.Role
	OutputBuffer gpu.Buffer // optional: write in place into a caller-owned slot
	COffset      int        // optional: concatenate into an existing buffer at this float offset
}

type ModulateOpts struct {
	ScaleOffset, ShiftOffset int
}

type Activation int

const (
	ActivationSiLU Activation = iota
	ActivationGELU
)

type SiLURowSplitOpts struct {
	Dim         int
	Activation  Activation
	SwigluLimit float32 // 0 disables clamping
}

type AttentionOpts struct {
	SeqLen      int
	KVLen       int
	NumKVHeads  int
	Causal      bool
	Softcap     float32 // 0 disables
	WindowBase  int     // sliding-window base offset into the KV history
}

type RoPEOpts struct {
	HeadDim int
}

type SampleOpts struct {
	Temperature   float32
	TopK          int
	PadTokenID    int32
	LogitSoftcap  float32
	Seed          uint64
}

// Ops is the shader-execution seam: one method per kernel in spec §4.1,
// always executing eagerly and returning the real result. Both the
// Immediate and Recorded entry points in this package call straight
// through to Ops; the only difference between them is whether a Recorder
// is told about the pass and takes ownership of the output tensor.
type Ops interface {
	Gather(indices, table gpu.Tensor, rows, cols, vocab int, opts GatherOpts) gpu.Tensor
	RMSNorm(x, w gpu.Tensor, eps float32, opts RMSNormOpts) gpu.Tensor
	LayerNorm(x, w, b gpu.Tensor, eps float32, opts LayerNormOpts) gpu.Tensor
	Matmul(a, b gpu.Tensor, m, n, k int, opts MatmulOpts) gpu.Tensor
	BiasAdd(x, bias gpu.Tensor) gpu.Tensor
	ResidualAdd(x, residual gpu.Tensor) gpu.Tensor
	Scale(x gpu.Tensor, s float64) gpu.Tensor
	Modulate(x, params gpu.Tensor, opts ModulateOpts) gpu.Tensor
	SiLU(x gpu.Tensor) gpu.Tensor
	GELU(x gpu.Tensor) gpu.Tensor
	SiLURowSplit(x gpu.Tensor, opts SiLURowSplitOpts) gpu.Tensor
	Attention(q, k, v, mask gpu.Tensor, numHeads, headDim int, opts AttentionOpts) gpu.Tensor
	RoPE(x, cos, sin, positions gpu.Tensor, opts RoPEOpts) gpu.Tensor
	Argmax(logits gpu.Tensor, vocab int, padTokenID int32, logitSoftcap float32) int32
	GPUSample(logits gpu.Tensor, vocab int, opts SampleOpts) int32
	CheckStop(token int32, pos, maxTokens int, eos int32) bool
	CastF32F16(x gpu.Tensor, to gpu.DType) gpu.Tensor
}
