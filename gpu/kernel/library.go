package kernel

import "github.com/dopplerml/core/gpu"

// Path names a kernel path: a fixed set of shader-variant choices applied
// to a known operation sequence, e.g. "gemma2-q4k-f16". A PinRule lets a
// kernel path override the dtype-driven default variant selection for one
// (path, role) pair — the "small side table mapping (step, path) to
// pinned shader id" from the design notes, modeled as data instead of a
// switch per path.
type Path string

type PinRule struct {
	Path      Path
	Role      gpu.Role
	Variant   gpu.DType
}

// Library is the kernel library component of spec §2: a fixed primitive
// set with recorded and immediate forms, backed by an Ops implementation
// that does the real execution (gpu/cpuref, or a real shader backend).
type Library struct {
	Ops  Ops
	Pins []PinRule
}

func New(ops Ops) *Library {
	return &Library{Ops: ops}
}

// resolveVariant applies any pin rule matching (path, role) before
// falling back to the dtype the caller asked for; this is the "exhaustive
// match on dtype/role enums with a side table" dispatch from the design
// notes.
func (l *Library) resolveVariant(path Path, role gpu.Role, want gpu.DType) gpu.DType {
	for _, p := range l.Pins {
		if p.Path == path && p.Role == role {
			return p.Variant
		}
	}
	return want
}

// --- Immediate forms: call Ops directly, with no recorder. ---

func (l *Library) GatherImmediate(device gpu.Device, indices, table gpu.Tensor, rows, cols, vocab int, opts GatherOpts) gpu.Tensor {
	return l.Ops.Gather(indices, table, rows, cols, vocab, opts)
}

func (l *Library) RMSNormImmediate(x, w gpu.Tensor, eps float32, opts RMSNormOpts) gpu.Tensor {
	return l.Ops.RMSNorm(x, w, eps, opts)
}

func (l *Library) MatmulImmediate(a, b gpu.Tensor, m, n, k int, path Path, opts MatmulOpts) gpu.Tensor {
	opts.BDType = l.resolveVariant(path, opts.Role, opts.BDType)
	return l.Ops.Matmul(a, b, m, n, k, opts)
}

func (l *Library) AttentionImmediate(q, k, v, mask gpu.Tensor, numHeads, headDim int, opts AttentionOpts) gpu.Tensor {
	return l.Ops.Attention(q, k, v, mask, numHeads, headDim, opts)
}

func (l *Library) LayerNormImmediate(x, w, b gpu.Tensor, eps float32, opts LayerNormOpts) gpu.Tensor {
	return l.Ops.LayerNorm(x, w, b, eps, opts)
}

func (l *Library) BiasAddImmediate(x, bias gpu.Tensor) gpu.Tensor {
	return l.Ops.BiasAdd(x, bias)
}

func (l *Library) ResidualAddImmediate(x, residual gpu.Tensor) gpu.Tensor {
	return l.Ops.ResidualAdd(x, residual)
}

func (l *Library) ScaleImmediate(x gpu.Tensor, s float64) gpu.Tensor {
	return l.Ops.Scale(x, s)
}

func (l *Library) ModulateImmediate(x, params gpu.Tensor, opts ModulateOpts) gpu.Tensor {
	return l.Ops.Modulate(x, params, opts)
}

func (l *Library) SiLUImmediate(x gpu.Tensor) gpu.Tensor {
	return l.Ops.SiLU(x)
}

func (l *Library) GELUImmediate(x gpu.Tensor) gpu.Tensor {
	return l.Ops.GELU(x)
}

func (l *Library) SiLURowSplitImmediate(x gpu.Tensor, opts SiLURowSplitOpts) gpu.Tensor {
	return l.Ops.SiLURowSplit(x, opts)
}

func (l *Library) RoPEImmediate(x, cos, sin, positions gpu.Tensor, opts RoPEOpts) gpu.Tensor {
	return l.Ops.RoPE(x, cos, sin, positions, opts)
}

func (l *Library) ArgmaxImmediate(logits gpu.Tensor, vocab int, padTokenID int32, logitSoftcap float32) int32 {
	return l.Ops.Argmax(logits, vocab, padTokenID, logitSoftcap)
}

func (l *Library) GPUSampleImmediate(logits gpu.Tensor, vocab int, opts SampleOpts) int32 {
	return l.Ops.GPUSample(logits, vocab, opts)
}

func (l *Library) CheckStopImmediate(token int32, pos, maxTokens int, eos int32) bool {
	return l.Ops.CheckStop(token, pos, maxTokens, eos)
}

func (l *Library) CastF32F16Immediate(x gpu.Tensor, to gpu.DType) gpu.Tensor {
	return l.Ops.CastF32F16(x, to)
}

// --- Recorded forms: append a pass to rec and transfer ownership of the
// output tensor to it. ---

func (l *Library) Gather(rec gpu.Recorder, indices, table gpu.Tensor, rows, cols, vocab int, opts GatherOpts) gpu.Tensor {
	out := l.Ops.Gather(indices, table, rows, cols, vocab, opts)
	rec.Record("gather", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) RMSNorm(rec gpu.Recorder, x, w gpu.Tensor, eps float32, opts RMSNormOpts) gpu.Tensor {
	out := l.Ops.RMSNorm(x, w, eps, opts)
	rec.Record("rmsNorm", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) LayerNorm(rec gpu.Recorder, x, w, b gpu.Tensor, eps float32, opts LayerNormOpts) gpu.Tensor {
	out := l.Ops.LayerNorm(x, w, b, eps, opts)
	rec.Record("layerNorm", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) Matmul(rec gpu.Recorder, a, b gpu.Tensor, m, n, k int, path Path, opts MatmulOpts) gpu.Tensor {
	opts.BDType = l.resolveVariant(path, opts.Role, opts.BDType)
	out := l.Ops.Matmul(a, b, m, n, k, opts)
	rec.Record("matmul", opts.Role)
	if opts.OutputBuffer == nil {
		rec.Track(out)
	}
	return out
}

func (l *Library) BiasAdd(rec gpu.Recorder, x, bias gpu.Tensor) gpu.Tensor {
	out := l.Ops.BiasAdd(x, bias)
	rec.Record("biasAdd", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) ResidualAdd(rec gpu.Recorder, x, residual gpu.Tensor) gpu.Tensor {
	out := l.Ops.ResidualAdd(x, residual)
	rec.Record("residualAdd", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) Scale(rec gpu.Recorder, x gpu.Tensor, s float64) gpu.Tensor {
	out := l.Ops.Scale(x, s)
	rec.Record("scale", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) Modulate(rec gpu.Recorder, x, params gpu.Tensor, opts ModulateOpts) gpu.Tensor {
	out := l.Ops.Modulate(x, params, opts)
	rec.Record("modulate", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) SiLU(rec gpu.Recorder, x gpu.Tensor) gpu.Tensor {
	out := l.Ops.SiLU(x)
	rec.Record("silu", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) GELU(rec gpu.Recorder, x gpu.Tensor) gpu.Tensor {
	out := l.Ops.GELU(x)
	rec.Record("gelu", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) SiLURowSplit(rec gpu.Recorder, x gpu.Tensor, opts SiLURowSplitOpts) gpu.Tensor {
	out := l.Ops.SiLURowSplit(x, opts)
	rec.Record("siluRowSplit", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) Attention(rec gpu.Recorder, q, k, v, mask gpu.Tensor, numHeads, headDim int, opts AttentionOpts) gpu.Tensor {
	out := l.Ops.Attention(q, k, v, mask, numHeads, headDim, opts)
	rec.Record("attention", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) RoPE(rec gpu.Recorder, x, cos, sin, positions gpu.Tensor, opts RoPEOpts) gpu.Tensor {
	out := l.Ops.RoPE(x, cos, sin, positions, opts)
	rec.Record("rope", gpu.RoleGeneric)
	rec.Track(out)
	return out
}

func (l *Library) Argmax(rec gpu.Recorder, logits gpu.Tensor, vocab int, padTokenID int32, logitSoftcap float32) int32 {
	tok := l.Ops.Argmax(logits, vocab, padTokenID, logitSoftcap)
	rec.Record("argmax", gpu.RoleGeneric)
	return tok
}

func (l *Library) GPUSample(rec gpu.Recorder, logits gpu.Tensor, vocab int, opts SampleOpts) int32 {
	tok := l.Ops.GPUSample(logits, vocab, opts)
	rec.Record("gpuSample", gpu.RoleGeneric)
	return tok
}

func (l *Library) CheckStop(rec gpu.Recorder, token int32, pos, maxTokens int, eos int32) bool {
	stop := l.Ops.CheckStop(token, pos, maxTokens, eos)
	rec.Record("checkStop", gpu.RoleGeneric)
	return stop
}

func (l *Library) CastF32F16(rec gpu.Recorder, x gpu.Tensor, to gpu.DType) gpu.Tensor {
	out := l.Ops.CastF32F16(x, to)
	rec.Record("castF32F16", gpu.RoleGeneric)
	rec.Track(out)
	return out
}
