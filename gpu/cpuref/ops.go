package cpuref

import (
	"math"

	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/kernel"
)

// Ops is the reference kernel.Ops implementation: real float32 arithmetic
// over host slices, used by tests and as this module's default device.
type Ops struct {
	pool *gpu.Pool
}

func NewOps(pool *gpu.Pool) *Ops {
	return &Ops{pool: pool}
}

var _ kernel.Ops = (*Ops)(nil)

func (o *Ops) out(dtype gpu.DType, shape gpu.Shape, vals []float32) gpu.Tensor {
	return gpu.Tensor{Buf: writeF32(vals, dtype), Dtype: dtype, Shape: shape}
}

func (o *Ops) Gather(indices, table gpu.Tensor, rows, cols, vocab int, opts kernel.GatherOpts) gpu.Tensor {
	idx := readI32(indices)
	tbl := readF32(table)
	out := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		row := int(idx[i])
		for j := 0; j < cols; j++ {
			var v float32
			if opts.Transpose {
				v = tbl[j*vocab+row]
			} else {
				v = tbl[row*cols+j]
			}
			out[i*cols+j] = v
		}
	}
	return o.out(opts.OutDType, gpu.Shape{rows, cols}, out)
}

func (o *Ops) RMSNorm(x, w gpu.Tensor, eps float32, opts kernel.RMSNormOpts) gpu.Tensor {
	xs := readF32(x)
	ws := readF32(w)
	rows, cols := x.Rows(), x.Cols()
	out := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		row := xs[i*cols : (i+1)*cols]
		var sumSq float64
		for _, v := range row {
			sumSq += float64(v) * float64(v)
		}
		meanSq := sumSq / float64(cols)
		inv := float32(1.0 / math.Sqrt(meanSq+float64(eps)))
		for j, v := range row {
			weight := ws[j]
			if opts.WeightOffset {
				weight = 1 + weight
			}
			out[i*cols+j] = v * inv * weight
		}
	}
	return o.out(x.Dtype, x.Shape, out)
}

func (o *Ops) LayerNorm(x, w, b gpu.Tensor, eps float32, opts kernel.LayerNormOpts) gpu.Tensor {
	xs := readF32(x)
	ws := readF32(w)
	bs := readF32(b)
	rows, cols := x.Rows(), x.Cols()
	out := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		row := xs[i*cols : (i+1)*cols]
		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := sum / float64(cols)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(cols)
		inv := float32(1.0 / math.Sqrt(variance+float64(eps)))
		for j, v := range row {
			out[i*cols+j] = (v-float32(mean))*inv*ws[j] + bs[j]
		}
	}
	return o.out(x.Dtype, x.Shape, out)
}

// Matmul computes A⟨m,k⟩ · B (⟨n,k⟩ if transposeB, else ⟨k,n⟩) -> ⟨m,n⟩,
// dequantizing B to f32 first regardless of its stored dtype since the
// reference device has no mixed-precision GEMM path of its own.
func (o *Ops) Matmul(a, b gpu.Tensor, m, n, k int, opts kernel.MatmulOpts) gpu.Tensor {
	as := readF32(a)
	bs := readF32(b)

	transposeB := opts.TransposeB
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for l := 0; l < k; l++ {
				var bv float32
				if transposeB {
					bv = bs[j*k+l] // B stored ⟨n,k⟩
				} else {
					bv = bs[l*n+j] // B stored ⟨k,n⟩
				}
				sum += float64(as[i*k+l]) * float64(bv)
			}
			out[opts.COffset+i*n+j] = float32(sum)
		}
	}

	outDtype := opts.OutDType
	if outDtype == gpu.DTypeOther {
		outDtype = gpu.DTypeF32
	}

	if opts.OutputBuffer != nil {
		existing := readF32(gpu.Tensor{Buf: opts.OutputBuffer, Dtype: outDtype, Shape: gpu.Shape{m, n}})
		if len(existing) < opts.COffset+m*n {
			padded := make([]float32, opts.COffset+m*n)
			copy(padded, existing)
			existing = padded
		}
		copy(existing[opts.COffset:], out[opts.COffset:opts.COffset+m*n])
		buf := writeF32(existing, outDtype)
		return gpu.Tensor{Buf: buf, Dtype: outDtype, Shape: gpu.Shape{m, n}}
	}

	return o.out(outDtype, gpu.Shape{m, n}, out)
}

func (o *Ops) BiasAdd(x, bias gpu.Tensor) gpu.Tensor {
	xs := readF32(x)
	bs := readF32(bias)
	cols := len(bs)
	out := make([]float32, len(xs))
	for i := range xs {
		out[i] = xs[i] + bs[i%cols]
	}
	return o.out(x.Dtype, x.Shape, out)
}

func (o *Ops) ResidualAdd(x, residual gpu.Tensor) gpu.Tensor {
	xs := readF32(x)
	rs := readF32(residual)
	out := make([]float32, len(xs))
	for i := range xs {
		out[i] = xs[i] + rs[i]
	}
	return o.out(x.Dtype, x.Shape, out)
}

func (o *Ops) Scale(x gpu.Tensor, s float64) gpu.Tensor {
	xs := readF32(x)
	out := make([]float32, len(xs))
	for i, v := range xs {
		out[i] = float32(float64(v) * s)
	}
	return o.out(x.Dtype, x.Shape, out)
}

// Modulate applies (1+scale)*x + shift, where scale and shift are slices
// of a concatenated params tensor located at opts.ScaleOffset/ShiftOffset,
// one value per column, broadcast across rows.
func (o *Ops) Modulate(x, params gpu.Tensor, opts kernel.ModulateOpts) gpu.Tensor {
	xs := readF32(x)
	ps := readF32(params)
	cols := x.Cols()
	scale := ps[opts.ScaleOffset : opts.ScaleOffset+cols]
	shift := ps[opts.ShiftOffset : opts.ShiftOffset+cols]
	out := make([]float32, len(xs))
	for i := range xs {
		j := i % cols
		out[i] = (1+scale[j])*xs[i] + shift[j]
	}
	return o.out(x.Dtype, x.Shape, out)
}

func siluScalar(v float32) float32 {
	return v / (1 + float32(math.Exp(float64(-v))))
}

func geluScalar(v float32) float32 {
	// tanh approximation, matching common transformer implementations.
	const c = 0.7978845608028654 // sqrt(2/pi)
	x3 := v * v * v
	return 0.5 * v * (1 + float32(math.Tanh(float64(c*(v+0.044715*x3)))))
}

func (o *Ops) SiLU(x gpu.Tensor) gpu.Tensor {
	xs := readF32(x)
	out := make([]float32, len(xs))
	for i, v := range xs {
		out[i] = siluScalar(v)
	}
	return o.out(x.Dtype, x.Shape, out)
}

func (o *Ops) GELU(x gpu.Tensor) gpu.Tensor {
	xs := readF32(x)
	out := make([]float32, len(xs))
	for i, v := range xs {
		out[i] = geluScalar(v)
	}
	return o.out(x.Dtype, x.Shape, out)
}

// SiLURowSplit consumes ⟨rows, 2*dim⟩ holding [gate|up] per row and
// produces ⟨rows, dim⟩ = activation(gate) * up, clamped to ±SwigluLimit
// before the activation when configured.
func (o *Ops) SiLURowSplit(x gpu.Tensor, opts kernel.SiLURowSplitOpts) gpu.Tensor {
	xs := readF32(x)
	rows := x.Rows()
	dim := opts.Dim
	out := make([]float32, rows*dim)
	act := siluScalar
	if opts.Activation == kernel.ActivationGELU {
		act = geluScalar
	}
	for i := 0; i < rows; i++ {
		rowOff := i * 2 * dim
		for j := 0; j < dim; j++ {
			gate := xs[rowOff+j]
			up := xs[rowOff+dim+j]
			if opts.SwigluLimit > 0 {
				gate = clamp(gate, -opts.SwigluLimit, opts.SwigluLimit)
				up = clamp(up, -opts.SwigluLimit, opts.SwigluLimit)
			}
			out[i*dim+j] = act(gate) * up
		}
	}
	return o.out(x.Dtype, gpu.Shape{rows, dim}, out)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Attention computes scaled-dot-product attention with optional GQA
// replication, causal/sliding masking via mask, and logit softcap.
// Q is ⟨seqLen, numHeads, headDim⟩, K/V are ⟨kvLen, numKVHeads, headDim⟩,
// all row-major and flattened.
func (o *Ops) Attention(q, k, v, mask gpu.Tensor, numHeads, headDim int, opts kernel.AttentionOpts) gpu.Tensor {
	qs := readF32(q)
	ks := readF32(k)
	vs := readF32(v)
	var ms []float32
	if mask.Valid() {
		ms = readF32(mask)
	}

	seqLen := opts.SeqLen
	kvLen := opts.KVLen
	numKVHeads := opts.NumKVHeads
	if numKVHeads == 0 {
		numKVHeads = numHeads
	}
	group := numHeads / numKVHeads

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	out := make([]float32, seqLen*numHeads*headDim)
	scores := make([]float32, kvLen)

	for h := 0; h < numHeads; h++ {
		kvh := h / group
		for t := 0; t < seqLen; t++ {
			qOff := (t*numHeads + h) * headDim
			maxScore := float32(math.Inf(-1))
			for j := 0; j < kvLen; j++ {
				kOff := (j*numKVHeads + kvh) * headDim
				var dot float32
				for d := 0; d < headDim; d++ {
					dot += qs[qOff+d] * ks[kOff+d]
				}
				dot *= scale
				if opts.Softcap > 0 {
					dot = opts.Softcap * float32(math.Tanh(float64(dot/opts.Softcap)))
				}
				if ms != nil {
					dot += ms[t*kvLen+j]
				}
				scores[j] = dot
				if dot > maxScore {
					maxScore = dot
				}
			}

			var sum float32
			for j := 0; j < kvLen; j++ {
				e := float32(math.Exp(float64(scores[j] - maxScore)))
				scores[j] = e
				sum += e
			}
			if sum == 0 {
				sum = 1
			}

			oOff := (t*numHeads + h) * headDim
			for d := 0; d < headDim; d++ {
				var acc float32
				for j := 0; j < kvLen; j++ {
					vOff := (j*numKVHeads + kvh) * headDim
					acc += (scores[j] / sum) * vs[vOff+d]
				}
				out[oOff+d] = acc
			}
		}
	}

	return o.out(q.Dtype, gpu.Shape{seqLen, numHeads, headDim}, out)
}

// RoPE applies rotary position embedding to element pairs (i, i+headDim/2)
// within each head, using precomputed cos/sin tables indexed by position,
// and returns the result in a new tensor (x itself is not modified).
func (o *Ops) RoPE(x, cos, sin, positions gpu.Tensor, opts kernel.RoPEOpts) gpu.Tensor {
	xs := append([]float32(nil), readF32(x)...)
	coss := readF32(cos)
	sins := readF32(sin)
	poss := readI32(positions)

	headDim := opts.HeadDim
	half := headDim / 2
	rows := x.Rows()
	numHeads := x.Elems() / (rows * headDim)

	for t := 0; t < rows; t++ {
		pos := int(poss[t])
		for h := 0; h < numHeads; h++ {
			off := (t*numHeads + h) * headDim
			for i := 0; i < half; i++ {
				c := coss[pos*half+i]
				s := sins[pos*half+i]
				a := xs[off+i]
				b := xs[off+half+i]
				xs[off+i] = a*c - b*s
				xs[off+half+i] = a*s + b*c
			}
		}
	}

	return o.out(x.Dtype, x.Shape, xs)
}

func (o *Ops) Argmax(logits gpu.Tensor, vocab int, padTokenID int32, logitSoftcap float32) int32 {
	ls := readF32(logits)
	best := int32(0)
	bestVal := float32(math.Inf(-1))
	for i := 0; i < vocab; i++ {
		if int32(i) == padTokenID {
			continue
		}
		v := ls[i]
		if logitSoftcap > 0 {
			v = logitSoftcap * float32(math.Tanh(float64(v/logitSoftcap)))
		}
		if v > bestVal {
			bestVal = v
			best = int32(i)
		}
	}
	return best
}

// GPUSample performs temperature/top-k sampling directly on the device,
// matching the kernel contract in spec §4.1. It uses a seed-derived
// deterministic PRNG so identical seeds reproduce identical draws.
func (o *Ops) GPUSample(logits gpu.Tensor, vocab int, opts kernel.SampleOpts) int32 {
	ls := append([]float32(nil), readF32(logits)[:vocab]...)
	if opts.LogitSoftcap > 0 {
		for i, v := range ls {
			ls[i] = opts.LogitSoftcap * float32(math.Tanh(float64(v/opts.LogitSoftcap)))
		}
	}

	temp := opts.Temperature
	if temp <= 0 {
		temp = 1
	}
	for i := range ls {
		ls[i] /= temp
		if int32(i) == opts.PadTokenID {
			ls[i] = float32(math.Inf(-1))
		}
	}

	topKMask(ls, opts.TopK)

	probs := softmax(ls)
	rng := newSplitMix64(opts.Seed)
	return int32(sampleFromCDF(probs, rng.Float64()))
}

func (o *Ops) CheckStop(token int32, pos, maxTokens int, eos int32) bool {
	return token == eos || pos >= maxTokens
}

func (o *Ops) CastF32F16(x gpu.Tensor, to gpu.DType) gpu.Tensor {
	xs := readF32(x)
	return o.out(to, x.Shape, xs)
}
