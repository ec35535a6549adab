package generate

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/dopplerml/core/execplan"
	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/cpuref"
	"github.com/dopplerml/core/gpu/kernel"
	"github.com/stretchr/testify/require"
)

const (
	genHidden  = 8
	genHeads   = 2
	genKVHeads = 2
	genHeadDim = genHidden / genHeads
	genFFN     = 16
	genVocab   = 16
	genLayers  = 2
	genMaxSeq  = 32
)

// fakeTokenizer maps each byte of the input to a token id one-for-one
// (id = byte value, wrapped into the small test vocab) and decodes a
// token id to the single letter 'a'+id — enough to exercise the full
// encode -> generate -> decode loop without a real BPE tokenizer.
type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string) ([]int32, error) {
	ids := make([]int32, len(text))
	for i, b := range []byte(text) {
		ids[i] = int32(b) % genVocab
	}
	return ids, nil
}

func (fakeTokenizer) DecodePiece(id int32) []byte {
	return []byte{byte('a' + int(id)%26)}
}

type fakeManifest struct {
	dev          gpu.Device
	stopTokenIDs []int32
	eos          int32
}

func (m fakeManifest) ModelConfig() execplan.ModelConfig {
	return execplan.ModelConfig{
		NumLayers:  genLayers,
		HiddenSize: genHidden,
		NumHeads:   genHeads,
		NumKVHeads: genKVHeads,
		VocabSize:  genVocab,
		MaxSeqLen:  genMaxSeq,
		RMSNormEps: 1e-5,
		RopeTheta:  10000,
	}
}

func (m fakeManifest) Weights() []WeightSource {
	var out []WeightSource
	add := func(name string, shape gpu.Shape) {
		n := shape.Elems()
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = float32(math.Sin(float64(i)*0.23 + float64(len(name))))
		}
		out = append(out, WeightSource{Name: name, Data: gpu.EncodeF32(vals), Dtype: gpu.DTypeF32, Layout: gpu.LayoutRow, Shape: shape})
	}
	add("token_embd.weight", gpu.Shape{genVocab, genHidden})
	add("output_norm.weight", gpu.Shape{genHidden})
	add("output.weight", gpu.Shape{genVocab, genHidden})
	for l := 0; l < genLayers; l++ {
		add(blkName(l, "attn_norm.weight"), gpu.Shape{genHidden})
		add(blkName(l, "attn_q.weight"), gpu.Shape{genHeads * genHeadDim, genHidden})
		add(blkName(l, "attn_k.weight"), gpu.Shape{genKVHeads * genHeadDim, genHidden})
		add(blkName(l, "attn_v.weight"), gpu.Shape{genKVHeads * genHeadDim, genHidden})
		add(blkName(l, "attn_output.weight"), gpu.Shape{genHidden, genHeads * genHeadDim})
		add(blkName(l, "ffn_norm.weight"), gpu.Shape{genHidden})
		add(blkName(l, "ffn_gate_up.weight"), gpu.Shape{2 * genFFN, genHidden})
		add(blkName(l, "ffn_down.weight"), gpu.Shape{genHidden, genFFN})
	}
	return out
}

func blkName(layer int, name string) string {
	return "blk." + itoa(layer) + "." + name
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (m fakeManifest) Tokenizer() Tokenizer          { return fakeTokenizer{} }
func (m fakeManifest) StopTokenIDs() []int32         { return m.stopTokenIDs }
func (m fakeManifest) PadTokenID() int32             { return -1 }
func (m fakeManifest) EOSTokenID() int32             { return m.eos }
func (m fakeManifest) KernelPathOverride() kernel.Path { return "" }

var _ Manifest = fakeManifest{}

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	g := NewGenerator()
	dev := cpuref.NewDevice()
	rt := execplan.RuntimeConfig{
		ActivationDtype: gpu.DTypeF32,
		KVDtype:         gpu.DTypeF32,
		KVLayout:        execplan.KVLayoutConfig{Layout: 0},
		Batching:        execplan.BatchingConfig{BatchSize: 1, ReadbackInterval: 1, MaxTokens: 8},
		Sampling:        execplan.SamplingDefaults{GreedyThreshold: 1, Temperature: 1},
		Finiteness:      execplan.DefaultFinitenessPolicy(),
	}
	g.Initialize(dev, rt, 42)

	manifest := fakeManifest{dev: dev, eos: 99}
	require.NoError(t, g.LoadModel(manifest))
	return g
}

func TestGenerate_StreamsTokensWithoutError(t *testing.T) {
	g := newTestGenerator(t)
	opts := DefaultOptions(g.rt)
	opts.MaxTokens = 5

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := g.Generate(ctx, "hi", opts)
	require.NoError(t, err)

	var tokens []Token
	for tok := range out {
		require.NoError(t, tok.Err)
		tokens = append(tokens, tok)
	}
	require.NotEmpty(t, tokens)
}

func TestGenerate_RejectsConcurrentCalls(t *testing.T) {
	g := newTestGenerator(t)
	opts := DefaultOptions(g.rt)
	opts.MaxTokens = 50

	ctx := context.Background()
	first, err := g.Generate(ctx, "hello there", opts)
	require.NoError(t, err)

	_, err = g.Generate(ctx, "second call", opts)
	require.ErrorIs(t, err, ErrAlreadyGenerating)

	for range first {
	}
}

func TestGenerate_ErrorsWhenNotLoaded(t *testing.T) {
	g := NewGenerator()
	_, err := g.Generate(context.Background(), "x", Options{})
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestGetStats_ReflectsLastCompletedCall(t *testing.T) {
	g := newTestGenerator(t)
	require.Equal(t, Stats{}, g.GetStats())

	opts := DefaultOptions(g.rt)
	opts.MaxTokens = 3
	out, err := g.Generate(context.Background(), "go", opts)
	require.NoError(t, err)
	for range out {
	}

	stats := g.GetStats()
	require.GreaterOrEqual(t, stats.PrefillTimeMs, 0.0)
}
