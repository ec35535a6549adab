package generate

import (
	"github.com/dopplerml/core/execplan"
	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/kernel"
)

// Manifest is the load-time contract spec.md §6 describes as "consumed,
// not defined here": model dimensions, per-layer attention type,
// quantization layout, tokenizer preset, kernel path id, stop token ids,
// and an optional chat template type. LoadModel fails fast when the
// model config lacks NumLayers, HiddenSize or VocabSize, or when no
// tokenizer is provided; the token ids are taken as given, and an empty
// KernelPathOverride falls back to execplan.DefaultKernelPath.
type Manifest interface {
	ModelConfig() execplan.ModelConfig
	Weights() []WeightSource
	Tokenizer() Tokenizer

	StopTokenIDs() []int32
	PadTokenID() int32
	EOSTokenID() int32

	// KernelPathOverride returns a pinned kernel path id, or "" to let
	// execplan.DefaultKernelPath derive one from the model config.
	KernelPathOverride() kernel.Path
}

// WeightSource describes one named tensor the registry should hold.
// CPUResident marks a weight the loader could not place on-device (an
// oversized shard, or a deliberate host-resident policy); the registry
// stages it lazily the first time a kernel call needs it.
type WeightSource struct {
	Name        string
	Data        []byte
	Dtype       gpu.DType
	Layout      gpu.Layout
	Shape       gpu.Shape
	Quant       *gpu.QuantMeta
	CPUResident bool
}

// Tokenizer is the consumed tokenizer contract. DecodePiece returns the
// raw UTF-8 bytes (possibly a partial multi-byte rune, handled by the
// streaming loop's incomplete-UTF8 buffer) a single token id decodes to.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	DecodePiece(id int32) []byte
}
