// Package execplan compiles a model's immutable configuration and a
// session's runtime knobs into an execution plan: a primary/fallback
// pair of kernel-path and dtype decisions the generator driver activates
// and switches between, plus the precomputed RoPE frequency tables every
// layer forward pass reads. It is grounded on the teacher's
// ml.BackendCacheConfig negotiation shape (ml/backend.go), generalized
// into the explicit two-state FSM spec.md §9 calls for.
package execplan

import (
	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/kernel"
	"github.com/dopplerml/core/kvcache"
)

// ExpertFormat names one of the three MoE routing/weight layouts spec.md
// §3 lists.
type ExpertFormat string

const (
	ExpertDense    ExpertFormat = "dense"
	ExpertMixtral  ExpertFormat = "mixtral"
	ExpertGPTOSS   ExpertFormat = "gpt-oss"
)

// ChatTemplateType selects one of the four literal chat formatters in
// spec.md §6.
type ChatTemplateType string

const (
	ChatTemplateNone       ChatTemplateType = ""
	ChatTemplateTurnBased  ChatTemplateType = "turn"
	ChatTemplateHeaderBased ChatTemplateType = "header"
	ChatTemplateChannelBased ChatTemplateType = "channel"
	ChatTemplateChatML     ChatTemplateType = "chatml"
)

// AttentionType distinguishes full (global) attention layers from
// sliding-window layers, per spec.md §6's manifest contract
// ("per-layer attention type (full vs sliding)").
type AttentionType int

const (
	AttentionFull AttentionType = iota
	AttentionSliding
)

// YarnScaling carries the YARN RoPE extension's tunables (spec.md §3).
type YarnScaling struct {
	Factor          float64
	BetaFast        float64
	BetaSlow        float64
	OriginalMaxPos  int
}

// RopeScaling is either a flat linear factor or a YARN configuration;
// nil means no scaling (native theta/maxSeqLen).
type RopeScaling struct {
	LinearFactor float64 // 0 means "use Yarn instead"
	Yarn         *YarnScaling
}

// ModelConfig is the immutable, per-model configuration of spec.md §3.
type ModelConfig struct {
	NumLayers   int
	HiddenSize  int
	NumHeads    int
	NumKVHeads  int
	HeadDim     int // hiddenSize / numHeads if zero
	VocabSize   int
	MaxSeqLen   int

	RMSNormEps          float32
	RMSNormWeightOffset bool

	RopeTheta      float64
	RopeLocalTheta *float64 // nil: no dual local/global RoPE
	RopeScaling    *RopeScaling

	SlidingWindow          *int // window size in tokens, nil if no layer uses it
	LayerAttentionTypes    []AttentionType // len == NumLayers; nil means all AttentionFull

	FinalLogitSoftcapping *float32
	AttnLogitSoftcapping  *float32

	NumExperts   int
	TopK         int
	ExpertFormat ExpertFormat

	// SwigluLimit clamps gate/up activations before the SiLU multiply
	// (spec.md §3's gpt-oss activation clamp); 0 disables it. Populated
	// for ExpertGPTOSS models, left zero otherwise.
	SwigluLimit float32

	SandwichNorm     bool // post-attention / post-ffn RMSNorm before residual
	HiddenActivation kernel.Activation

	ScaleEmbeddings  bool
	TiedEmbeddings   bool
	ChatTemplateType ChatTemplateType
}

func (m ModelConfig) headDim() int {
	if m.HeadDim > 0 {
		return m.HeadDim
	}
	return m.HiddenSize / m.NumHeads
}

// EffectiveHeadDim exports headDim's defaulting rule for packages outside
// execplan that need the per-head dimension (layer.Engine's projections,
// the decode ring's KV cache sizing).
func (m ModelConfig) EffectiveHeadDim() int {
	return m.headDim()
}

// AttentionTypeFor reports layer ℓ's attention type, defaulting to full
// when the manifest didn't populate LayerAttentionTypes (the common case
// for models with no sliding-window layers at all).
func (m ModelConfig) AttentionTypeFor(layer int) AttentionType {
	if layer < len(m.LayerAttentionTypes) {
		return m.LayerAttentionTypes[layer]
	}
	return AttentionFull
}

// StopCheckMode selects how the batched-decode ring path scans for an
// early stop (spec.md §4.4.2).
type StopCheckMode string

const (
	StopCheckBatch     StopCheckMode = "batch"
	StopCheckPerToken  StopCheckMode = "per-token"
)

// KVLayoutConfig mirrors the runtime's requested KV layout plus its
// per-layout sizing knobs (spec.md §3).
type KVLayoutConfig struct {
	Layout       kvcache.Layout
	PageSize     int
	WindowSize   int
	TieredHotPages int
	TieredEvict  kvcache.EvictMode
	BasisCount   int
}

// BatchingConfig is the runtime's batched-decode configuration.
type BatchingConfig struct {
	BatchSize        int // B
	ReadbackInterval int // K
	StopCheckMode    StopCheckMode
	MaxTokens        int
}

// SamplingDefaults are the session-wide sampling knobs a generate()
// call's per-request options layer over (spec.md §3).
type SamplingDefaults struct {
	GreedyThreshold   float32
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
}

// FinitenessPolicy configures the finiteness guard (spec.md §3, §4.4.4).
type FinitenessPolicy struct {
	Enabled          bool
	IncludeNonFinite bool
	AbsThreshold     float32
}

// DefaultFinitenessPolicy matches spec.md §3's stated default threshold.
func DefaultFinitenessPolicy() FinitenessPolicy {
	return FinitenessPolicy{Enabled: true, IncludeNonFinite: true, AbsThreshold: 65500}
}

// RuntimeConfig is the mutable, per-session configuration of spec.md §3.
type RuntimeConfig struct {
	ActivationDtype gpu.DType
	KVDtype         gpu.DType
	KVLayout        KVLayoutConfig
	Batching        BatchingConfig
	Sampling        SamplingDefaults
	Finiteness      FinitenessPolicy
	KernelPath      kernel.Path

	// AllowFusedQKV permits the layer engine to use a pre-fused QKV
	// weight when one is present and every projection shares a dtype;
	// false forces three separate matmuls even when fusion is possible.
	AllowFusedQKV bool
}

// DefaultKVDType applies spec.md §4.3's KV dtype default rule: f16 when
// the device supports it and either attention softcap is disabled or the
// model has not opted into forcing f32-for-softcap.
func DefaultKVDType(model ModelConfig, deviceSupportsF16, forceF32ForSoftcap bool) gpu.DType {
	if !deviceSupportsF16 {
		return gpu.DTypeF32
	}
	if model.AttnLogitSoftcapping != nil && forceF32ForSoftcap {
		return gpu.DTypeF32
	}
	return gpu.DTypeF16
}
