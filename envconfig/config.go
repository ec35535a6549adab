// Package envconfig exposes the runtime knobs of spec.md §3 ("Runtime
// configuration (mutable, per-session)") as typed getters over DOPPLER_*
// environment variables, in the teacher's Var/lookup/parse style
// (envconfig/config.go upstream reads OLLAMA_* server knobs the same
// way). The core itself never calls os.Getenv directly; a collaborator
// (the CLI, out of core scope per spec.md §1) reads these getters once
// at startup and passes the resulting execplan.RuntimeConfig into
// Generator.Initialize.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dopplerml/core/execplan"
	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/kvcache"
)

// ActivationDtype reads DOPPLER_ACTIVATION_DTYPE ("f16" or "f32").
// Default: f16.
func ActivationDtype() gpu.DType {
	return dtypeVar("DOPPLER_ACTIVATION_DTYPE", gpu.DTypeF16)
}

// KVDtype reads DOPPLER_KV_DTYPE ("f16" or "f32"). Default: f16.
func KVDtype() gpu.DType {
	return dtypeVar("DOPPLER_KV_DTYPE", gpu.DTypeF16)
}

func dtypeVar(key string, def gpu.DType) gpu.DType {
	switch strings.ToLower(Var(key)) {
	case "f32", "fp32", "float32":
		return gpu.DTypeF32
	case "f16", "fp16", "float16":
		return gpu.DTypeF16
	case "":
		return def
	default:
		slog.Warn("invalid dtype, using default", "key", key, "value", Var(key), "default", def)
		return def
	}
}

// KVLayout reads DOPPLER_KV_LAYOUT ("contiguous", "paged", "sliding",
// "tiered", "bdpa"). Default: contiguous (the layout-selection rule in
// spec.md §4.3 upgrades this at load time when maxSeqLen warrants it).
func KVLayout() kvcache.Layout {
	switch strings.ToLower(Var("DOPPLER_KV_LAYOUT")) {
	case "paged":
		return kvcache.LayoutPaged
	case "sliding":
		return kvcache.LayoutSliding
	case "tiered":
		return kvcache.LayoutTiered
	case "bdpa":
		return kvcache.LayoutBDPA
	default:
		return kvcache.LayoutContiguous
	}
}

// KVPageSize reads DOPPLER_KV_PAGE_SIZE. Default: kvcache.DefaultPageSize.
func KVPageSize() int {
	return UintVar("DOPPLER_KV_PAGE_SIZE", kvcache.DefaultPageSize)
}

// KVWindowSize reads DOPPLER_KV_WINDOW_SIZE, the sliding-window width in
// tokens. Default: 0 (no window; only meaningful for sliding/tiered
// layouts or models whose manifest declares a sliding-window layer).
func KVWindowSize() int {
	return UintVar("DOPPLER_KV_WINDOW_SIZE", 0)
}

// BatchSize reads DOPPLER_BATCH_SIZE, the B in the batched-decode ring
// (spec.md §3). Default: 1 (single-token fused path).
func BatchSize() int {
	return UintVar("DOPPLER_BATCH_SIZE", 1)
}

// ReadbackInterval reads DOPPLER_READBACK_INTERVAL, the K in B*K.
// Default: 1.
func ReadbackInterval() int {
	return UintVar("DOPPLER_READBACK_INTERVAL", 1)
}

// StopCheckMode reads DOPPLER_STOP_CHECK_MODE ("batch" or "per-token").
// Default: batch.
func StopCheckMode() execplan.StopCheckMode {
	if strings.EqualFold(Var("DOPPLER_STOP_CHECK_MODE"), "per-token") {
		return execplan.StopCheckPerToken
	}
	return execplan.StopCheckBatch
}

// MaxTokens reads DOPPLER_MAX_TOKENS, the session's default generation
// budget absent a per-call override. Default: 256.
func MaxTokens() int {
	return UintVar("DOPPLER_MAX_TOKENS", 256)
}

// Temperature reads DOPPLER_TEMPERATURE. Default: 0.8.
func Temperature() float32 {
	return FloatVar("DOPPLER_TEMPERATURE", 0.8)
}

// TopK reads DOPPLER_TOP_K. Default: 40.
func TopK() int {
	return UintVar("DOPPLER_TOP_K", 40)
}

// TopP reads DOPPLER_TOP_P. Default: 0.95.
func TopP() float32 {
	return FloatVar("DOPPLER_TOP_P", 0.95)
}

// RepetitionPenalty reads DOPPLER_REPETITION_PENALTY. Default: 1.0 (a
// no-op, per spec.md §8).
func RepetitionPenalty() float32 {
	return FloatVar("DOPPLER_REPETITION_PENALTY", 1.0)
}

// GreedyThreshold reads DOPPLER_GREEDY_THRESHOLD, the temperature below
// which sampling short-circuits to argmax (spec.md §4.4.3). Default:
// sample.DefaultGreedyThreshold's value, 0.05.
func GreedyThreshold() float32 {
	return FloatVar("DOPPLER_GREEDY_THRESHOLD", 0.05)
}

// FinitenessEnabled reads DOPPLER_FINITENESS_GUARD. Default: true.
func FinitenessEnabled() bool {
	return BoolWithDefault("DOPPLER_FINITENESS_GUARD")(true)
}

// FinitenessIncludeNonFinite reads DOPPLER_FINITENESS_INCLUDE_NONFINITE.
// Default: true.
func FinitenessIncludeNonFinite() bool {
	return BoolWithDefault("DOPPLER_FINITENESS_INCLUDE_NONFINITE")(true)
}

// FinitenessAbsThreshold reads DOPPLER_FINITENESS_ABS_THRESHOLD, spec.md
// §3's default 65500.
func FinitenessAbsThreshold() float32 {
	return FloatVar("DOPPLER_FINITENESS_ABS_THRESHOLD", 65500)
}

// LogLevel reads DOPPLER_DEBUG the way the teacher's LogLevel reads
// OLLAMA_DEBUG: unset/false → Info, true or 1 → Debug, 2 → a
// trace-grained negative level the teacher's logutil.Trace checks for.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("DOPPLER_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// ReadbackDisabled reads DOPPLER_NO_READBACK, the switch for forbidding
// host readback (CPU sampling, embedding extraction, debug checks).
// RuntimeConfigFromEnv does not carry it and the generator never
// consults it, so setting it does not change how generation reads
// results back.
func ReadbackDisabled() bool {
	return Bool("DOPPLER_NO_READBACK")()
}

// Seed reads DOPPLER_SEED, the session-scoped sampling RNG seed.
// Default: 0, meaning "derive one from the clock" — left to the caller
// since this package never calls time.Now (spec.md's suspension-point
// list has no clock dependency in the core).
func Seed() uint64 {
	s := Var("DOPPLER_SEED")
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		slog.Warn("invalid DOPPLER_SEED, ignoring", "value", s)
		return 0
	}
	return n
}

// KernelPathOverride reads DOPPLER_KERNEL_PATH, overriding
// execplan.DefaultKernelPath's model-derived choice. Empty means "let
// the compiler decide."
func KernelPathOverride() string {
	return Var("DOPPLER_KERNEL_PATH")
}

// Var returns an environment variable with surrounding quotes and
// whitespace trimmed, the same normalization the teacher applies to
// every OLLAMA_* lookup.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
