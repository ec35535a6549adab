// config_utils.go holds the getter-factory helpers every knob in
// config.go/config_features.go is built from, plus the AsMap/Values
// export the teacher's config_utils.go offers for a debug/info surface.
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// BoolWithDefault returns a function reading k as a bool, falling back
// to its argument when k is unset or unparsable (mirrors the teacher's
// two-layer Bool/BoolWithDefault split so a default-true flag like
// AllowFusedQKV and a default-false flag like DisableRecordedLogits
// share one implementation).
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return defaultValue
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a function reading k as a bool, default false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String returns a function reading k as a raw trimmed string.
func String(k string) func() string {
	return func() string {
		return Var(k)
	}
}

// Uint returns a function reading k as a uint, falling back to
// defaultValue when unset or unparsable.
func Uint(key string, defaultValue uint) func() int {
	return func() int {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return int(n)
			}
		}
		return int(defaultValue)
	}
}

// Uint64 returns a function reading k as a uint64, falling back to
// defaultValue when unset or unparsable.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// UintVar is the direct (non-factory) form Uint's callers in config.go
// use for one-off reads that don't need a reusable closure.
func UintVar(key string, defaultValue int) int {
	return Uint(key, uint(defaultValue))()
}

// FloatVar reads key as a float32, falling back to defaultValue when
// unset or unparsable.
func FloatVar(key string, defaultValue float32) float32 {
	if s := Var(key); s != "" {
		if f, err := strconv.ParseFloat(s, 32); err != nil {
			slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
		} else {
			return float32(f)
		}
	}
	return defaultValue
}

// EnvVar pairs one DOPPLER_*/vendor key with its resolved value and a
// one-line description, the shape the teacher's AsMap/Values export.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every DOPPLER_* runtime knob this package recognizes,
// its current resolved value, and a human description — the equivalent
// of the teacher's `ollama --version`-adjacent config dump, scoped to
// the core's own knobs instead of the server's.
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"DOPPLER_DEBUG":                          {"DOPPLER_DEBUG", LogLevel(), "Log verbosity (0=info, 1=debug, 2=trace)"},
		"DOPPLER_ACTIVATION_DTYPE":                {"DOPPLER_ACTIVATION_DTYPE", ActivationDtype(), "Activation dtype for the primary execution plan (f16 or f32)"},
		"DOPPLER_KV_DTYPE":                        {"DOPPLER_KV_DTYPE", KVDtype(), "KV cache storage dtype (f16 or f32)"},
		"DOPPLER_KV_LAYOUT":                       {"DOPPLER_KV_LAYOUT", KVLayout().String(), "KV cache layout (contiguous, paged, sliding, tiered, bdpa)"},
		"DOPPLER_KV_PAGE_SIZE":                    {"DOPPLER_KV_PAGE_SIZE", KVPageSize(), "Tokens per page for paged/tiered/bdpa layouts"},
		"DOPPLER_KV_WINDOW_SIZE":                  {"DOPPLER_KV_WINDOW_SIZE", KVWindowSize(), "Sliding-window width in tokens"},
		"DOPPLER_KV_TIERED_HOT_PAGES":             {"DOPPLER_KV_TIERED_HOT_PAGES", TieredHotPages(), "GPU-resident page budget for the tiered layout"},
		"DOPPLER_KV_BDPA_BASIS_COUNT":             {"DOPPLER_KV_BDPA_BASIS_COUNT", BDPABasisCount(), "Centroid basis vectors per page for the bdpa layout"},
		"DOPPLER_BATCH_SIZE":                      {"DOPPLER_BATCH_SIZE", BatchSize(), "Batched-decode ring size B"},
		"DOPPLER_READBACK_INTERVAL":               {"DOPPLER_READBACK_INTERVAL", ReadbackInterval(), "Batched-decode readback interval K"},
		"DOPPLER_STOP_CHECK_MODE":                 {"DOPPLER_STOP_CHECK_MODE", StopCheckMode(), "Batched-decode stop check mode (batch or per-token)"},
		"DOPPLER_MAX_TOKENS":                      {"DOPPLER_MAX_TOKENS", MaxTokens(), "Default generation budget"},
		"DOPPLER_TEMPERATURE":                     {"DOPPLER_TEMPERATURE", Temperature(), "Default sampling temperature"},
		"DOPPLER_TOP_K":                            {"DOPPLER_TOP_K", TopK(), "Default top-k"},
		"DOPPLER_TOP_P":                            {"DOPPLER_TOP_P", TopP(), "Default top-p"},
		"DOPPLER_REPETITION_PENALTY":               {"DOPPLER_REPETITION_PENALTY", RepetitionPenalty(), "Default repetition penalty"},
		"DOPPLER_GREEDY_THRESHOLD":                 {"DOPPLER_GREEDY_THRESHOLD", GreedyThreshold(), "Temperature below which sampling falls back to argmax"},
		"DOPPLER_FINITENESS_GUARD":                 {"DOPPLER_FINITENESS_GUARD", FinitenessEnabled(), "Enable the finiteness guard"},
		"DOPPLER_FINITENESS_INCLUDE_NONFINITE":     {"DOPPLER_FINITENESS_INCLUDE_NONFINITE", FinitenessIncludeNonFinite(), "Also trigger on NaN/Inf, not just magnitude"},
		"DOPPLER_FINITENESS_ABS_THRESHOLD":         {"DOPPLER_FINITENESS_ABS_THRESHOLD", FinitenessAbsThreshold(), "Magnitude threshold for the finiteness guard"},
		"DOPPLER_NO_READBACK":                      {"DOPPLER_NO_READBACK", ReadbackDisabled(), "Forbid host readback; CPU sampling/embedding extraction error instead"},
		"DOPPLER_SEED":                             {"DOPPLER_SEED", Seed(), "Session-scoped sampling RNG seed (0 lets the caller derive one)"},
		"DOPPLER_KERNEL_PATH":                      {"DOPPLER_KERNEL_PATH", KernelPathOverride(), "Override the compiled kernel path id"},
		"DOPPLER_ALLOW_FUSED_QKV":                  {"DOPPLER_ALLOW_FUSED_QKV", AllowFusedQKV(true), "Permit fused QKV projection when the manifest provides one"},
		"DOPPLER_NO_RECORDED_LOGITS":               {"DOPPLER_NO_RECORDED_LOGITS", DisableRecordedLogits(), "Disable the recorded-logits fast path"},
		"DOPPLER_NO_BATCHED_DECODE":                {"DOPPLER_NO_BATCHED_DECODE", DisableBatchedDecode(), "Force the single-token decode path regardless of batch size"},
		"DOPPLER_PROFILE_COMMANDS":                 {"DOPPLER_PROFILE_COMMANDS", ProfileCommandBuffers(), "Enable command-recorder timestamp profiling"},
		"DOPPLER_GPU_OVERHEAD":                     {"DOPPLER_GPU_OVERHEAD", GpuOverhead(), "Reserve a portion of VRAM per device (bytes)"},
	}

	for key, fn := range map[string]func() string{
		"CUDA_VISIBLE_DEVICES":    CudaVisibleDevices,
		"HIP_VISIBLE_DEVICES":     HipVisibleDevices,
		"ROCR_VISIBLE_DEVICES":    RocrVisibleDevices,
		"GGML_VK_VISIBLE_DEVICES": VkVisibleDevices,
		"GPU_DEVICE_ORDINAL":      GpuDeviceOrdinal,
	} {
		ret[key] = EnvVar{key, fn(), "Device-visibility override (vendor convention, not DOPPLER_*)"}
	}

	return ret
}

// Values returns every entry of AsMap reduced to its stringified value,
// the shape a debug log line or `--show-config` style surface wants.
func Values() map[string]string {
	vals := make(map[string]string, len(AsMap()))
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
