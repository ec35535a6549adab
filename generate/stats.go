package generate

import (
	"encoding/json"
	"fmt"
	"io"
)

// DecodeStepProfile records one decode step's timing breakdown (spec.md
// §6 getStats' decodeProfileSteps, shape supplemented from the teacher's
// Sequence.processingDuration/samplingDuration/numPredicted fields).
type DecodeStepProfile struct {
	StepIndex     int     `json:"stepIndex"`
	ComputeMs     float64 `json:"computeMs"`
	SamplingMs    float64 `json:"samplingMs"`
	TokensEmitted int     `json:"tokensEmitted"`
}

// Stats is the getStats() contract of spec.md §6.
type Stats struct {
	PrefillTimeMs      float64             `json:"prefillTimeMs"`
	DecodeTimeMs       float64             `json:"decodeTimeMs"`
	TTFTMs             float64             `json:"ttftMs"`
	TokensGenerated    int                 `json:"tokensGenerated"`
	DecodeProfileSteps []DecodeStepProfile `json:"decodeProfileSteps"`
}

// BenchmarkResult is the JSON payload a `[DOPPLER:RESULT]` marker carries
// (spec.md §6).
type BenchmarkResult struct {
	DecodeTokensPerSec     float64 `json:"decode_tokens_per_sec"`
	TTFTMs                 float64 `json:"ttft_ms"`
	PrefillTokensPerSec    float64 `json:"prefill_tokens_per_sec"`
	DecodeMsPerTokenP99    float64 `json:"decode_ms_per_token_p99"`
	EstimatedVRAMBytesPeak int64   `json:"estimated_vram_bytes_peak"`
}

// BenchmarkResultFrom derives a BenchmarkResult from a Stats snapshot and
// a peak VRAM estimate the caller obtained from its device enumeration.
func BenchmarkResultFrom(s Stats, promptTokens int, vramPeak int64) BenchmarkResult {
	r := BenchmarkResult{TTFTMs: s.TTFTMs, EstimatedVRAMBytesPeak: vramPeak}
	if s.PrefillTimeMs > 0 && promptTokens > 0 {
		r.PrefillTokensPerSec = float64(promptTokens) / (s.PrefillTimeMs / 1000)
	}
	if s.DecodeTimeMs > 0 && s.TokensGenerated > 0 {
		r.DecodeTokensPerSec = float64(s.TokensGenerated) / (s.DecodeTimeMs / 1000)
	}
	r.DecodeMsPerTokenP99 = decodeMsP99(s.DecodeProfileSteps)
	return r
}

func decodeMsP99(steps []DecodeStepProfile) float64 {
	if len(steps) == 0 {
		return 0
	}
	durations := make([]float64, len(steps))
	for i, st := range steps {
		durations[i] = st.ComputeMs + st.SamplingMs
	}
	// insertion sort: decode profiles are small (bounded by maxTokens
	// per call), not worth pulling in sort for a p99 over a few hundred
	// entries at most.
	for i := 1; i < len(durations); i++ {
		for j := i; j > 0 && durations[j-1] > durations[j]; j-- {
			durations[j-1], durations[j] = durations[j], durations[j-1]
		}
	}
	idx := (len(durations) * 99) / 100
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx]
}

// EmitResult writes a `[DOPPLER:RESULT] <json>` marker line.
func EmitResult(w io.Writer, result BenchmarkResult) error {
	return emitMarker(w, "RESULT", result)
}

// EmitDone writes a `[DOPPLER:DONE] <json>` marker line, the terminal
// marker for a successful run.
func EmitDone(w io.Writer, stats Stats) error {
	return emitMarker(w, "DONE", stats)
}

// EmitError writes a `[DOPPLER:ERROR] <json>` marker line in place of a
// RESULT marker when a run fails.
func EmitError(w io.Writer, err error) error {
	return emitMarker(w, "ERROR", struct {
		Message string `json:"message"`
	}{err.Error()})
}

func emitMarker(w io.Writer, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "[DOPPLER:%s] %s\n", kind, data)
	return err
}
