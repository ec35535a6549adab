package generate

import "github.com/dopplerml/core/execplan"

// OverflowPolicy selects how Generate handles a prompt longer than the
// model's maxSeqLen (spec.md is silent on this; supplemented from the
// teacher's NewSequenceParams shift/truncate fields — see SPEC_FULL.md
// §5.2).
type OverflowPolicy string

const (
	// OnOverflowError fails the call; the default, matching spec.md's
	// otherwise-fatal tone for configuration-adjacent edge cases.
	OnOverflowError OverflowPolicy = "error"
	// OnOverflowTruncateOldest drops the oldest prompt tokens, keeping
	// the newest ones that fit in the remaining context less one
	// position (maxSeqLen-1 on an empty cache), so at least one decode
	// step fits.
	OnOverflowTruncateOldest OverflowPolicy = "truncateOldest"
)

// Options configures one Generate call (spec.md §6's generate(prompt,
// opts) option set, with the supplemented OnOverflow knob).
type Options struct {
	Temperature       float32
	TopP              float32
	TopK              int
	RepetitionPenalty float32
	GreedyThreshold   float32
	MaxTokens         int
	StopSequences     []string

	BatchSize        int
	StopCheckMode     execplan.StopCheckMode
	ReadbackInterval int

	Seed            uint64
	UseChatTemplate bool
	OnOverflow      OverflowPolicy
}

// DefaultOptions seeds an Options from the session's compiled sampling
// defaults and batching configuration, letting a caller override just
// the fields it cares about.
func DefaultOptions(rt execplan.RuntimeConfig) Options {
	return Options{
		Temperature:       rt.Sampling.Temperature,
		TopP:              rt.Sampling.TopP,
		TopK:              rt.Sampling.TopK,
		RepetitionPenalty: rt.Sampling.RepetitionPenalty,
		GreedyThreshold:   rt.Sampling.GreedyThreshold,
		MaxTokens:         rt.Batching.MaxTokens,
		BatchSize:         rt.Batching.BatchSize,
		StopCheckMode:     rt.Batching.StopCheckMode,
		ReadbackInterval:  rt.Batching.ReadbackInterval,
		OnOverflow:        OnOverflowError,
	}
}
