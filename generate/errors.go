package generate

import "errors"

// Sentinel and wrapped error kinds for spec.md §7's error taxonomy.
// Configuration and device errors are surfaced at load time. Mid-
// generation, a finiteness-guard trip is recovered from once by switching
// to the fallback plan, and a device-sampled token that fails the bounds
// check is recovered from once by switching to host sampling (see
// Generator.fusedSamplingDisabled in generate.go); no other invariant
// violation has a recovery path in this package.
var (
	// ErrAlreadyGenerating is a programmer error: a second Generate call
	// while the isGenerating latch is held by another in-flight call.
	ErrAlreadyGenerating = errors.New("generate: a generation is already in progress on this session")

	// ErrNotLoaded is a programmer error: Generate/decodeStepLogits/etc.
	// called before LoadModel succeeded.
	ErrNotLoaded = errors.New("generate: no model loaded")

	// ErrReadbackDisabled is the error kind for an operation that needs a
	// host readback (CPU sampling, embedding extraction, debug checks) in
	// a session that forbids one. No path in this package returns it:
	// execplan.RuntimeConfig has no readback switch, and every readback
	// here runs unconditionally.
	ErrReadbackDisabled = errors.New("generate: operation requires host readback, which this session disables")

	// ErrPromptTooLong is raised when a prompt exceeds maxSeqLen and
	// OnOverflow is set to error (the default).
	ErrPromptTooLong = errors.New("generate: prompt exceeds maxSeqLen and OnOverflow is set to error")

	// ErrBadSampledToken marks an invariant violation: a sampled token id
	// fell outside [0, vocabSize) or equaled a forbidden pad token.
	ErrBadSampledToken = errors.New("generate: sampled token failed bounds check")
)

// FinitenessError is fatal: it is returned when the guard trips and no
// plan is left to switch to, either because the fallback plan itself
// trips the guard a second time (spec.md §4.4.4's fallback->error
// terminal transition) or because no fallback plan was compiled.
type FinitenessError struct {
	Layer, Step int
}

func (e *FinitenessError) Error() string {
	return "generate: finiteness guard triggered with no fallback plan left to switch to"
}

// ConfigError is raised at load time for a manifest missing a required
// field, or an invalid layout/kernel path combination.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "generate: configuration error: " + e.Reason
}
