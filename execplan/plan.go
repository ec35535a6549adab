package execplan

import (
	"errors"
	"fmt"

	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/kernel"
)

// ErrAlreadyFallenBack is returned by Trigger when the plan is already in
// its fallback state and the fallback path itself trips the finiteness
// guard: per spec.md §4.4.4, primary→fallback is one-way within a
// session, fallback→error is terminal.
var ErrAlreadyFallenBack = errors.New("execplan: fallback plan also triggered finiteness guard")

// state is the three-state FSM spec.md §9 calls for: primary, fallback,
// and a terminal error state.
type state int

const (
	statePrimary state = iota
	stateFallback
	stateError
)

// Plan is one compiled branch (primary or fallback) of an ExecPlan: the
// dtype, kernel path, and default knobs a forward pass reads for the
// duration it's active.
type Plan struct {
	ActivationDtype gpu.DType
	KernelPath      kernel.Path
	Finiteness      FinitenessPolicy
	Sampling        SamplingDefaults
	Batching        BatchingConfig
	RingSize        int // B * K, the decode ring's pipeline depth
}

// ExecPlan is the compiled primary/fallback pair plus the live FSM
// pointer a session's forward passes consult (spec.md §3 "Execution
// plan").
type ExecPlan struct {
	Primary  *Plan
	Fallback *Plan // nil unless Primary is f16 and finiteness guard is enabled
	state    state
}

// Active returns whichever plan the FSM currently points at.
func (p *ExecPlan) Active() *Plan {
	if p.state == stateFallback && p.Fallback != nil {
		return p.Fallback
	}
	return p.Primary
}

// InFallback reports whether the plan has already switched away from
// primary.
func (p *ExecPlan) InFallback() bool {
	return p.state != statePrimary
}

// Trigger activates the fallback plan the first time it's called. A
// second call (the fallback plan itself triggering the guard) moves the
// FSM to its terminal error state and returns ErrAlreadyFallenBack; the
// caller surfaces this as a fatal error per spec.md §7.3.
func (p *ExecPlan) Trigger() error {
	switch p.state {
	case statePrimary:
		if p.Fallback == nil {
			return fmt.Errorf("execplan: finiteness guard triggered with no fallback plan compiled")
		}
		p.state = stateFallback
		return nil
	case stateFallback:
		p.state = stateError
		return ErrAlreadyFallenBack
	default:
		return ErrAlreadyFallenBack
	}
}

// ConfigError is raised at load time for a malformed manifest/runtime
// combination (spec.md §7.1).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "execplan: configuration error: " + e.Reason
}

// Compile builds the primary/fallback pair from a model's static
// configuration and a session's runtime knobs (spec.md §3 "Execution
// plan"). The fallback plan exists iff the primary activation dtype is
// f16 and the finiteness guard is enabled; it always upgrades activation
// to f32, keeping every other knob equal to primary unless the caller's
// kernel-path table pins a different variant for f32 (handled by
// gpu/kernel's PinRule table, not here).
func Compile(model ModelConfig, rt RuntimeConfig) (*ExecPlan, error) {
	if err := validate(model, rt); err != nil {
		return nil, err
	}

	ringSize := rt.Batching.BatchSize * max1(rt.Batching.ReadbackInterval)

	primary := &Plan{
		ActivationDtype: rt.ActivationDtype,
		KernelPath:      rt.KernelPath,
		Finiteness:      rt.Finiteness,
		Sampling:        rt.Sampling,
		Batching:        rt.Batching,
		RingSize:        ringSize,
	}

	plan := &ExecPlan{Primary: primary}

	if rt.ActivationDtype == gpu.DTypeF16 && rt.Finiteness.Enabled {
		fallback := *primary
		fallback.ActivationDtype = gpu.DTypeF32
		plan.Fallback = &fallback
	}

	return plan, nil
}

func max1(k int) int {
	if k < 1 {
		return 1
	}
	return k
}

func validate(model ModelConfig, rt RuntimeConfig) error {
	if model.NumLayers <= 0 {
		return &ConfigError{"numLayers must be positive"}
	}
	if model.HiddenSize <= 0 || model.NumHeads <= 0 {
		return &ConfigError{"hiddenSize and numHeads must be positive"}
	}
	if model.NumKVHeads <= 0 {
		return &ConfigError{"numKVHeads must be positive"}
	}
	if model.NumHeads%model.NumKVHeads != 0 {
		return &ConfigError{"numHeads must be a multiple of numKVHeads for grouped-query attention"}
	}
	if model.VocabSize <= 0 {
		return &ConfigError{"vocabSize must be positive"}
	}
	if model.MaxSeqLen <= 0 {
		return &ConfigError{"maxSeqLen must be positive"}
	}
	if rt.Batching.BatchSize < 1 {
		return &ConfigError{"batching.batchSize must be >= 1"}
	}
	if rt.Batching.ReadbackInterval < 1 {
		return &ConfigError{"batching.readbackInterval must be >= 1"}
	}
	switch rt.ActivationDtype {
	case gpu.DTypeF16, gpu.DTypeF32:
	default:
		return &ConfigError{"activation dtype must be f16 or f32"}
	}
	return nil
}
