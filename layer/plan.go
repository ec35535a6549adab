// Package layer implements the layer engine and logits head: one forward
// pass through a transformer block, compiled from a data-driven step list
// with a slot-lifetime check, plus the final RMSNorm+matmul+softcap that
// turns the last block's output into logits. Weight names follow the
// teacher's gguf tensor convention (fs/ggml/ggml_tensor.go, ggml_graph.go):
// "blk.<i>.attn_norm.weight", "blk.<i>.attn_q.weight", and so on.
package layer

import "fmt"

// Slot names a value produced or consumed within a single block's
// forward pass. SlotInput is the only slot considered written before a
// plan starts executing.
type Slot string

const SlotInput Slot = "x"

type Op int

const (
	OpRMSNorm Op = iota
	OpAttention
	OpFFN
	OpResidualAdd
)

func (o Op) String() string {
	switch o {
	case OpRMSNorm:
		return "rmsnorm"
	case OpAttention:
		return "attention"
	case OpFFN:
		return "ffn"
	case OpResidualAdd:
		return "residual_add"
	default:
		return "unknown"
	}
}

// Step is one instruction in a layer plan. WeightPrefix names the gguf
// tensor group a rmsnorm/attention/ffn step reads from ("attn_norm",
// "attn", "ffn_norm", "ffn"); PostNorm requests the sandwich-norm variant
// of attention/ffn steps (an extra RMSNorm on the block's output before
// it is added back to the residual stream).
type Step struct {
	Op           Op
	Src          Slot
	Residual     Slot // only read when Op == OpResidualAdd
	Dst          Slot
	WeightPrefix string
	PostNorm     bool
}

// Plan is a slot-lifetime-checked, ordered step list for one transformer
// block's forward pass.
type Plan struct {
	Steps []Step
}

// Compile validates that every step reads only slots an earlier step (or
// SlotInput) has already written, then returns the plan unchanged — this
// is pure validation, never a rewrite.
func Compile(steps []Step) (*Plan, error) {
	written := map[Slot]bool{SlotInput: true}
	for i, s := range steps {
		if !written[s.Src] {
			return nil, fmt.Errorf("layer: step %d (%s) reads slot %q before it is written", i, s.Op, s.Src)
		}
		if s.Op == OpResidualAdd && !written[s.Residual] {
			return nil, fmt.Errorf("layer: step %d (%s) reads residual slot %q before it is written", i, s.Op, s.Residual)
		}
		if s.Dst == "" {
			return nil, fmt.Errorf("layer: step %d (%s) has no destination slot", i, s.Op)
		}
		written[s.Dst] = true
	}
	return &Plan{Steps: steps}, nil
}

// CompileCanonicalPlan builds the standard six-step block: norm, attention,
// residual add, norm, ffn, residual add. sandwichNorm sets PostNorm on the
// attention/ffn steps for models that apply an extra RMSNorm to the
// sublayer's output before the residual add.
func CompileCanonicalPlan(sandwichNorm bool) (*Plan, error) {
	return Compile([]Step{
		{Op: OpRMSNorm, Src: "x", Dst: "attn_in", WeightPrefix: "attn_norm"},
		{Op: OpAttention, Src: "attn_in", Dst: "attn_out", WeightPrefix: "attn", PostNorm: sandwichNorm},
		{Op: OpResidualAdd, Src: "attn_out", Residual: "x", Dst: "x2"},
		{Op: OpRMSNorm, Src: "x2", Dst: "ffn_in", WeightPrefix: "ffn_norm"},
		{Op: OpFFN, Src: "ffn_in", Dst: "ffn_out", WeightPrefix: "ffn", PostNorm: sandwichNorm},
		{Op: OpResidualAdd, Src: "ffn_out", Residual: "x2", Dst: "out"},
	})
}
