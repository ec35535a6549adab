// Package sample implements the CPU sampling policies of spec.md
// §4.4.3: logit softcap, a greedy short-circuit below a temperature
// threshold, then temperature/top-k/top-p filtering, softmax, and a
// multinomial draw. Field names mirror the teacher's SamplingParams
// (llama/llama_sampling.go: TopK, TopP, Temp, PenaltyRepeat), reworked
// into pure Go — the teacher's sampling context is a cgo wrapper around
// llama.cpp; this package does the same arithmetic without cgo, and the
// generate package calls it for host-side sampling. The final multinomial draw goes through gonum's
// sampleuv package rather than a hand-rolled CDF walk.
package sample

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// DefaultGreedyThreshold is spec.md §4.4.3's stated default: a
// temperature below this falls back to pure argmax.
const DefaultGreedyThreshold = 0.05

// Options configures one Sample call.
type Options struct {
	Temperature     float32
	TopK            int
	TopP            float32
	GreedyThreshold float32 // 0 means DefaultGreedyThreshold
	PadTokenID      int32
	LogitSoftcap    float32 // 0 disables
	Seed            uint64
}

// ApplyRepetitionPenalty divides (logit > 0) or multiplies (logit <= 0)
// each previously emitted token's logit by penalty, in place. A penalty
// of exactly 1.0 is a no-op regardless of sign, per spec.md §8.
func ApplyRepetitionPenalty(logits []float32, emitted []int32, penalty float32) {
	if penalty == 1.0 {
		return
	}
	for _, id := range emitted {
		i := int(id)
		if i < 0 || i >= len(logits) {
			continue
		}
		if logits[i] > 0 {
			logits[i] /= penalty
		} else {
			logits[i] *= penalty
		}
	}
}

// Argmax returns the index of the highest logit, ignoring padTokenID
// (spec.md §4.1 "argmax ... ignoring pad-token id").
func Argmax(logits []float32, padTokenID int32) int32 {
	best := int32(0)
	bestVal := float32(math.Inf(-1))
	seen := false
	for i, v := range logits {
		if int32(i) == padTokenID {
			continue
		}
		if !seen || v > bestVal {
			bestVal, best, seen = v, int32(i), true
		}
	}
	return best
}

// Sample runs the full pipeline of spec.md §4.4.3 and returns the
// sampled token id. logits is not mutated; Sample works on a copy so the
// caller can keep the original for a finiteness scan or debug logging.
func Sample(logits []float32, opts Options) int32 {
	threshold := opts.GreedyThreshold
	if threshold == 0 {
		threshold = DefaultGreedyThreshold
	}

	work := softcap(logits, opts.LogitSoftcap)

	if opts.Temperature < threshold {
		return Argmax(work, opts.PadTokenID)
	}

	temp := opts.Temperature
	if temp <= 0 {
		temp = 1
	}
	for i := range work {
		work[i] /= temp
	}
	if opts.PadTokenID >= 0 && int(opts.PadTokenID) < len(work) {
		work[opts.PadTokenID] = float32(math.Inf(-1))
	}

	applyTopK(work, opts.TopK)
	applyTopP(work, opts.TopP)

	probs := softmax64(work)

	rng := rand.New(rand.NewSource(int64(opts.Seed)))
	w := sampleuv.NewWeighted(probs, rng)
	idx, ok := w.Take()
	if !ok {
		// every probability mass landed on -inf logits (e.g. padTokenID
		// was the only unmasked entry); fall back to argmax rather than
		// returning an arbitrary index.
		return Argmax(work, opts.PadTokenID)
	}
	return int32(idx)
}

// softcap returns a copy of logits with x -> cap*tanh(x/cap) applied;
// cap<=0 disables it and just copies.
func softcap(logits []float32, cap float32) []float32 {
	out := make([]float32, len(logits))
	if cap <= 0 {
		copy(out, logits)
		return out
	}
	for i, v := range logits {
		out[i] = cap * float32(math.Tanh(float64(v/cap)))
	}
	return out
}

// applyTopK keeps the top k logits and sets the rest to -inf. k<=0 or
// k>=len(logits) disables the filter.
func applyTopK(logits []float32, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}
	idx := sortedIndices(logits)
	keep := make(map[int]bool, k)
	for _, i := range idx[:k] {
		keep[i] = true
	}
	for i := range logits {
		if !keep[i] {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

// applyTopP keeps the smallest prefix (by descending probability) whose
// cumulative softmax mass reaches topP, masking the rest to -inf.
// topP<=0 or topP>=1.0 disables the filter (spec.md §8: "top-p=1.0 ≡
// pure softmax").
func applyTopP(logits []float32, topP float32) {
	if topP <= 0 || topP >= 1.0 {
		return
	}
	probs := softmax64(logits)
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	keep := make(map[int]bool, len(idx))
	var cum float64
	for _, i := range idx {
		keep[i] = true
		cum += probs[i]
		if cum >= float64(topP) {
			break
		}
	}
	for i := range logits {
		if !keep[i] {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

func sortedIndices(logits []float32) []int {
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return logits[idx[a]] > logits[idx[b]] })
	return idx
}

// softmax64 computes a numerically stable softmax in float64 (the
// precision sampleuv's weighted draw wants) using gonum/floats for the
// reduction and in-place scale.
func softmax64(logits []float32) []float64 {
	vals := make([]float64, len(logits))
	maxV := math.Inf(-1)
	for i, v := range logits {
		vals[i] = float64(v)
		if vals[i] > maxV {
			maxV = vals[i]
		}
	}
	for i := range vals {
		vals[i] = math.Exp(vals[i] - maxV)
	}
	sum := floats.Sum(vals)
	if sum == 0 {
		return vals
	}
	floats.Scale(1/sum, vals)
	return vals
}
