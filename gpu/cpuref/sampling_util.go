package cpuref

import "math"

// topKMask zeroes out (sets to -inf) every logit outside the top k,
// matching the kernel contract "keep top K, rest -> -inf". k<=0 disables
// the filter.
func topKMask(logits []float32, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}

	type scored struct {
		idx int
		val float32
	}
	ranked := make([]scored, len(logits))
	for i, v := range logits {
		ranked[i] = scored{i, v}
	}
	// partial selection sort for the top k; vocab sizes in this engine's
	// test scope are small enough that this is simpler than a heap.
	for i := 0; i < k; i++ {
		maxIdx := i
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].val > ranked[maxIdx].val {
				maxIdx = j
			}
		}
		ranked[i], ranked[maxIdx] = ranked[maxIdx], ranked[i]
	}

	keep := make(map[int]struct{}, k)
	for i := 0; i < k; i++ {
		keep[ranked[i].idx] = struct{}{}
	}
	for i := range logits {
		if _, ok := keep[i]; !ok {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

func softmax(logits []float32) []float32 {
	maxV := float32(math.Inf(-1))
	for _, v := range logits {
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		sum = 1
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// sampleFromCDF draws an index from probs given a uniform draw in [0,1).
func sampleFromCDF(probs []float32, u float64) int {
	var cum float64
	for i, p := range probs {
		cum += float64(p)
		if u < cum {
			return i
		}
	}
	return len(probs) - 1
}

// splitmix64 is a small, fast, deterministic PRNG: identical seeds always
// produce identical sequences, which is what spec.md's reproducibility
// tests require of GPU-side sampling.
type splitmix64 struct{ state uint64 }

func newSplitMix64(seed uint64) *splitmix64 {
	return &splitmix64{state: seed}
}

func (s *splitmix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z = z ^ (z >> 31)
	return z
}

func (s *splitmix64) Float64() float64 {
	return float64(s.next()>>11) / float64(1<<53)
}
