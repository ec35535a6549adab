package generate

// decodeRing is the batched-decode pipeline buffer of spec.md §3: a
// ring of B*K+1 token slots where slot i is both the output of decode
// step i and the input to step i+1, plus an optional per-slot stop flag
// for `per-token` stop checking. decodeBatched appends all B*K steps to
// one recorder and, when sampling fits entirely on the device, chains
// each step's GPUSample result straight into slot i without a host
// round trip; this type is the host-side view of that chain used to
// find the stop point and seed each step's token input.
type decodeRing struct {
	tokens    []int32
	stopFlags []bool // nil unless stopCheckMode == per-token

	size int // B*K
}

// newDecodeRing allocates a ring for batchSize*readbackInterval steps,
// seeded with the current last-produced token at slot 0.
func newDecodeRing(batchSize, readbackInterval int, perToken bool, seedToken int32) *decodeRing {
	n := batchSize * max1(readbackInterval)
	r := &decodeRing{tokens: make([]int32, n+1), size: n}
	r.tokens[0] = seedToken
	if perToken {
		r.stopFlags = make([]bool, n+1)
	}
	return r
}

func max1(k int) int {
	if k < 1 {
		return 1
	}
	return k
}

// earliestStop scans stop flags (per-token mode) or a CPU-side stop-id
// set (batch mode) and returns the index of the first token that should
// terminate generation, or -1 if none does. idx is the ring slot, so the
// caller yields tokens[1:idx+1].
func (r *decodeRing) earliestStop(stopIDs map[int32]bool) int {
	for i := 1; i <= r.size; i++ {
		if r.stopFlags != nil && r.stopFlags[i] {
			return i
		}
		if stopIDs[r.tokens[i]] {
			return i
		}
	}
	return -1
}
