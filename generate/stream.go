package generate

import (
	"strings"
	"unicode/utf8"
)

// pieceAccumulator withholds a trailing partial multi-byte rune (and,
// separately, a trailing prefix that could still grow into a configured
// stop sequence) until it resolves, rather than yielding possibly-broken
// text immediately. Grounded on the teacher's common.IncompleteUnicode
// gate in runner_compute.go, generalized to also gate on stop sequences
// (spec.md is silent on this edge case; supplemented per SPEC_FULL.md
// §5.3).
type pieceAccumulator struct {
	pending []byte
	stops   []string
}

func newPieceAccumulator(stops []string) *pieceAccumulator {
	return &pieceAccumulator{stops: stops}
}

// push appends raw token bytes and returns the text now safe to emit,
// plus whether the withheld suffix matches a stop sequence exactly (the
// caller should terminate without emitting that suffix at all).
func (p *pieceAccumulator) push(piece []byte) (emit string, stopped bool) {
	p.pending = append(p.pending, piece...)

	safe := len(p.pending)
	for safe > 0 && !utf8.RuneStart(p.pending[safe-1]) {
		safe--
	}
	if safe > 0 {
		if utf8.FullRune(p.pending[safe-1:]) {
			safe = len(p.pending)
		} else {
			safe--
		}
	}

	candidate := string(p.pending[:safe])
	for _, s := range p.stops {
		if strings.HasSuffix(candidate, s) {
			p.pending = nil
			return candidate[:len(candidate)-len(s)], true
		}
		if overlapsSuffix(candidate, s) {
			// candidate ends with a strict, non-empty prefix of a stop
			// sequence: hold back that prefix in case the next piece
			// completes the match.
			holdback := longestStopPrefixSuffix(candidate, s)
			if holdback > 0 {
				p.pending = append([]byte(candidate[len(candidate)-holdback:]), p.pending[safe:]...)
				return candidate[:len(candidate)-holdback], false
			}
		}
	}

	p.pending = p.pending[safe:]
	return candidate, false
}

// flush returns whatever text remains buffered (called at generation end
// when no further piece will arrive to complete a rune or stop match).
func (p *pieceAccumulator) flush() string {
	out := string(p.pending)
	p.pending = nil
	return out
}

func overlapsSuffix(s, stop string) bool {
	return longestStopPrefixSuffix(s, stop) > 0
}

// longestStopPrefixSuffix returns the length of the longest proper
// prefix of stop that is also a suffix of s (0 if none).
func longestStopPrefixSuffix(s, stop string) int {
	max := len(stop) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, stop[:l]) {
			return l
		}
	}
	return 0
}
