// Package kvcache implements the per-layer key/value history store the
// layer engine appends to every step and reads back for attention. Five
// physical layouts share one Cache contract (contiguous, paged, sliding,
// tiered, bdpa); the layer engine never branches on which one is active.
package kvcache

import (
	"context"
	"errors"
	"math"

	"github.com/dopplerml/core/gpu"
)

var (
	// ErrCacheFull is returned when a StartForward cannot find room for
	// the requested batch of new positions.
	ErrCacheFull = errors.New("kvcache: cache full")
	// ErrNotSupported is returned by operations a layout does not
	// implement (e.g. Remove on a layout with no shift function).
	ErrNotSupported = errors.New("kvcache: operation not supported by this layout")
	// ErrIncompatibleSnapshot is returned by Restore when a snapshot was
	// produced by a differently configured cache.
	ErrIncompatibleSnapshot = errors.New("kvcache: snapshot incompatible with this cache")
)

// Layout identifies one of the five physical KV cache strategies in
// spec §4.3.
type Layout int

const (
	LayoutContiguous Layout = iota
	LayoutPaged
	LayoutSliding
	LayoutTiered
	LayoutBDPA
)

func (l Layout) String() string {
	switch l {
	case LayoutContiguous:
		return "contiguous"
	case LayoutPaged:
		return "paged"
	case LayoutSliding:
		return "sliding"
	case LayoutTiered:
		return "tiered"
	case LayoutBDPA:
		return "bdpa"
	default:
		return "unknown"
	}
}

// PagedThreshold is the maxSeqLen at or above which a runtime request for
// LayoutContiguous is silently upgraded to LayoutPaged (spec §4.3
// "Layout selection").
const PagedThreshold = 1 << 16

// DefaultPageSize is used when a paged/tiered/bdpa layout is requested
// without an explicit page size.
const DefaultPageSize = 128

// Cache is the contract every KV layout implements. One Cache instance
// holds the history for a single owning session (spec §5 "the KV cache
// is exclusive to the owning session"); concurrent sequences are out of
// scope here, unlike the multi-sequence cache this package is modeled
// on.
type Cache interface {
	// Init allocates per-layer storage sized for maxSeqLen tokens (a
	// layout may reinterpret maxSeqLen, e.g. sliding clamps it to the
	// window size).
	Init(dev gpu.Device, pool *gpu.Pool, numLayers, numKVHeads, headDim int, dtype gpu.DType, maxSeqLen int) error

	// SetLayer selects which layer's storage subsequent Put/Get calls
	// address.
	SetLayer(layer int)

	// StartForward registers the positions about to be written by this
	// forward pass (prefill: many; decode: one) and builds the causal
	// mask shared by every layer's Get this step.
	StartForward(positions []int32) error

	// Put appends key/value for the current layer at the positions
	// registered by the most recent StartForward. key/value are
	// ⟨len(positions), numKVHeads, headDim⟩.
	Put(ctx context.Context, key, value gpu.Tensor)

	// Get returns the current layer's full key/value history plus the
	// mask built by StartForward, the number of valid KV rows, and the
	// base offset attention should apply to absolute positions (nonzero
	// for sliding-window wraparound).
	Get(ctx context.Context) (key, value, mask gpu.Tensor, kvLen, windowBase int)

	// SeqLen reports the logical sequence length: the next position
	// StartForward will assign.
	SeqLen() int

	// Snapshot captures enough state to resume generation later via
	// Restore on a freshly Init'd cache of identical configuration.
	Snapshot() (*Snapshot, error)

	// Restore rehydrates state captured by Snapshot.
	Restore(ctx context.Context, snap *Snapshot) error

	// Remove deletes positions [beginIndex, endIndex) from the logical
	// sequence, shifting later positions down by the removed span.
	// endIndex == math.MaxInt32 means "to the end" (no shift needed).
	Remove(beginIndex, endIndex int32) error

	// Clone produces an independent copy of the cache usable by a second
	// session without disturbing this one. Every layout, tiered included,
	// makes a deep copy through Snapshot and Restore; no storage is shared
	// copy-on-write between the two caches.
	Clone(ctx context.Context) (Cache, error)

	// Close releases every device buffer the cache owns.
	Close()
}

// Snapshot is the cloneable capture spec §4.4's prefillKVOnly returns:
// enough to resume generation on a fresh cache via Restore. Its Layout
// and Rows fields let generate() validate that a resume target matches
// the cache it was produced from.
type Snapshot struct {
	Layout  Layout
	SeqLen  int
	Rows    [][]byte // per-layer raw key bytes, then value bytes, concatenated (bdpa: one token-id/key/value record per position)
	Extra   map[string][]byte
}

func newRangeMarker() (int, int) {
	return math.MaxInt, -1
}

// buildCausalMask renders a ⟨len(positions), kvLen⟩ f32 mask: 0 where
// the query at positions[i] may attend to kv row j (j's absolute
// position is windowBase+j), -inf where it may not. A query may attend
// to kv row j iff windowBase+j <= positions[i] (causal) and, when
// windowSize > 0, windowBase+j > positions[i]-windowSize.
func buildCausalMask(positions []int32, kvLen, windowBase, windowSize int) []float32 {
	mask := make([]float32, len(positions)*kvLen)
	negInf := float32(math.Inf(-1))
	for i, pos := range positions {
		for j := 0; j < kvLen; j++ {
			absPos := windowBase + j
			blocked := absPos > int(pos)
			if windowSize > 0 && absPos <= int(pos)-windowSize {
				blocked = true
			}
			if blocked {
				mask[i*kvLen+j] = negInf
			}
		}
	}
	return mask
}

func uploadMask(dev gpu.Device, pool *gpu.Pool, mask []float32, rows, kvLen int) gpu.Tensor {
	buf := pool.Acquire(len(mask)*4, gpu.UsageStorage|gpu.UsageCopyDst)
	dev.WriteBuffer(buf, 0, gpu.EncodeF32(mask))
	return gpu.Tensor{Buf: buf, Dtype: gpu.DTypeF32, Shape: gpu.Shape{rows, kvLen}}
}

// readTensorBytes round-trips a tensor's current device bytes through
// MapAsync/Unmap, the only device-agnostic way this package touches
// buffer contents without assuming a concrete Buffer type.
func readTensorBytes(ctx context.Context, dev gpu.Device, t gpu.Tensor) []byte {
	// Cancellation is observed at step boundaries by the generate package;
	// a read already under way ignores it.
	b, err := dev.MapAsync(context.WithoutCancel(ctx), t.Buf)
	if err != nil {
		panic(err)
	}
	defer dev.Unmap(t.Buf)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func rowBytes(numKVHeads, headDim int, dtype gpu.DType) int {
	return numKVHeads * headDim * dtype.Sizeof()
}
