package gpu

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Pass is one recorded compute-shader dispatch, kept only for profiling
// and debugging; kernel implementations append to a Recorder's pass list
// through Record, they never construct a Pass directly.
type Pass struct {
	Kernel string
	Role   Role
}

// Recorder accumulates compute passes into a single command encoder and
// submits them as one batch, tracking ownership of the transient tensors
// produced along the way so they can be released in bulk after the
// submission completes. One Recorder is good for exactly one submitted
// batch; create a new one per prefill / per decode step (or per B*K
// batched-decode steps).
type Recorder interface {
	ID() uuid.UUID

	// Record appends a compute pass invoking kernel with the given advisory
	// role; kernel implementations call this once per dispatch before
	// returning the output Tensor they allocated for it.
	Record(kernel string, role Role)

	// Track transfers ownership of a transient tensor to the recorder; it
	// will be released back to the pool when the recorder is closed.
	Track(t Tensor)

	// Submit finalizes and submits the accumulated passes to the device
	// queue. It does not block; use Wait to observe completion.
	Submit()

	// Wait blocks until the submitted batch has completed. It is a
	// programmer error to call Wait before Submit.
	Wait(ctx context.Context) error

	// Passes returns the recorded passes in submission order, for tests
	// and profiling.
	Passes() []Pass

	// Profile returns per-pass elapsed time if profiling was requested at
	// construction; nil otherwise.
	Profile() []time.Duration

	// Close releases every tensor tracked by this recorder back to its
	// pool. Safe to call after Wait, or instead of Submit/Wait on an
	// aborted recording (e.g. a compile-time slot-lifetime violation).
	Close()
}
