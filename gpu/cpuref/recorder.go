package cpuref

import (
	"context"
	"time"

	"github.com/dopplerml/core/gpu"
	"github.com/google/uuid"
)

// Recorder is the reference gpu.Recorder. Because cpuref executes kernel
// math eagerly, Submit/Wait are no-ops beyond bookkeeping; what the
// recorder actually does is remember which passes ran (for profiling and
// tests) and which tensors it now owns (for bulk release on Close).
type Recorder struct {
	id       uuid.UUID
	pool     *gpu.Pool
	profile  bool
	passes   []gpu.Pass
	times    []time.Duration
	tracked  []gpu.Tensor
	submitted bool
}

func newRecorder(profile bool, pool *gpu.Pool) *Recorder {
	return &Recorder{id: uuid.New(), pool: pool, profile: profile}
}

var _ gpu.Recorder = (*Recorder)(nil)

func (r *Recorder) ID() uuid.UUID { return r.id }

func (r *Recorder) Record(kernel string, role gpu.Role) {
	r.passes = append(r.passes, gpu.Pass{Kernel: kernel, Role: role})
	if r.profile {
		r.times = append(r.times, 0) // cpuref executes synchronously; no per-pass timing to report
	}
}

func (r *Recorder) Track(t gpu.Tensor) {
	r.tracked = append(r.tracked, t)
}

func (r *Recorder) Submit() {
	r.submitted = true
}

func (r *Recorder) Wait(ctx context.Context) error {
	if !r.submitted {
		panic("gpu: Wait called before Submit")
	}
	return ctx.Err()
}

func (r *Recorder) Passes() []gpu.Pass { return r.passes }

func (r *Recorder) Profile() []time.Duration {
	if !r.profile {
		return nil
	}
	return r.times
}

func (r *Recorder) Close() {
	if r.pool == nil {
		r.tracked = nil
		return
	}
	for _, t := range r.tracked {
		if t.Buf != nil {
			r.pool.Release(t.Buf)
		}
	}
	r.tracked = nil
}
