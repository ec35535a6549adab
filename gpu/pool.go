package gpu

import (
	"sync"

	"github.com/google/uuid"
)

// sizeClass rounds a requested byte size up to a pool bucket, the same
// way the teacher's backend allocator buckets graph-node memory instead
// of sizing every allocation exactly: fewer distinct buffer sizes means
// more reuse across decode steps.
func sizeClass(n int) int {
	c := 256
	for c < n {
		c <<= 1
	}
	return c
}

// Pool is the process-wide buffer pool (spec §5 "shared-resource
// policy"): buffers are acquired by size class and returned for reuse,
// with an activity set mutated only by the task that currently holds the
// session (the driver's isGenerating latch enforces that at a higher
// layer; Pool itself is safe for concurrent use because teardown/unload
// can race a live generation).
type Pool struct {
	device Device

	mu     sync.Mutex
	free   map[int][]Buffer // by size class
	active map[uuid.UUID]Buffer
}

func NewPool(device Device) *Pool {
	return &Pool{
		device: device,
		free:   make(map[int][]Buffer),
		active: make(map[uuid.UUID]Buffer),
	}
}

// Acquire returns a buffer of at least size bytes with the given usage,
// reusing a freed buffer from the matching size class when one exists.
func (p *Pool) Acquire(size int, usage BufferUsage) Buffer {
	class := sizeClass(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	if bufs := p.free[class]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.free[class] = bufs[:len(bufs)-1]
		p.active[buf.ID()] = buf
		return buf
	}

	buf := p.device.CreateBuffer(class, usage)
	p.active[buf.ID()] = buf
	return buf
}

// Release returns buf to its size class for reuse. It is a programmer
// error to release a buffer the pool did not hand out, or to release the
// same buffer twice.
func (p *Pool) Release(buf Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[buf.ID()]; !ok {
		panic("gpu: double-free or foreign buffer released to pool")
	}
	delete(p.active, buf.ID())

	class := sizeClass(buf.Size())
	p.free[class] = append(p.free[class], buf)
}

// ActiveCount reports the number of buffers currently checked out. Tests
// use this to assert the "buffer accounting" invariant in spec §8: at the
// end of generate(), the pool's active set matches what existed before
// the call.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Snapshot returns the current set of active buffer IDs, for the
// before/after comparison in the buffer-accounting test.
func (p *Pool) Snapshot() map[uuid.UUID]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make(map[uuid.UUID]struct{}, len(p.active))
	for id := range p.active {
		ids[id] = struct{}{}
	}
	return ids
}
