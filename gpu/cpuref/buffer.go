// Package cpuref is the reference gpu.Device: it executes every kernel
// contract in gpu/kernel as real float32 arithmetic over host memory
// instead of dispatching shaders. It exists so the layer engine, KV
// cache, execution-plan fallback, and generator driver are unit-testable
// without a real GPU, and it is the default device the tests in this
// module run against.
package cpuref

import (
	"github.com/dopplerml/core/gpu"
	"github.com/google/uuid"
)

type Buffer struct {
	id    uuid.UUID
	bytes []byte
	usage gpu.BufferUsage
}

func (b *Buffer) ID() uuid.UUID        { return b.id }
func (b *Buffer) Size() int            { return len(b.bytes) }
func (b *Buffer) Usage() gpu.BufferUsage { return b.usage }

func (b *Buffer) Floats() []float32 {
	return bytesToFloats(b.bytes)
}

func (b *Buffer) Ints() []int32 {
	return bytesToInts(b.bytes)
}

var _ gpu.Buffer = (*Buffer)(nil)

// newFloatBuffer allocates a buffer sized for n float32 elements.
func newFloatBuffer(n int) *Buffer {
	return &Buffer{id: uuid.New(), bytes: make([]byte, n*4), usage: gpu.UsageStorage}
}

func newIntBuffer(n int) *Buffer {
	return &Buffer{id: uuid.New(), bytes: make([]byte, n*4), usage: gpu.UsageStorage}
}
