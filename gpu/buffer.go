package gpu

import "github.com/google/uuid"

// BufferUsage tags what a buffer is allowed to be used for, mirroring the
// usage flags a real WebGPU-style device would require at creation time.
type BufferUsage int

const (
	UsageStorage BufferUsage = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
)

// Buffer is an opaque handle to device-resident memory. Concrete devices
// (gpu/cpuref, or a real shader backend) implement their own buffer type
// satisfying this interface; the rest of the engine never looks inside one.
type Buffer interface {
	ID() uuid.UUID
	Size() int
	Usage() BufferUsage
}

// Tensor is a GPU-resident value: a buffer interpreted under a dtype and
// shape. Ownership is exclusive — exactly one owner is responsible for
// releasing it (back to a Pool, or never, for weight entries). Handing a
// Tensor to a Recorder transfers ownership to that recorder until the
// recorder's command batch is submitted and waited on.
type Tensor struct {
	Buf   Buffer
	Dtype DType
	Shape Shape
}

func (t Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

func (t Tensor) Cols() int {
	if len(t.Shape) < 2 {
		return 1
	}
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

func (t Tensor) Elems() int {
	return t.Shape.Elems()
}

func (t Tensor) Valid() bool {
	return t.Buf != nil
}
