package cpuref

import (
	"context"

	"github.com/dopplerml/core/gpu"
	"github.com/google/uuid"
)

// Device is the reference gpu.Device. It has no asynchrony of its own:
// WriteBuffer/MapAsync/OnSubmittedWorkDone all complete synchronously, and
// kernel math runs eagerly inside Ops calls. This keeps tests
// deterministic while preserving the structural contract (submit, then
// wait, before reading) the rest of the engine relies on.
type Device struct {
	limits gpu.DeviceLimits
}

func NewDevice() *Device {
	return &Device{limits: gpu.DeviceLimits{
		MaxStorageBufferBindingSize: 1 << 31,
		SupportsF16:                 true,
	}}
}

var _ gpu.Device = (*Device)(nil)

func (d *Device) CreateBuffer(size int, usage gpu.BufferUsage) gpu.Buffer {
	return &Buffer{id: uuid.New(), bytes: make([]byte, size), usage: usage}
}

func (d *Device) WriteBuffer(buf gpu.Buffer, byteOffset int, data []byte) {
	b := buf.(*Buffer)
	copy(b.bytes[byteOffset:], data)
}

func (d *Device) MapAsync(ctx context.Context, buf gpu.Buffer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := buf.(*Buffer)
	return b.bytes, nil
}

func (d *Device) Unmap(buf gpu.Buffer) {}

func (d *Device) NewRecorder(profile bool, pool *gpu.Pool) gpu.Recorder {
	return newRecorder(profile, pool)
}

func (d *Device) OnSubmittedWorkDone(ctx context.Context) error {
	return ctx.Err()
}

func (d *Device) Limits() gpu.DeviceLimits {
	return d.limits
}
