package gpu

import "context"

// Device is the shader-based compute API the engine is built against. It
// exposes buffer allocation, host<->device transfer, and a single command
// queue; kernel dispatch itself goes through the Recorder returned by
// NewRecorder, never directly through Device. A production implementation
// binds this to real compute pipelines; gpu/cpuref binds it to Go loops
// over float32 slices so the rest of the engine is unit-testable.
type Device interface {
	// CreateBuffer allocates size bytes of device memory for the given usage.
	CreateBuffer(size int, usage BufferUsage) Buffer

	// WriteBuffer uploads host data into a device buffer at byteOffset.
	WriteBuffer(buf Buffer, byteOffset int, data []byte)

	// MapAsync requests host-visible access to a buffer (UsageMapRead only)
	// and blocks until the mapping is ready or ctx is done. The returned
	// bytes are a read-only snapshot; Unmap must be called exactly once
	// when the caller is done reading.
	MapAsync(ctx context.Context, buf Buffer) ([]byte, error)
	Unmap(buf Buffer)

	// NewRecorder returns a fresh command recorder bound to this device's
	// queue. profile enables per-pass timestamp queries (§4 Command
	// recorder). pool receives transient tensors tracked by the recorder
	// when it is Close'd; nil disables automatic release.
	NewRecorder(profile bool, pool *Pool) Recorder

	// OnSubmittedWorkDone blocks until all work submitted on this device's
	// queue so far has completed. The driver structurally never reads a
	// buffer written by a submission it has not awaited.
	OnSubmittedWorkDone(ctx context.Context) error

	// Limits reports device capabilities the KV cache and buffer pool must
	// respect (spec §4.3 binding-size constraints).
	Limits() DeviceLimits
}

type DeviceLimits struct {
	MaxStorageBufferBindingSize int64
	SupportsF16                 bool
}

// DeviceInfo describes one compute device for stats/diagnostics purposes
// (getStats' estimated_vram_bytes_peak), mirroring a real backend's device
// enumeration.
type DeviceInfo struct {
	Name            string
	TotalMemory     int64
	AvailableMemory int64
}
