package gpu

import "fmt"

// QuantMeta carries the extra per-tensor metadata a quantized weight
// needs beyond dtype+shape: block scales/mins for Q4_K. Nil for
// unquantized dtypes.
type QuantMeta struct {
	BlockSize  int
	ScaleBytes []byte // per-block scale/min table, opaque to the core
}

// WeightEntry wraps a raw device buffer with the dtype/layout metadata
// matmul needs to pick the correct shader variant. Weight entries are
// resident for the lifetime of the loaded model: they are never acquired
// from, or released to, the Pool, and they are shared by reference across
// every layer-engine invocation that reads them.
type WeightEntry struct {
	Name   string
	Buf    Buffer
	Dtype  DType
	Layout Layout
	Shape  Shape
	Quant  *QuantMeta
}

func (w WeightEntry) Tensor() Tensor {
	return Tensor{Buf: w.Buf, Dtype: w.Dtype, Shape: w.Shape}
}

// Registry is the model's weight buffer registry: a name -> WeightEntry
// map populated once at load time and read (never mutated) by every
// subsequent forward pass. It also mediates the CPU-resident fallback
// path: a weight that could not be placed on the device (e.g. it
// overflows a binding-size limit) is kept host-side and transparently
// staged to a scratch device buffer the first time a kernel needs it.
type Registry struct {
	entries map[string]WeightEntry
	cpuOnly map[string][]byte
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]WeightEntry),
		cpuOnly: make(map[string][]byte),
	}
}

func (r *Registry) Put(e WeightEntry) {
	r.entries[e.Name] = e
}

// PutCPUResident registers a weight that lives only in host memory, for
// models whose total weight set overflows a single device's storage
// (the "mediate CPU-resident fallback" duty in spec §2).
func (r *Registry) PutCPUResident(name string, data []byte, dtype DType, layout Layout, shape Shape) {
	r.cpuOnly[name] = data
	r.entries[name] = WeightEntry{Name: name, Dtype: dtype, Layout: layout, Shape: shape}
}

func (r *Registry) Get(name string) (WeightEntry, error) {
	e, ok := r.entries[name]
	if !ok {
		return WeightEntry{}, fmt.Errorf("gpu: weight %q not found in registry", name)
	}
	return e, nil
}

// IsCPUResident reports whether name must be staged to a device buffer
// before a kernel can read it.
func (r *Registry) IsCPUResident(name string) bool {
	_, ok := r.cpuOnly[name]
	return ok
}

// Stage uploads a CPU-resident weight into a freshly acquired device
// buffer and updates the registry entry in place. Called lazily, the
// first time a kernel needs the weight on-device.
func (r *Registry) Stage(name string, pool *Pool, device Device) (WeightEntry, error) {
	e, ok := r.entries[name]
	if !ok {
		return WeightEntry{}, fmt.Errorf("gpu: weight %q not found in registry", name)
	}
	data, ok := r.cpuOnly[name]
	if !ok {
		return e, nil // already device-resident
	}

	buf := device.CreateBuffer(len(data), UsageStorage|UsageCopyDst)
	device.WriteBuffer(buf, 0, data)
	e.Buf = buf
	r.entries[name] = e
	delete(r.cpuOnly, name)
	return e, nil
}

// Names returns every registered weight name, for tests and diagnostics
// that need to enumerate a loaded model's tensors.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}
