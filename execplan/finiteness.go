package execplan

import "math"

// FinitenessStatus mirrors the 4-u32 finiteness buffer of spec.md §4.4.4:
// Triggered plus the layer/step at which the excursion was first
// observed. The wire layout's 4th (reserved) word has no field here.
type FinitenessStatus struct {
	Triggered bool
	Layer     int
	Step      int
}

// FinitenessGuard evaluates activations against a FinitenessPolicy. A
// real shader backend does this inline per-kernel on the device; the
// reference device and this guard instead scan host-readable float
// slices the driver already has in hand after a readback (logits,
// pooled embeddings) or that the layer engine maps back deliberately when
// the policy is enabled.
type FinitenessGuard struct {
	policy FinitenessPolicy
}

func NewFinitenessGuard(policy FinitenessPolicy) *FinitenessGuard {
	return &FinitenessGuard{policy: policy}
}

func (g *FinitenessGuard) Enabled() bool { return g.policy.Enabled }

// Scan reports whether any value in vals trips the policy: magnitude
// over AbsThreshold always counts; NaN/Inf only counts when
// IncludeNonFinite is set (values that are already non-finite have no
// well-defined magnitude to compare against the threshold).
func (g *FinitenessGuard) Scan(vals []float32, layer, step int) FinitenessStatus {
	if !g.policy.Enabled {
		return FinitenessStatus{}
	}
	for _, v := range vals {
		nonFinite := math.IsNaN(float64(v)) || math.IsInf(float64(v), 0)
		if nonFinite {
			if g.policy.IncludeNonFinite {
				return FinitenessStatus{Triggered: true, Layer: layer, Step: step}
			}
			continue
		}
		if abs32(v) > g.policy.AbsThreshold {
			return FinitenessStatus{Triggered: true, Layer: layer, Step: step}
		}
	}
	return FinitenessStatus{}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
