package kvcache

import "log/slog"

// Options configures which concrete Cache New builds and how it is
// sized, mirroring the runtime configuration's KV layout field (spec
// §3 "KV layout {contiguous, paged(pageSize), sliding(windowSize),
// tiered(mode, thresholds), bdpa}").
type Options struct {
	Layout       Layout
	PageSize     int
	WindowSize   int
	HotPages     int
	EvictMode    EvictMode
	WindowTokens int
	BasisCount   int
	MaxSeqLen    int
	KVDType      string // "f16" or "f32"; New does not read it (Tiered.Init checks the dtype it is given)
}

// New applies the layout-selection rule in spec §4.3 and constructs the
// resulting Cache. It never returns an error for a bad combination it
// can resolve by substitution (contiguous -> paged upgrade, sliding
// clamp); Init is where device-capacity errors surface.
func New(opts Options, log *slog.Logger) Cache {
	layout := opts.Layout

	if opts.WindowSize > 0 && layout == LayoutContiguous {
		layout = LayoutSliding
	}

	if layout == LayoutContiguous && opts.MaxSeqLen >= PagedThreshold {
		if log != nil {
			log.Info("kvcache: upgrading contiguous to paged", "maxSeqLen", opts.MaxSeqLen, "threshold", PagedThreshold)
		}
		layout = LayoutPaged
	}

	switch layout {
	case LayoutPaged:
		return NewPaged(opts.PageSize)
	case LayoutSliding:
		return NewSliding(opts.WindowSize)
	case LayoutTiered:
		return NewTiered(opts.PageSize, opts.HotPages, opts.EvictMode, opts.WindowTokens)
	case LayoutBDPA:
		return NewBdpa(opts.PageSize, opts.BasisCount)
	default:
		return &Contiguous{}
	}
}
