package envconfig

import (
	"github.com/dopplerml/core/execplan"
	"github.com/dopplerml/core/gpu/kernel"
	"github.com/dopplerml/core/kvcache"
)

// RuntimeConfigFromEnv assembles a full execplan.RuntimeConfig from the
// DOPPLER_* knobs in this package, the shape Generator.Initialize
// expects (spec.md §6 "initialize(contexts): binds GPU device, sets
// runtime config"). This is the one place every getter in config.go and
// config_features.go is read together; a collaborator that wants finer
// control can build a RuntimeConfig by hand instead of calling this.
func RuntimeConfigFromEnv() execplan.RuntimeConfig {
	return execplan.RuntimeConfig{
		ActivationDtype: ActivationDtype(),
		KVDtype:         KVDtype(),
		KVLayout: execplan.KVLayoutConfig{
			Layout:         KVLayout(),
			PageSize:       KVPageSize(),
			WindowSize:     KVWindowSize(),
			TieredHotPages: TieredHotPages(),
			TieredEvict:    kvcache.EvictLRU,
			BasisCount:     BDPABasisCount(),
		},
		Batching: execplan.BatchingConfig{
			BatchSize:        BatchSize(),
			ReadbackInterval: ReadbackInterval(),
			StopCheckMode:    StopCheckMode(),
			MaxTokens:        MaxTokens(),
		},
		Sampling: execplan.SamplingDefaults{
			GreedyThreshold:   GreedyThreshold(),
			Temperature:       Temperature(),
			TopK:              TopK(),
			TopP:              TopP(),
			RepetitionPenalty: RepetitionPenalty(),
		},
		Finiteness: execplan.FinitenessPolicy{
			Enabled:          FinitenessEnabled(),
			IncludeNonFinite: FinitenessIncludeNonFinite(),
			AbsThreshold:     FinitenessAbsThreshold(),
		},
		KernelPath:    kernel.Path(KernelPathOverride()),
		AllowFusedQKV: AllowFusedQKV(true),
	}
}
