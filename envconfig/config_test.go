package envconfig

import (
	"testing"

	"github.com/dopplerml/core/execplan"
	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/kvcache"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchSpec(t *testing.T) {
	require.Equal(t, gpu.DTypeF16, ActivationDtype())
	require.Equal(t, gpu.DTypeF16, KVDtype())
	require.Equal(t, kvcache.LayoutContiguous, KVLayout())
	require.Equal(t, 1, BatchSize())
	require.Equal(t, 1, ReadbackInterval())
	require.Equal(t, execplan.StopCheckBatch, StopCheckMode())
	require.InDelta(t, 0.05, GreedyThreshold(), 1e-9)
	require.True(t, FinitenessEnabled())
	require.InDelta(t, 65500, FinitenessAbsThreshold(), 1e-6)
	require.True(t, AllowFusedQKV(true))
	require.False(t, DisableBatchedDecode())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DOPPLER_ACTIVATION_DTYPE", "f32")
	t.Setenv("DOPPLER_KV_LAYOUT", "paged")
	t.Setenv("DOPPLER_BATCH_SIZE", "8")
	t.Setenv("DOPPLER_STOP_CHECK_MODE", "per-token")
	t.Setenv("DOPPLER_FINITENESS_GUARD", "false")
	t.Setenv("DOPPLER_NO_BATCHED_DECODE", "1")

	require.Equal(t, gpu.DTypeF32, ActivationDtype())
	require.Equal(t, kvcache.LayoutPaged, KVLayout())
	require.Equal(t, 8, BatchSize())
	require.Equal(t, execplan.StopCheckPerToken, StopCheckMode())
	require.False(t, FinitenessEnabled())
	require.True(t, DisableBatchedDecode())
}

func TestInvalidDtypeFallsBackToDefault(t *testing.T) {
	t.Setenv("DOPPLER_ACTIVATION_DTYPE", "bogus")
	require.Equal(t, gpu.DTypeF16, ActivationDtype())
}

func TestRuntimeConfigFromEnvAssemblesEveryField(t *testing.T) {
	t.Setenv("DOPPLER_ACTIVATION_DTYPE", "f32")
	t.Setenv("DOPPLER_BATCH_SIZE", "4")
	t.Setenv("DOPPLER_TOP_K", "7")

	rt := RuntimeConfigFromEnv()
	require.Equal(t, gpu.DTypeF32, rt.ActivationDtype)
	require.Equal(t, 4, rt.Batching.BatchSize)
	require.Equal(t, 7, rt.Sampling.TopK)
	require.True(t, rt.AllowFusedQKV)
}

func TestAsMapAndValuesAgree(t *testing.T) {
	m := AsMap()
	v := Values()
	require.Len(t, v, len(m))
	for k := range m {
		_, ok := v[k]
		require.True(t, ok, "Values missing key %s present in AsMap", k)
	}
}
