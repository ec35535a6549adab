package execplan

import (
	"testing"

	"github.com/dopplerml/core/gpu"
	"github.com/stretchr/testify/require"
)

func testModel() ModelConfig {
	return ModelConfig{
		NumLayers:  2,
		HiddenSize: 64,
		NumHeads:   8,
		NumKVHeads: 4,
		VocabSize:  256,
		MaxSeqLen:  128,
		RMSNormEps: 1e-5,
		RopeTheta:  10000,
	}
}

func testRuntime(dtype gpu.DType) RuntimeConfig {
	return RuntimeConfig{
		ActivationDtype: dtype,
		KVDtype:         gpu.DTypeF16,
		Batching:        BatchingConfig{BatchSize: 1, ReadbackInterval: 1, MaxTokens: 32},
		Finiteness:      DefaultFinitenessPolicy(),
		Sampling:        SamplingDefaults{GreedyThreshold: 0.05},
	}
}

func TestCompile_F16PrimaryGetsF32Fallback(t *testing.T) {
	plan, err := Compile(testModel(), testRuntime(gpu.DTypeF16))
	require.NoError(t, err)
	require.NotNil(t, plan.Fallback)
	require.Equal(t, gpu.DTypeF32, plan.Fallback.ActivationDtype)
	require.Equal(t, gpu.DTypeF16, plan.Active().ActivationDtype)
}

func TestCompile_F32PrimaryNoFallback(t *testing.T) {
	plan, err := Compile(testModel(), testRuntime(gpu.DTypeF32))
	require.NoError(t, err)
	require.Nil(t, plan.Fallback)
}

func TestCompile_FinitenessDisabledNoFallback(t *testing.T) {
	rt := testRuntime(gpu.DTypeF16)
	rt.Finiteness.Enabled = false
	plan, err := Compile(testModel(), rt)
	require.NoError(t, err)
	require.Nil(t, plan.Fallback)
}

func TestCompile_RejectsBadGQA(t *testing.T) {
	m := testModel()
	m.NumKVHeads = 3 // 8 not divisible by 3
	_, err := Compile(m, testRuntime(gpu.DTypeF32))
	require.Error(t, err)
}

// TestTrigger_OneWayFSM verifies spec.md §9's "primary→fallback is
// one-way within a session; fallback→error if it also triggers".
func TestTrigger_OneWayFSM(t *testing.T) {
	plan, err := Compile(testModel(), testRuntime(gpu.DTypeF16))
	require.NoError(t, err)

	require.False(t, plan.InFallback())
	require.NoError(t, plan.Trigger())
	require.True(t, plan.InFallback())
	require.Equal(t, gpu.DTypeF32, plan.Active().ActivationDtype)

	err = plan.Trigger()
	require.ErrorIs(t, err, ErrAlreadyFallenBack)
}

func TestTrigger_NoFallbackCompiled(t *testing.T) {
	plan, err := Compile(testModel(), testRuntime(gpu.DTypeF32))
	require.NoError(t, err)
	require.Error(t, plan.Trigger())
}

func TestFinitenessGuard_ThresholdAndNaN(t *testing.T) {
	g := NewFinitenessGuard(FinitenessPolicy{Enabled: true, IncludeNonFinite: true, AbsThreshold: 100})
	require.False(t, g.Scan([]float32{1, 2, 3}, 0, 0).Triggered)
	require.True(t, g.Scan([]float32{1, 200, 3}, 1, 2).Triggered)

	nan := float32(0)
	nan = nan / nan
	status := g.Scan([]float32{1, nan}, 0, 0)
	require.True(t, status.Triggered)

	gNoNaN := NewFinitenessGuard(FinitenessPolicy{Enabled: true, IncludeNonFinite: false, AbsThreshold: 100})
	require.False(t, gNoNaN.Scan([]float32{1, nan}, 0, 0).Triggered)
}

func TestBuildRopeTables_Shape(t *testing.T) {
	m := testModel()
	tables := BuildRopeTables(m)
	half := m.headDim() / 2
	require.Len(t, tables.Cos, m.MaxSeqLen*half)
	require.Len(t, tables.Sin, m.MaxSeqLen*half)
	require.Nil(t, tables.LocalCos)
}

func TestBuildRopeTables_DualLocalGlobal(t *testing.T) {
	m := testModel()
	local := 1000.0
	m.RopeLocalTheta = &local
	tables := BuildRopeTables(m)
	require.NotNil(t, tables.LocalCos)
	require.NotEqual(t, tables.Cos[1], tables.LocalCos[1])
}

func TestBuildRopeTables_YarnScalingStretchesLowFreqs(t *testing.T) {
	m := testModel()
	m.RopeScaling = &RopeScaling{Yarn: &YarnScaling{Factor: 4, BetaFast: 32, BetaSlow: 1, OriginalMaxPos: 32}}
	scaled := BuildRopeTables(m)
	unscaled := BuildRopeTables(testModel())
	require.NotEqual(t, scaled.Cos, unscaled.Cos)
}
