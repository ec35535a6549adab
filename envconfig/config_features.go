// config_features.go holds the core's device-visibility and debug
// feature flags: the handful of DOPPLER_*/vendor environment variables
// that shape how a session is wired up without changing the execution
// plan's compiled decisions.
package envconfig

var (
	// AllowFusedQKV permits the layer engine to use a pre-fused QKV
	// weight when the manifest provides one and every projection shares
	// a dtype (spec.md §4.2's fused-QKV tie-break). Default: true.
	AllowFusedQKV = BoolWithDefault("DOPPLER_ALLOW_FUSED_QKV")

	// DisableRecordedLogits reads DOPPLER_NO_RECORDED_LOGITS, the switch
	// for turning the recorded-logits fast path off. RuntimeConfigFromEnv
	// does not carry it and no package in this module reads it: the
	// generator always computes logits inside the step's recorder.
	DisableRecordedLogits = Bool("DOPPLER_NO_RECORDED_LOGITS")

	// DisableBatchedDecode reads DOPPLER_NO_BATCHED_DECODE, the switch for
	// forcing the single-token decode path regardless of BatchSize.
	// RuntimeConfigFromEnv does not carry it and the generator does not
	// read it: the batched path is chosen from Options.BatchSize,
	// Options.StopCheckMode and the cache layout alone.
	DisableBatchedDecode = Bool("DOPPLER_NO_BATCHED_DECODE")

	// ProfileCommandBuffers reads DOPPLER_PROFILE_COMMANDS, the switch for
	// the command recorder's timestamp profiling. The generator does not
	// read it and always creates its recorders with profiling off.
	ProfileCommandBuffers = Bool("DOPPLER_PROFILE_COMMANDS")
)

var (
	// TieredHotPages caps the tiered KV cache's GPU-resident page budget
	// before the warm-tier eviction policy demotes a page (spec.md
	// §4.3). Default: 64 pages.
	TieredHotPages = Uint("DOPPLER_KV_TIERED_HOT_PAGES", 64)

	// BDPABasisCount sets the number of centroid basis vectors per page
	// for the BDPA layout (spec.md §4.3). Default: 4.
	BDPABasisCount = Uint("DOPPLER_KV_BDPA_BASIS_COUNT", 4)
)

// Device-visibility variables are a vendor convention, not a DOPPLER_*
// knob: the teacher reads the same names to decide which physical GPUs
// a Device implementation may bind to. The core's Device interface
// (gpu/device.go) is bound once at Initialize() time by a collaborator;
// these getters exist so that collaborator can report what it saw in
// getStats()'s estimated_vram_bytes_peak without re-deriving the lookup
// logic itself.
var (
	CudaVisibleDevices   = String("CUDA_VISIBLE_DEVICES")
	HipVisibleDevices    = String("HIP_VISIBLE_DEVICES")
	RocrVisibleDevices   = String("ROCR_VISIBLE_DEVICES")
	VkVisibleDevices     = String("GGML_VK_VISIBLE_DEVICES")
	GpuDeviceOrdinal     = String("GPU_DEVICE_ORDINAL")
)

// GpuOverhead reserves a portion of VRAM per device (bytes), subtracted
// from the capacity estimate a device enumeration collaborator reports
// through getStats()'s estimated_vram_bytes_peak. Default: 0.
var GpuOverhead = Uint64("DOPPLER_GPU_OVERHEAD", 0)
