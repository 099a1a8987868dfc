package providers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-ssd/common"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"default", DefaultConfig(), ""},
		{"cuda", Config{Backend: CUDAProviderBackend}, ""},
		{"unknown backend", Config{Backend: "tpu"}, "provider.backend"},
		{"empty backend", Config{}, "provider.backend"},
		{"negative intra", Config{Backend: CPUProviderBackend, IntraOpThreads: -1}, "provider.intra_op_threads"},
		{"negative inter", Config{Backend: CPUProviderBackend, InterOpThreads: -2}, "provider.inter_op_threads"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *common.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestSessionOptionsRejectsInvalidConfig(t *testing.T) {
	_, err := SessionOptions(Config{Backend: "tpu"})
	var cfgErr *common.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCUDAOptionsToMap(t *testing.T) {
	m := CUDAOptions{DeviceID: 1, ArenaExtendStrategy: 1, CudnnConvAlgoSearch: 1, UseTF32: true}.ToMap()
	assert.Equal(t, "1", m["device_id"])
	assert.Equal(t, "kSameAsRequested", m["arena_extend_strategy"])
	assert.Equal(t, "HEURISTIC", m["cudnn_conv_algo_search"])
	assert.Equal(t, "1", m["use_tf32"])
	assert.Equal(t, "0", m["do_copy_in_default_stream"])
	assert.NotContains(t, m, "gpu_mem_limit")

	m = CUDAOptions{GPUMemLimit: 1 << 30, CudnnConvAlgoSearch: 7}.ToMap()
	assert.Equal(t, "1073741824", m["gpu_mem_limit"])
	assert.Equal(t, "kNextPowerOfTwo", m["arena_extend_strategy"])
	assert.NotContains(t, m, "cudnn_conv_algo_search")
}

func TestOpenVINOOptionsToMap(t *testing.T) {
	assert.Empty(t, OpenVINOOptions{}.ToMap())
	m := OpenVINOOptions{DeviceType: "GPU", Precision: "FP16", NumOfThreads: 4, DisableDynamicShapes: true}.ToMap()
	assert.Equal(t, map[string]string{
		"device_type":            "GPU",
		"precision":              "FP16",
		"num_of_threads":         "4",
		"disable_dynamic_shapes": "true",
	}, m)
}

func TestCoreMLFlags(t *testing.T) {
	o := CoreMLOptions{Flags: CoreMLFlagUseCPUOnly | CoreMLFlagCreateMLProgram}
	assert.True(t, o.Has(CoreMLFlagUseCPUOnly))
	assert.True(t, o.Has(CoreMLFlagCreateMLProgram))
	assert.False(t, o.Has(CoreMLFlagEnableOnSubgraph))
}

func TestSharedLibPath(t *testing.T) {
	t.Setenv(LibraryEnv, "/opt/ort/libonnxruntime.so")
	assert.Equal(t, "/opt/ort/libonnxruntime.so", SharedLibPath())

	t.Setenv(LibraryEnv, "")
	assert.Contains(t, SharedLibPath(), "third_party")
}

func TestInitializeMissingLibrary(t *testing.T) {
	err := Initialize(filepath.Join(t.TempDir(), "missing.so"))
	if err == nil {
		t.Skip("runtime already initialised in this process")
	}
	assert.Contains(t, err.Error(), "not found")
}

func TestSessionOptionsCPU(t *testing.T) {
	if err := Initialize(""); err != nil {
		t.Skipf("ONNX Runtime unavailable: %v", err)
	}
	for _, cfg := range []Config{
		DefaultConfig(),
		{Backend: CPUProviderBackend, IntraOpThreads: 2, InterOpThreads: 1, Parallel: true, DisableOptimizations: true},
	} {
		options, err := SessionOptions(cfg)
		require.NoError(t, err)
		require.NoError(t, options.Destroy())
	}
}
