// Package providers configures ONNX Runtime execution providers and session
// options for backbone sessions.
package providers

import (
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-ssd/common"
)

// ProviderBackend names an ONNX Runtime execution provider.
type ProviderBackend string

const (
	// CPUProviderBackend runs on the default CPU provider.
	CPUProviderBackend ProviderBackend = "cpu"
	// CoreMLProviderBackend uses Apple CoreML for macOS/iOS acceleration.
	CoreMLProviderBackend ProviderBackend = "coreml"
	// OpenVINOProviderBackend uses Intel OpenVINO for inference optimization.
	OpenVINOProviderBackend ProviderBackend = "openvino"
	// CUDAProviderBackend uses NVIDIA CUDA for inference optimization.
	CUDAProviderBackend ProviderBackend = "cuda"
)

// Backends lists every supported backend.
func Backends() []ProviderBackend {
	return []ProviderBackend{CPUProviderBackend, CoreMLProviderBackend, OpenVINOProviderBackend, CUDAProviderBackend}
}

// Config selects the execution provider and the session-level tuning knobs.
type Config struct {
	// Backend specifies the execution provider to append.
	Backend ProviderBackend `json:"backend" yaml:"backend"`

	// LibraryPath overrides SharedLibPath().
	LibraryPath string `json:"library_path,omitempty" yaml:"library_path,omitempty"`

	// IntraOpThreads sets threads for parallelizing ops (0 lets the runtime decide).
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`

	// InterOpThreads sets threads for parallelizing independent ops.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`

	// Parallel switches the execution mode from sequential to parallel.
	Parallel bool `json:"parallel" yaml:"parallel"`

	// DisableOptimizations turns off graph rewrites, which helps when
	// debugging a model export.
	DisableOptimizations bool `json:"disable_optimizations" yaml:"disable_optimizations"`

	// Provider-specific options. Only the one matching Backend is used.
	CoreML   *CoreMLOptions   `json:"coreml,omitempty" yaml:"coreml,omitempty"`
	OpenVINO *OpenVINOOptions `json:"openvino,omitempty" yaml:"openvino,omitempty"`
	CUDA     *CUDAOptions     `json:"cuda,omitempty" yaml:"cuda,omitempty"`
}

// DefaultConfig returns a CPU configuration with runtime-chosen thread counts.
//
// @example
// cfg := DefaultConfig()
// cfg.Backend = CUDAProviderBackend
// options, err := SessionOptions(cfg)
func DefaultConfig() Config {
	return Config{Backend: CPUProviderBackend}
}

// Validate checks the backend name and thread counts.
func (c Config) Validate() error {
	switch c.Backend {
	case CPUProviderBackend, CoreMLProviderBackend, OpenVINOProviderBackend, CUDAProviderBackend:
	default:
		return common.NewConfigurationError("provider.backend", "unknown execution provider", Backends(), c.Backend)
	}
	if c.IntraOpThreads < 0 {
		return common.NewConfigurationError("provider.intra_op_threads", "thread count must not be negative", ">= 0", c.IntraOpThreads)
	}
	if c.InterOpThreads < 0 {
		return common.NewConfigurationError("provider.inter_op_threads", "thread count must not be negative", ">= 0", c.InterOpThreads)
	}
	return nil
}

// SessionOptions builds ONNX Runtime session options for cfg. The caller
// owns the result and must Destroy it once the session is created.
//
// Arguments:
//   - cfg: The provider configuration.
//
// Returns:
//   - *ort.SessionOptions: The configured options.
//   - error: A *common.ConfigurationError for invalid settings, or the
//     runtime error when an execution provider cannot be appended.
func SessionOptions(cfg Config) (*ort.SessionOptions, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}

	if err := configure(options, cfg); err != nil {
		options.Destroy()
		return nil, err
	}
	if err := appendProvider(options, cfg); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func configure(options *ort.SessionOptions, cfg Config) error {
	var level ort.GraphOptimizationLevel = ort.GraphOptimizationLevelEnableExtended
	if cfg.DisableOptimizations {
		level = ort.GraphOptimizationLevelDisableAll
	}
	var mode ort.ExecutionMode = ort.ExecutionModeSequential
	if cfg.Parallel {
		mode = ort.ExecutionModeParallel
	}
	if err := options.SetGraphOptimizationLevel(level); err != nil {
		return errors.Wrap(err, "setting graph optimization level")
	}
	if err := options.SetExecutionMode(mode); err != nil {
		return errors.Wrap(err, "setting execution mode")
	}
	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return errors.Wrap(err, "setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		return errors.Wrap(err, "setting inter-op threads")
	}
	return nil
}

func appendProvider(options *ort.SessionOptions, cfg Config) error {
	switch cfg.Backend {
	case CoreMLProviderBackend:
		var opts CoreMLOptions
		if cfg.CoreML != nil {
			opts = *cfg.CoreML
		}
		if err := options.AppendExecutionProviderCoreML(opts.Flags); err != nil {
			return errors.Wrap(err, "enabling CoreML")
		}
	case OpenVINOProviderBackend:
		var opts OpenVINOOptions
		if cfg.OpenVINO != nil {
			opts = *cfg.OpenVINO
		}
		if err := options.AppendExecutionProviderOpenVINO(opts.ToMap()); err != nil {
			return errors.Wrap(err, "enabling OpenVINO")
		}
	case CUDAProviderBackend:
		var opts CUDAOptions
		if cfg.CUDA != nil {
			opts = *cfg.CUDA
		}
		cuda, err := opts.ToNativeProviderOptions()
		if err != nil {
			return errors.Wrap(err, "converting CUDA options")
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "enabling CUDA")
		}
	}
	return nil
}
