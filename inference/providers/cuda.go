package providers

import (
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// The size limit of the device memory arena in bytes. 0 leaves the
	// runtime default in place.
	GPUMemLimit int64 `json:"gpu_mem_limit" yaml:"gpu_mem_limit"`
	// The strategy for extending the device memory arena.
	// 0: kNextPowerOfTwo, 1: kSameAsRequested.
	ArenaExtendStrategy int `json:"arena_extend_strategy" yaml:"arena_extend_strategy"`
	// The type of search done for cuDNN convolution algorithms.
	// 0: EXHAUSTIVE, 1: HEURISTIC, 2: DEFAULT.
	CudnnConvAlgoSearch int `json:"cudnn_conv_algo_search" yaml:"cudnn_conv_algo_search"`
	// Whether to do copies in the default stream or use separate streams.
	DoCopyInDefaultStream bool `json:"do_copy_in_default_stream" yaml:"do_copy_in_default_stream"`
	// Allow TF32 tensor-core math on Ampere and later.
	UseTF32 bool `json:"use_tf32" yaml:"use_tf32"`
}

// ToMap renders the options with the runtime's key names.
func (o CUDAOptions) ToMap() map[string]string {
	search := [...]string{"EXHAUSTIVE", "HEURISTIC", "DEFAULT"}
	m := map[string]string{
		"device_id":                 strconv.Itoa(o.DeviceID),
		"arena_extend_strategy":     "kNextPowerOfTwo",
		"do_copy_in_default_stream": boolFlag(o.DoCopyInDefaultStream),
		"use_tf32":                  boolFlag(o.UseTF32),
	}
	if o.ArenaExtendStrategy == 1 {
		m["arena_extend_strategy"] = "kSameAsRequested"
	}
	if o.CudnnConvAlgoSearch >= 0 && o.CudnnConvAlgoSearch < len(search) {
		m["cudnn_conv_algo_search"] = search[o.CudnnConvAlgoSearch]
	}
	if o.GPUMemLimit > 0 {
		m["gpu_mem_limit"] = strconv.FormatInt(o.GPUMemLimit, 10)
	}
	return m
}

// ToNativeProviderOptions converts the options into the runtime's CUDA
// provider options. The caller must Destroy the result.
func (o CUDAOptions) ToNativeProviderOptions() (*ort.CUDAProviderOptions, error) {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}
	if err := opts.Update(o.ToMap()); err != nil {
		opts.Destroy()
		return nil, err
	}
	return opts, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
