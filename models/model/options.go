// Package model - Model options.
package model

import (
	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/layers"
)

// BackendName selects how convolutions are executed.
type BackendName string

const (
	// BackendNative lowers convolutions to im2col and a matrix multiply.
	BackendNative BackendName = "native"
	// BackendGraph runs convolutions as gorgonia expression graphs.
	BackendGraph BackendName = "gorgonia"
)

// Backend resolves the name, defaulting to BackendNative.
func (b BackendName) Backend() (layers.Backend, error) {
	switch b {
	case "", BackendNative:
		return layers.NativeBackend{}, nil
	case BackendGraph:
		return layers.GraphBackend{}, nil
	}
	return nil, common.NewConfigurationError("backend", "unknown convolution backend",
		[]BackendName{BackendNative, BackendGraph}, b)
}
