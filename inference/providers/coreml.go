package providers

// CoreML flag bits accepted by the runtime's legacy CoreML entry point.
// See: https://onnxruntime.ai/docs/execution-providers/CoreML-ExecutionProvider.html
const (
	CoreMLFlagUseCPUOnly              uint32 = 0x001
	CoreMLFlagEnableOnSubgraph        uint32 = 0x002
	CoreMLFlagOnlyEnableDeviceWithANE uint32 = 0x004
	CoreMLFlagOnlyAllowStaticInputs   uint32 = 0x008
	CoreMLFlagCreateMLProgram         uint32 = 0x010
)

// CoreMLOptions contains arguments for the CoreML provider.
type CoreMLOptions struct {
	// Flags is a bitwise OR of the CoreMLFlag constants.
	Flags uint32 `json:"flags" yaml:"flags"`
}

// Has reports whether every bit of flag is set.
func (o CoreMLOptions) Has(flag uint32) bool { return o.Flags&flag == flag }
