package providers

import (
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// LibraryEnv overrides the shared library location.
const LibraryEnv = "ONNXRUNTIME_LIB"

// SharedLibPath returns the path to the shared library for the current platform.
//
// Returns:
//   - string: The value of $ONNXRUNTIME_LIB when set, otherwise the bundled
//     third_party library for GOOS/GOARCH.
func SharedLibPath() string {
	if p := os.Getenv(LibraryEnv); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./third_party/onnxruntime_arm64.so"
	}
	return "./third_party/onnxruntime.so"
}

var envMu sync.Mutex

// Initialize loads the runtime library at path (SharedLibPath when empty)
// and prepares the process-wide environment. Later calls are no-ops.
func Initialize(path string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if path == "" {
		path = SharedLibPath()
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "ONNX Runtime library not found at %s", path)
	}
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initializing ONNX Runtime environment")
	}
	return nil
}
