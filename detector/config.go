package detector

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
)

// Backend selects the inference runtime.
type Backend string

const (
	// BackendDNN runs the model through OpenCV's DNN module.
	BackendDNN Backend = "dnn"
	// BackendORT runs the model through ONNX Runtime.
	BackendORT Backend = "ort"
)

// Config describes how to load a YOLO ONNX export.
type Config struct {
	Backend Backend `json:"backend"`
	// ModelPath is the ONNX file, e.g. a YOLOv8 export with output [1, 84, 8400].
	ModelPath string `json:"model_path"`
	// InputSize is the square network input edge in pixels.
	InputSize int `json:"input_size"`
	// SharedLibPath is the onnxruntime shared library, ORT backend only.
	SharedLibPath string `json:"shared_lib_path"`
	// Threads bounds intra-op parallelism, ORT backend only. Zero lets the
	// runtime decide.
	Threads int `json:"threads"`
	// Provider is the ONNX Runtime execution provider, ORT backend only.
	Provider Provider `json:"provider"`
	// DeviceID selects the accelerator for the cuda provider.
	DeviceID int `json:"device_id"`
}

// DefaultConfig returns a configuration for a 640x640 YOLOv8 export on the
// OpenCV backend.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendDNN,
		ModelPath:     "models/yolov8n.onnx",
		InputSize:     640,
		SharedLibPath: DefaultSharedLibPath(),
		Threads:       4,
		Provider:      ProviderCPU,
	}
}

// New loads the configured backend and wraps it in Serialized.
//
// Returns:
//   - Model: The ready detector. Callers must Close it.
//   - error: If the model file is missing or the runtime fails to load it.
func New(cfg Config) (Model, error) {
	if cfg.InputSize <= 0 || cfg.InputSize%32 != 0 {
		return nil, errors.Errorf("input size %d must be a positive multiple of 32", cfg.InputSize)
	}
	if _, err := ParseProvider(string(cfg.Provider)); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "model file not found: %s", cfg.ModelPath)
	}

	var (
		m   Model
		err error
	)
	switch cfg.Backend {
	case BackendDNN, "":
		m, err = NewDNN(cfg)
	case BackendORT:
		m, err = NewORT(cfg)
	default:
		return nil, errors.Errorf("unknown detector backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewSerialized(m), nil
}

// DefaultSharedLibPath returns the platform's onnxruntime library location
// under third_party/.
func DefaultSharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "third_party/onnxruntime.dll"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "third_party/onnxruntime_arm64.dylib"
		}
		return "third_party/onnxruntime_amd64.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "third_party/onnxruntime_arm64.so"
		}
		return "third_party/onnxruntime.so"
	}
}

// anchorCount is the number of YOLOv8 predictions for a square input: one per
// cell of the stride 8, 16 and 32 grids.
func anchorCount(inputSize int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := inputSize / stride
		n += side * side
	}
	return n
}
