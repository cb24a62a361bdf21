package detector

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Provider names an ONNX Runtime execution provider.
type Provider string

const (
	ProviderCPU      Provider = "cpu"
	ProviderCUDA     Provider = "cuda"
	ProviderCoreML   Provider = "coreml"
	ProviderOpenVINO Provider = "openvino"
)

// ParseProvider validates a provider name. The empty string selects cpu.
func ParseProvider(name string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(name))); p {
	case "", ProviderCPU:
		return ProviderCPU, nil
	case ProviderCUDA, ProviderCoreML, ProviderOpenVINO:
		return p, nil
	default:
		return "", errors.Errorf("unsupported execution provider %q", name)
	}
}

// applyProvider appends the execution provider to the session options. The
// CPU provider is always present and needs no registration.
func applyProvider(options *ort.SessionOptions, provider Provider, deviceID int) error {
	p, err := ParseProvider(string(provider))
	if err != nil {
		return err
	}

	switch p {
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "error creating CUDA provider options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
			return errors.Wrap(err, "error configuring CUDA provider")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "error enabling CUDA provider")
		}
	case ProviderCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return errors.Wrap(err, "error enabling CoreML provider")
		}
	case ProviderOpenVINO:
		if err := options.AppendExecutionProviderOpenVINO(map[string]string{"device_type": "CPU"}); err != nil {
			return errors.Wrap(err, "error enabling OpenVINO provider")
		}
	}
	return nil
}
