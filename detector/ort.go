package detector

import (
	"context"
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/vehicle-detector/models"
)

// ORT runs a YOLO ONNX export through ONNX Runtime with fixed input and
// output tensors bound to one advanced session.
//
// The tensors are reused across calls, so an ORT value is not safe for
// concurrent use; New wraps it in Serialized.
type ORT struct {
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
	inputSize int
	channels  int
	anchors   int
	classes   models.OutputClassSet
}

// NewORT initialises the runtime environment (once per process) and creates
// a session for cfg.ModelPath with input "images" [1, 3, S, S] and output
// "output0" [1, 4+C, N].
func NewORT(cfg Config) (*ORT, error) {
	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(cfg.SharedLibPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrapf(err, "error initializing ORT environment from %s", cfg.SharedLibPath)
		}
	}

	classes := models.YOLOClasses
	size := int64(cfg.InputSize)
	channels := 4 + classes.Len()
	anchors := anchorCount(cfg.InputSize)

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(channels), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "error creating ORT session options")
	}
	defer options.Destroy()

	if cfg.Threads > 0 {
		options.SetIntraOpNumThreads(cfg.Threads)
	}
	options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)
	if err := applyProvider(options, cfg.Provider, cfg.DeviceID); err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "error creating ORT session")
	}

	return &ORT{
		session:   session,
		input:     input,
		output:    output,
		inputSize: cfg.InputSize,
		channels:  channels,
		anchors:   anchors,
		classes:   classes,
	}, nil
}

// Detect resizes frame into the input tensor, runs the session and decodes
// the output.
func (o *ORT) Detect(ctx context.Context, frame gocv.Mat, opts Options) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, errors.New("empty frame")
	}

	img, err := frame.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert frame")
	}
	if err := fillInput(img, o.inputSize, o.input.GetData()); err != nil {
		return nil, err
	}
	if err := o.session.Run(); err != nil {
		return nil, errors.Wrap(err, "failed to run inference")
	}

	head := yoloOutput{
		data:      o.output.GetData(),
		channels:  o.channels,
		anchors:   o.anchors,
		inputSize: o.inputSize,
		classes:   o.classes,
	}
	return head.decode(frame.Cols(), frame.Rows(), opts)
}

// Close destroys the session and its tensors.
func (o *ORT) Close() error {
	var err error
	if o.session != nil {
		err = o.session.Destroy()
		o.session = nil
	}
	if o.input != nil {
		o.input.Destroy()
		o.input = nil
	}
	if o.output != nil {
		o.output.Destroy()
		o.output = nil
	}
	return err
}

// fillInput writes img, resized to size x size, into dst as planar RGB
// scaled to [0, 1].
//
// Arguments:
//   - img: The frame to prepare.
//   - size: Network input edge in pixels.
//   - dst: The input tensor's backing slice.
//
// Returns:
//   - error: If dst is too small for a 3 x size x size tensor.
func fillInput(img image.Image, size int, dst []float32) error {
	channelSize := size * size
	if len(dst) < channelSize*3 {
		return errors.Errorf("destination tensor only holds %d floats, needs %d", len(dst), channelSize*3)
	}
	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]

	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	bounds := resized.Bounds()

	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}
	return nil
}
