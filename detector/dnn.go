package detector

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/vehicle-detector/models"
)

// DNN runs a YOLO ONNX export through OpenCV's DNN module.
//
// A DNN value owns one gocv.Net whose input blob is set per call, so it is
// not safe for concurrent use; New wraps it in Serialized.
type DNN struct {
	net       gocv.Net
	inputSize int
	classes   models.OutputClassSet
}

// NewDNN loads cfg.ModelPath with gocv.ReadNet on the CPU target.
func NewDNN(cfg Config) (*DNN, error) {
	net := gocv.ReadNet(cfg.ModelPath, "")
	if net.Empty() {
		return nil, errors.Errorf("failed to load ONNX model: %s", cfg.ModelPath)
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &DNN{
		net:       net,
		inputSize: cfg.InputSize,
		classes:   models.YOLOClasses,
	}, nil
}

// Detect runs one forward pass over frame.
func (d *DNN) Detect(ctx context.Context, frame gocv.Mat, opts Options) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, errors.New("empty frame")
	}

	size := image.Pt(d.inputSize, d.inputSize)
	blob := gocv.BlobFromImage(frame, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 {
		return nil, errors.Errorf("unexpected output rank %d", len(dims))
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read network output")
	}

	head := yoloOutput{
		data:      data,
		channels:  dims[1],
		anchors:   dims[2],
		inputSize: d.inputSize,
		classes:   d.classes,
	}
	return head.decode(frame.Cols(), frame.Rows(), opts)
}

// Close releases the network.
func (d *DNN) Close() error {
	if d.net.Empty() {
		return nil
	}
	return d.net.Close()
}
