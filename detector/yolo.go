package detector

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/vehicle-detector/models"
)

// yoloOutput describes a YOLOv8 head laid out channel-major as
// [1, 4+classes, anchors]: rows 0-3 hold cx, cy, w, h in network input
// pixels, the remaining rows hold per-class scores.
type yoloOutput struct {
	data      []float32
	channels  int
	anchors   int
	inputSize int
	classes   models.OutputClassSet
}

// decode converts the raw head into detections scaled to the original frame
// and applies class-aware greedy NMS.
//
// Arguments:
//   - frameWidth, frameHeight: Size of the frame the network input was resized from.
//   - opts: Confidence and IoU thresholds.
//
// Returns:
//   - []Detection: Surviving detections, highest score first.
//   - error: If the buffer does not match the declared shape.
func (o yoloOutput) decode(frameWidth, frameHeight int, opts Options) ([]Detection, error) {
	if o.channels <= 4 {
		return nil, errors.Errorf("unexpected output layout: %d channels", o.channels)
	}
	if len(o.data) < o.channels*o.anchors {
		return nil, errors.Errorf("output holds %d floats, needs %d", len(o.data), o.channels*o.anchors)
	}

	scaleX := float32(frameWidth) / float32(o.inputSize)
	scaleY := float32(frameHeight) / float32(o.inputSize)
	maxX, maxY := float32(frameWidth), float32(frameHeight)

	var candidates []Detection
	for idx := 0; idx < o.anchors; idx++ {
		classID := -1
		best := float32(-1)
		for c := 0; c < o.channels-4; c++ {
			score := o.data[o.anchors*(c+4)+idx]
			if score > best {
				best = score
				classID = c
			}
		}
		if best < opts.Confidence {
			continue
		}

		cx, cy := o.data[idx], o.data[o.anchors+idx]
		w, h := o.data[2*o.anchors+idx], o.data[3*o.anchors+idx]

		candidates = append(candidates, Detection{
			X1:        clamp((cx-w/2)*scaleX, maxX),
			Y1:        clamp((cy-h/2)*scaleY, maxY),
			X2:        clamp((cx+w/2)*scaleX, maxX),
			Y2:        clamp((cy+h/2)*scaleY, maxY),
			Score:     best,
			ClassID:   classID,
			ClassName: o.className(classID),
		})
	}

	return NMS(candidates, opts.IoU), nil
}

func (o yoloOutput) className(id int) string {
	if name := o.classes.Name(id); name != "" {
		return name
	}
	return "unknown"
}

func clamp(v, upper float32) float32 {
	return math32.Min(math32.Max(v, 0), upper)
}
