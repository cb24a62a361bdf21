// Package annotate draws detection overlays onto frames.
package annotate

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/nvr-ai/vehicle-detector/common"
	"github.com/nvr-ai/vehicle-detector/models"
)

const (
	boxThickness  = 2
	textThickness = 2
	textScale     = 0.5
	textOffset    = 10
)

// DefaultColor is used for labels that are not vehicle classes.
var DefaultColor = color.RGBA{0, 255, 0, 0}

// ColorFor returns the overlay colour of a vehicle class.
func ColorFor(class models.VehicleClass) color.RGBA {
	switch class {
	case models.VehicleCar:
		return color.RGBA{0, 255, 0, 0}
	case models.VehicleMotorcycle:
		return color.RGBA{0, 0, 255, 0}
	case models.VehicleBus:
		return color.RGBA{255, 0, 0, 0}
	case models.VehicleTruck:
		return color.RGBA{0, 255, 255, 0}
	case models.VehicleBicycle:
		return color.RGBA{255, 0, 255, 0}
	default:
		return DefaultColor
	}
}

// ColorForLabel resolves a detector label to its overlay colour.
func ColorForLabel(label string) color.RGBA {
	class, _ := models.ParseVehicleClass(label)
	return ColorFor(class)
}

// Draw renders every detection onto frame in place: a rectangle around the
// box and "<class> <confidence>" above its top-left corner.
//
// Labels that would start above the frame are pushed down so they stay
// visible.
//
// Arguments:
//   - frame: BGR image to draw on.
//   - detections: Boxes in frame pixel coordinates.
//
// @example
// img := gocv.IMRead("street.jpg", gocv.IMReadColor)
// annotate.Draw(&img, result.Detections)
func Draw(frame *gocv.Mat, detections []common.BoundingBox) {
	if frame == nil || frame.Empty() {
		return
	}
	for _, det := range detections {
		c := ColorForLabel(det.ClassName)
		rect := det.ToRect()

		gocv.Rectangle(frame, rect, c, boxThickness)

		label := det.Label()
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, textScale, textThickness)
		origin := image.Pt(rect.Min.X, rect.Min.Y-textOffset)
		if origin.Y < size.Y {
			origin.Y = rect.Min.Y + size.Y + textOffset
		}
		gocv.PutText(frame, label, origin, gocv.FontHersheySimplex, textScale, c, textThickness)
	}
}
