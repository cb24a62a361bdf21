// Package common - Geometry shared by detectors, filters and renderers.
package common

import (
	"fmt"
	"image"
)

// BoundingBox is one detection in pixel space of the source frame.
//
// Values are immutable once produced by a detector; every consumer works on
// copies.
type BoundingBox struct {
	X1         float32 `json:"x1"`
	Y1         float32 `json:"y1"`
	X2         float32 `json:"x2"`
	Y2         float32 `json:"y2"`
	Confidence float32 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// String formats the bounding box information for display.
//
// Returns:
//   - A formatted string containing object class, confidence, and coordinates.
//
// @example
// box := BoundingBox{ClassName: "car", Confidence: 0.95, X1: 100, Y1: 100, X2: 200, Y2: 300}
// fmt.Println(box.String()) // Object car (confidence 0.950000): (100.00, 100.00), (200.00, 300.00)
func (b BoundingBox) String() string {
	return fmt.Sprintf("Object %s (confidence %f): (%.2f, %.2f), (%.2f, %.2f)",
		b.ClassName, b.Confidence, b.X1, b.Y1, b.X2, b.Y2)
}

// Label is the overlay text drawn next to the box.
func (b BoundingBox) Label() string {
	return fmt.Sprintf("%s %.2f", b.ClassName, b.Confidence)
}

// ToRect converts the bounding box to an image.Rectangle.
//
// Fractional pixels are truncated, so the rectangle may be up to one pixel
// smaller than the float box on each edge.
//
// Returns:
//   - An image.Rectangle with canonicalized coordinates.
//
// @example
// box := BoundingBox{X1: 100.5, Y1: 100.5, X2: 200.5, Y2: 300.5}
// rect := box.ToRect() // (100,100)-(200,300)
func (b BoundingBox) ToRect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Canon()
}

// Area returns the area of b in pixels, after converting to an image.Rectangle.
func (b BoundingBox) Area() int {
	size := b.ToRect().Size()
	return size.X * size.Y
}

// Intersection calculates the intersection area between two bounding boxes.
//
// Arguments:
//   - other: The other bounding box to calculate intersection with.
//
// Returns:
//   - The area of intersection in pixels as float32.
func (b BoundingBox) Intersection(other BoundingBox) float32 {
	intersected := b.ToRect().Intersect(other.ToRect()).Canon().Size()
	return float32(intersected.X * intersected.Y)
}

// Union calculates the union area between two bounding boxes.
func (b BoundingBox) Union(other BoundingBox) float32 {
	return float32(b.Area()+other.Area()) - b.Intersection(other)
}

// IoU calculates the Intersection over Union between two bounding boxes.
//
// Used by non-maximum suppression to drop duplicate detections. Two empty
// boxes have an IoU of 0.
//
// Arguments:
//   - other: The other bounding box to calculate IoU with.
//
// Returns:
//   - The IoU value between 0 and 1.
//
// @example
// box1 := BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}
// box2 := BoundingBox{X1: 50, Y1: 50, X2: 150, Y2: 150}
// iou := box1.IoU(box2) // ~0.143 (2500/17500)
func (b BoundingBox) IoU(other BoundingBox) float32 {
	union := b.Union(other)
	if union <= 0 {
		return 0
	}
	return b.Intersection(other) / union
}
