// Package detector - Object detection backends producing raw detections for
// a single frame.
package detector

import (
	"context"
	"sync"

	"gocv.io/x/gocv"

	"github.com/nvr-ai/vehicle-detector/common"
)

// Detection is one raw prediction in pixel space of the input frame.
type Detection struct {
	X1, Y1, X2, Y2 float32
	Score          float32
	ClassID        int
	ClassName      string
}

// BoundingBox converts the raw prediction into the pipeline's box value.
func (d Detection) BoundingBox() common.BoundingBox {
	return common.BoundingBox{
		X1:         d.X1,
		Y1:         d.Y1,
		X2:         d.X2,
		Y2:         d.Y2,
		Confidence: d.Score,
		ClassID:    d.ClassID,
		ClassName:  d.ClassName,
	}
}

// Options carries the per-call thresholds.
type Options struct {
	// Confidence drops predictions scoring below it.
	Confidence float32
	// IoU is the overlap above which non-maximum suppression discards the
	// lower scoring of two boxes of the same class.
	IoU float32
}

// Detector maps a frame to raw detections.
//
// Implementations must be deterministic for identical weights, frame and
// options. Frames are BGR gocv.Mat values as read by gocv; implementations
// must not retain or modify them.
type Detector interface {
	Detect(ctx context.Context, frame gocv.Mat, opts Options) ([]Detection, error)
}

// Model is a Detector holding native resources.
type Model interface {
	Detector
	Close() error
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, frame gocv.Mat, opts Options) ([]Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, frame gocv.Mat, opts Options) ([]Detection, error) {
	return f(ctx, frame, opts)
}

// Serialized guards a detector that is not safe for concurrent use with a
// per-call exclusive lock.
//
// Both bundled backends keep per-instance input/output buffers and are
// returned wrapped in Serialized by New.
type Serialized struct {
	mu    sync.Mutex
	inner Model
}

// NewSerialized wraps m.
func NewSerialized(m Model) *Serialized {
	return &Serialized{inner: m}
}

// Detect runs the wrapped detector while holding the lock.
func (s *Serialized) Detect(ctx context.Context, frame gocv.Mat, opts Options) ([]Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.inner.Detect(ctx, frame, opts)
}

// Close releases the wrapped detector once in-flight calls have finished.
func (s *Serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}
