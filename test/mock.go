// Package test provides mock detectors and synthetic media shared by the
// package tests.
package test

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/vehicle-detector/detector"
)

// MockDetector returns a fixed detection list, or a fixed error, for every
// frame. It records how many frames it saw.
//
// @example
// det := &test.MockDetector{Detections: []detector.Detection{{ClassName: "car", Score: 0.9, X2: 10, Y2: 10}}}
// dets, _ := det.Detect(ctx, frame, detector.Options{})
type MockDetector struct {
	Detections []detector.Detection
	Err        error
	// FailAfter makes every call after the first FailAfter calls return Err.
	// Zero means Err, if set, is returned from the first call.
	FailAfter int
	// OnDetect runs before each call returns, with the 1-based call number.
	OnDetect func(call int)

	mu     sync.Mutex
	calls  int
	closed bool
}

// Detect implements detector.Detector.
func (m *MockDetector) Detect(ctx context.Context, frame gocv.Mat, opts detector.Options) ([]detector.Detection, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()

	if m.OnDetect != nil {
		m.OnDetect(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil && call > m.FailAfter {
		return nil, m.Err
	}

	out := make([]detector.Detection, len(m.Detections))
	copy(out, m.Detections)
	return out, nil
}

// Close implements detector.Model.
func (m *MockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls is the number of Detect invocations so far.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *MockDetector) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockFrameGenerator creates deterministic BGR test frames.
//
// @example
// gen := NewMockFrameGenerator(640, 480)
// frame := gen.GenerateStaticFrame()
// defer frame.Close()
type MockFrameGenerator struct {
	width  int
	height int
}

// NewMockFrameGenerator creates a new frame generator with specified dimensions.
func NewMockFrameGenerator(width, height int) *MockFrameGenerator {
	return &MockFrameGenerator{width: width, height: height}
}

// GenerateStaticFrame creates a mid-grey frame.
func (g *MockFrameGenerator) GenerateStaticFrame() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 128, 128, 0), g.height, g.width, gocv.MatTypeCV8UC3)
}

// GenerateMotionFrame creates a frame with a filled white square at (x, y).
func (g *MockFrameGenerator) GenerateMotionFrame(x, y, size int) gocv.Mat {
	frame := g.GenerateStaticFrame()
	gocv.Rectangle(&frame, image.Rect(x, y, x+size, y+size), color.RGBA{255, 255, 255, 0}, -1)
	return frame
}

// WriteTestImage writes a static frame to path in the format implied by its
// extension.
func (g *MockFrameGenerator) WriteTestImage(path string) error {
	frame := g.GenerateStaticFrame()
	defer frame.Close()

	if !gocv.IMWrite(path, frame) {
		return errors.Errorf("failed to write test image %s", path)
	}
	return nil
}

// WriteTestVideo writes frames frames of a square moving left to right as an
// MJPG .avi at 10 fps.
func (g *MockFrameGenerator) WriteTestVideo(path string, frames int) error {
	writer, err := gocv.VideoWriterFile(path, "MJPG", 10, g.width, g.height, true)
	if err != nil {
		return errors.Wrapf(err, "failed to open test video %s", path)
	}
	defer writer.Close()

	size := g.height / 4
	for i := 0; i < frames; i++ {
		x := 0
		if frames > 1 {
			x = i * (g.width - size) / (frames - 1)
		}
		frame := g.GenerateMotionFrame(x, g.height/2-size/2, size)
		err := writer.Write(frame)
		frame.Close()
		if err != nil {
			return errors.Wrapf(err, "failed to write frame %d", i)
		}
	}
	return nil
}
