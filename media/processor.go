// Package media runs detection over images and videos and writes the
// annotated copies.
package media

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/vehicle-detector/annotate"
	"github.com/nvr-ai/vehicle-detector/common"
	"github.com/nvr-ai/vehicle-detector/detection"
	"github.com/nvr-ai/vehicle-detector/detector"
	"github.com/nvr-ai/vehicle-detector/profiler"
)

const (
	// OutputPrefix is prepended to the source base name for annotated output.
	OutputPrefix = "processed_"

	// progressInterval is the number of frames between progress reports.
	progressInterval = 10

	// defaultFPS is used when the container does not report a frame rate.
	defaultFPS = 25.0
)

// closeHandle releases native capture and writer handles. gocv allocates
// them before opening, so they are returned (and must be closed) even when
// the open fails.
var closeHandle = func(c io.Closer) {
	c.Close()
}

var videoExtensions = map[string]bool{
	".mp4": true,
	".avi": true,
	".mov": true,
}

// ProgressFunc receives the completion percentage of a video run.
type ProgressFunc func(percent float64)

// Output describes one finished run.
type Output struct {
	// Path is where the annotated media was written.
	Path string
	// Filename is the base name of Path.
	Filename string
	// Detections are the filtered detections of every frame, in frame order.
	Detections []common.BoundingBox
	// Frames is 1 for images and the number of frames read for videos.
	Frames int
	// Timings holds per-stage latency of the run.
	Timings []profiler.Timing
}

// IsVideo reports whether path is handled as a video, by extension.
func IsVideo(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// OutputFilename is the base name of the annotated copy of path.
func OutputFilename(path string) string {
	return OutputPrefix + filepath.Base(path)
}

// codecFor picks a fourcc the output container can hold.
func codecFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".avi") {
		return "MJPG"
	}
	return "mp4v"
}

// Processor runs detect, filter and annotate over media files.
//
// A Processor holds no per-run state and may be shared by concurrent runs as
// long as its detector may be.
type Processor struct {
	detector  detector.Detector
	outputDir string
	opts      detector.Options
	log       logrus.FieldLogger
}

// NewProcessor creates a Processor writing into outputDir.
//
// Arguments:
//   - d: The detector invoked once per image or frame.
//   - outputDir: Directory for annotated copies. Must exist.
//   - opts: Thresholds passed to every Detect call.
//   - log: Logger; nil uses the logrus standard logger.
func NewProcessor(d detector.Detector, outputDir string, opts detector.Options, log logrus.FieldLogger) *Processor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{detector: d, outputDir: outputDir, opts: opts, log: log}
}

// OutputDir returns the directory annotated copies are written to.
func (p *Processor) OutputDir() string {
	return p.outputDir
}

// Process dispatches on the file extension. progress is only called for
// videos and may be nil.
func (p *Processor) Process(ctx context.Context, path string, filter *detection.VehicleFilter, progress ProgressFunc) (*Output, error) {
	if IsVideo(path) {
		return p.ProcessVideo(ctx, path, filter, progress)
	}
	return p.ProcessImage(ctx, path, filter)
}

// ProcessImage detects, filters and annotates a single image and writes it
// to the output directory.
//
// Returns:
//   - *Output: The written file and the filtered detections.
//   - error: ErrData if the image cannot be read or written, ErrInference if
//     detection fails.
func (p *Processor) ProcessImage(ctx context.Context, path string, filter *detection.VehicleFilter) (*Output, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return nil, errors.Wrapf(detection.ErrData, "could not read image %s", path)
	}
	defer img.Close()

	tracker := profiler.NewTracker(0)
	dets, err := p.detectFrame(ctx, img, filter, tracker)
	if err != nil {
		return nil, err
	}

	name := OutputFilename(path)
	out := filepath.Join(p.outputDir, name)

	done := tracker.StartOperation("write")
	ok := gocv.IMWrite(out, img)
	done()
	if !ok {
		return nil, errors.Wrapf(detection.ErrData, "could not write image %s", out)
	}

	p.log.WithFields(logrus.Fields{
		"file":       path,
		"output":     out,
		"detections": len(dets),
	}).Info("processed image")
	tracker.Log(p.log)

	return &Output{
		Path:       out,
		Filename:   name,
		Detections: dets,
		Frames:     1,
		Timings:    tracker.Timings(),
	}, nil
}

// ProcessVideo runs detection on every frame of a video, writing an
// annotated copy with the source's size and frame rate.
//
// Progress is reported every 10 frames as a percentage of the container's
// frame count; containers that report no frame count get no progress
// reports. The loop stops when ctx is cancelled. On any failure the partial
// output file is removed.
//
// Returns:
//   - *Output: The written file and the filtered detections of all frames.
//   - error: ErrData if the video cannot be opened or written, ErrInference
//     if detection fails on a frame, or the context error.
func (p *Processor) ProcessVideo(ctx context.Context, path string, filter *detection.VehicleFilter, progress ProgressFunc) (out *Output, err error) {
	capture, err := gocv.OpenVideoCapture(path)
	if capture != nil {
		defer closeHandle(capture)
	}
	if err != nil {
		return nil, errors.Wrapf(detection.ErrData, "could not open video %s: %v", path, err)
	}
	if !capture.IsOpened() {
		return nil, errors.Wrapf(detection.ErrData, "could not open video %s", path)
	}

	width := int(capture.Get(gocv.VideoCaptureFrameWidth))
	height := int(capture.Get(gocv.VideoCaptureFrameHeight))
	fps := capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 || math.IsNaN(fps) {
		fps = defaultFPS
	}
	total := int(capture.Get(gocv.VideoCaptureFrameCount))

	name := OutputFilename(path)
	outPath := filepath.Join(p.outputDir, name)

	// Runs after the writer is closed.
	defer func() {
		if err != nil {
			os.Remove(outPath)
		}
	}()
	writer, err := gocv.VideoWriterFile(outPath, codecFor(outPath), fps, width, height, true)
	if writer != nil {
		defer closeHandle(writer)
	}
	if err != nil {
		return nil, errors.Wrapf(detection.ErrData, "could not create video writer %s: %v", outPath, err)
	}
	if !writer.IsOpened() {
		return nil, errors.Wrapf(detection.ErrData, "could not create video writer %s", outPath)
	}

	log := p.log.WithFields(logrus.Fields{"file": path, "output": outPath})
	log.WithFields(logrus.Fields{
		"width":  width,
		"height": height,
		"fps":    fps,
		"frames": total,
	}).Info("processing video")

	frame := gocv.NewMat()
	defer frame.Close()

	tracker := profiler.NewTracker(0)
	var all []common.BoundingBox
	frames := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "video %s cancelled after %d frames", path, frames)
		}
		if ok := capture.Read(&frame); !ok || frame.Empty() {
			break
		}

		dets, err := p.detectFrame(ctx, frame, filter, tracker)
		if err != nil {
			return nil, errors.Wrapf(err, "frame %d", frames)
		}
		all = append(all, dets...)

		done := tracker.StartOperation("write")
		err = writer.Write(frame)
		done()
		if err != nil {
			return nil, errors.Wrapf(detection.ErrData, "could not write frame %d: %v", frames, err)
		}

		frames++
		if progress != nil && total > 0 && frames%progressInterval == 0 {
			progress(math.Min(float64(frames)/float64(total)*100, 100))
		}
	}

	log.WithFields(logrus.Fields{
		"frames":     frames,
		"detections": len(all),
	}).Info("processed video")
	tracker.Log(log)

	if all == nil {
		all = []common.BoundingBox{}
	}
	return &Output{
		Path:       outPath,
		Filename:   name,
		Detections: all,
		Frames:     frames,
		Timings:    tracker.Timings(),
	}, nil
}

// detectFrame runs the detector on frame, filters the result and draws the
// survivors onto frame.
func (p *Processor) detectFrame(ctx context.Context, frame gocv.Mat, filter *detection.VehicleFilter, tracker *profiler.Tracker) ([]common.BoundingBox, error) {
	done := tracker.StartOperation("detect")
	raw, err := p.detector.Detect(ctx, frame, p.opts)
	done()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrapf(detection.ErrInference, "%v", err)
	}

	boxes := make([]common.BoundingBox, len(raw))
	for i, det := range raw {
		boxes[i] = det.BoundingBox()
	}
	kept := detection.Filter(boxes, filter)

	done = tracker.StartOperation("annotate")
	annotate.Draw(&frame, kept)
	done()

	return kept, nil
}
