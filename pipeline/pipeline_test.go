package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/vehicle-detector/common"
	"github.com/nvr-ai/vehicle-detector/detection"
	"github.com/nvr-ai/vehicle-detector/detector"
	"github.com/nvr-ai/vehicle-detector/media"
	"github.com/nvr-ai/vehicle-detector/tasks"
	mocks "github.com/nvr-ai/vehicle-detector/test"
)

// fakeProcessor returns canned output without touching any media.
type fakeProcessor struct {
	dir        string
	detections []common.BoundingBox
	err        error
	// gate, if set, blocks each run until it is closed or receives.
	gate    chan struct{}
	started chan string
	progress []float64

	active    int32
	maxActive int32
}

func (f *fakeProcessor) Process(ctx context.Context, path string, filter *detection.VehicleFilter, progress media.ProgressFunc) (*media.Output, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		cur := atomic.LoadInt32(&f.maxActive)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxActive, cur, n) {
			break
		}
	}

	for _, percent := range f.progress {
		progress(percent)
	}
	if f.started != nil {
		f.started <- path
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &media.Output{
		Path:       filepath.Join(f.dir, media.OutputFilename(path)),
		Filename:   media.OutputFilename(path),
		Detections: detection.Filter(f.detections, filter),
		Frames:     1,
	}, nil
}

func (f *fakeProcessor) OutputDir() string {
	return f.dir
}

func newPipeline(t *testing.T, proc Processor, workers int) *Pipeline {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return New(tasks.NewRegistry(), proc, workers, logger)
}

func writeSource(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestProcess(t *testing.T) {
	proc := &fakeProcessor{dir: t.TempDir(), detections: []common.BoundingBox{
		{ClassName: "car", Confidence: 0.9},
		{ClassName: "car", Confidence: 0.4},
		{ClassName: "truck", Confidence: 0.7},
	}}
	p := newPipeline(t, proc, 1)

	result, err := p.Process(context.Background(), "/uploads/street.jpg", nil)
	require.NoError(t, err)

	assert.Equal(t, "street.jpg", result.Filename)
	assert.Equal(t, "processed_street.jpg", result.ProcessedFilename)
	assert.Equal(t, detection.StatusCompleted, result.Status)
	assert.Len(t, result.Detections, 2)
	assert.GreaterOrEqual(t, result.ProcessingTime, 0.0)
	assert.Equal(t, detection.DefaultFilter().MinConfidence(), result.Filter.MinConfidence())

	task, err := p.Task(result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, detection.StatusCompleted, task.Status)
	assert.Same(t, result, task.Result)

	stats, err := p.Stats(result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalVehicles)
	assert.Equal(t, map[string]int{"car": 1, "truck": 1}, stats.ByClass)
	assert.Equal(t, result.ProcessingTime, stats.ProcessingTime)
}

func TestProcessFailure(t *testing.T) {
	proc := &fakeProcessor{dir: t.TempDir(), err: errors.Wrap(detection.ErrData, "could not open video clip.mp4")}
	p := newPipeline(t, proc, 1)

	var last tasks.Task
	p.Registry().Subscribe(func(task tasks.Task) { last = task })

	result, err := p.Process(context.Background(), "clip.mp4", nil)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, detection.ErrData))

	failed, err := p.Task(last.TaskID)
	require.NoError(t, err)
	assert.Equal(t, detection.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "could not open video")
	assert.Nil(t, failed.Result)

	_, err = p.Result(failed.TaskID)
	assert.True(t, errors.Is(err, detection.ErrNotCompleted))
}

func TestLookupsUnknownTask(t *testing.T) {
	p := newPipeline(t, &fakeProcessor{dir: t.TempDir()}, 1)

	_, err := p.Task("does-not-exist")
	assert.True(t, errors.Is(err, detection.ErrNotFound))

	_, err = p.Result("does-not-exist")
	assert.True(t, errors.Is(err, detection.ErrNotFound))

	_, err = p.Stats("does-not-exist")
	assert.True(t, errors.Is(err, detection.ErrNotFound))
}

func TestSubmitLifecycle(t *testing.T) {
	proc := &fakeProcessor{
		dir:      t.TempDir(),
		gate:     make(chan struct{}),
		started:  make(chan string, 1),
		progress: []float64{40},
		detections: []common.BoundingBox{
			{ClassName: "bus", Confidence: 0.8},
		},
	}
	p := newPipeline(t, proc, 1)
	src := writeSource(t, "clip.mp4")

	var cleaned int32
	task, err := p.Submit(context.Background(), src, nil, func() { atomic.AddInt32(&cleaned, 1) })
	require.NoError(t, err)
	assert.Equal(t, detection.StatusPending, task.Status)
	assert.Equal(t, "clip.mp4", task.Filename)

	<-proc.started
	running, err := p.Task(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, detection.StatusProcessing, running.Status)
	require.NotNil(t, running.Progress)
	assert.Equal(t, 40.0, *running.Progress)

	_, err = p.Result(task.TaskID)
	assert.True(t, errors.Is(err, detection.ErrNotCompleted))
	_, err = p.Stats(task.TaskID)
	assert.True(t, errors.Is(err, detection.ErrNotCompleted))

	close(proc.gate)
	p.Wait()

	done, err := p.Task(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, detection.StatusCompleted, done.Status)
	assert.Nil(t, done.Progress)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cleaned))

	stats, err := p.Stats(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"bus": 1}, stats.ByClass)
}

func TestSubmitBoundsConcurrency(t *testing.T) {
	proc := &fakeProcessor{dir: t.TempDir(), gate: make(chan struct{}), started: make(chan string, 4)}
	p := newPipeline(t, proc, 2)

	var ids []string
	for i := 0; i < 4; i++ {
		task, err := p.Submit(context.Background(), writeSource(t, "street.jpg"), nil, nil)
		require.NoError(t, err)
		ids = append(ids, task.TaskID)
	}

	<-proc.started
	<-proc.started
	// Give a third run the chance to start if the bound were broken.
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&proc.maxActive), int32(2))

	close(proc.gate)
	p.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&proc.maxActive))
	for _, id := range ids {
		task, err := p.Task(id)
		require.NoError(t, err)
		assert.Equal(t, detection.StatusCompleted, task.Status)
	}
}

func TestSubmitMissingSource(t *testing.T) {
	p := newPipeline(t, &fakeProcessor{dir: t.TempDir()}, 1)

	_, err := p.Submit(context.Background(), filepath.Join(t.TempDir(), "nope.jpg"), nil, nil)
	assert.True(t, errors.Is(err, detection.ErrValidation))
	assert.Equal(t, 0, p.Registry().Len())
}

func TestSubmitCancelledWhileQueued(t *testing.T) {
	proc := &fakeProcessor{dir: t.TempDir(), gate: make(chan struct{}), started: make(chan string, 2)}
	p := newPipeline(t, proc, 1)

	blocker, err := p.Submit(context.Background(), writeSource(t, "a.jpg"), nil, nil)
	require.NoError(t, err)
	<-proc.started

	ctx, cancel := context.WithCancel(context.Background())
	var cleaned sync.WaitGroup
	cleaned.Add(1)
	queued, err := p.Submit(ctx, writeSource(t, "b.jpg"), nil, cleaned.Done)
	require.NoError(t, err)

	cancel()
	cleaned.Wait()

	task, err := p.Task(queued.TaskID)
	require.NoError(t, err)
	assert.Equal(t, detection.StatusFailed, task.Status)
	assert.Equal(t, context.Canceled.Error(), task.Error)

	close(proc.gate)
	p.Wait()
	first, _ := p.Task(blocker.TaskID)
	assert.Equal(t, detection.StatusCompleted, first.Status)
}

func TestOutputFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "processed_a.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	p := newPipeline(t, &fakeProcessor{dir: dir}, 1)

	path, err := p.OutputFile("processed_a.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "processed_a.jpg"), path)

	_, err = p.OutputFile("missing.jpg")
	assert.True(t, errors.Is(err, detection.ErrNotFound))
	_, err = p.OutputFile("sub")
	assert.True(t, errors.Is(err, detection.ErrNotFound))
	_, err = p.OutputFile("../etc/passwd")
	assert.True(t, errors.Is(err, detection.ErrValidation))
}

// A video that cannot be opened fails the task and leaves no output behind.
func TestProcessUnopenableVideo(t *testing.T) {
	outDir := t.TempDir()
	logger, _ := test.NewNullLogger()
	proc := media.NewProcessor(&mocks.MockDetector{}, outDir, detector.Options{Confidence: 0.25, IoU: 0.45}, logger)
	p := New(tasks.NewRegistry(), proc, 1, logger)

	var last tasks.Task
	p.Registry().Subscribe(func(task tasks.Task) { last = task })

	src := filepath.Join(t.TempDir(), "broken.mp4")

	_, err := p.Process(context.Background(), src, nil)
	require.Error(t, err)

	assert.Equal(t, detection.StatusFailed, last.Status)
	assert.NotEmpty(t, last.Error)
	assert.NoFileExists(t, filepath.Join(outDir, "processed_broken.mp4"))
}
