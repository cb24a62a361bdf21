// Package pipeline ties the task registry to the media processor: it owns the
// lifecycle of every run, synchronous or queued.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/vehicle-detector/detection"
	"github.com/nvr-ai/vehicle-detector/media"
	"github.com/nvr-ai/vehicle-detector/tasks"
	"github.com/nvr-ai/vehicle-detector/util"
)

// Processor turns a source file into an annotated output. *media.Processor
// implements it.
type Processor interface {
	Process(ctx context.Context, path string, filter *detection.VehicleFilter, progress media.ProgressFunc) (*media.Output, error)
	OutputDir() string
}

// Pipeline runs detection jobs and records them in a registry.
type Pipeline struct {
	registry  *tasks.Registry
	processor Processor
	log       logrus.FieldLogger
	sem       chan struct{}
	wg        sync.WaitGroup
	now       func() time.Time
}

// New creates a Pipeline.
//
// Arguments:
//   - registry: Where tasks are recorded. Shared with readers such as the API.
//   - processor: Runs the media work.
//   - workers: Maximum number of queued runs executing at once; values below
//     1 are treated as 1. Process calls are not limited.
//   - log: Logger; nil uses the logrus standard logger.
func New(registry *tasks.Registry, processor Processor, workers int, log logrus.FieldLogger) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		registry:  registry,
		processor: processor,
		log:       log,
		sem:       make(chan struct{}, workers),
		now:       time.Now,
	}
}

// Registry returns the registry runs are recorded in.
func (p *Pipeline) Registry() *tasks.Registry {
	return p.registry
}

// Process runs detection on path and blocks until it finishes.
//
// A task is created before any work starts, so failures are always visible
// through the registry as well as through the returned error.
//
// Arguments:
//   - ctx: Cancels the run between frames.
//   - path: Image or video file.
//   - filter: Class and confidence policy; nil selects the default filter.
//
// Returns:
//   - *detection.Result: The completed result, also attached to the task.
//   - error: The processing failure, also recorded on the task.
//
// @example
// result, err := p.Process(ctx, "uploads/street.jpg", nil)
func (p *Pipeline) Process(ctx context.Context, path string, filter *detection.VehicleFilter) (*detection.Result, error) {
	task := p.registry.Create(filepath.Base(path))
	return p.run(ctx, task, path, filter)
}

// Submit creates a task for path and runs it on the worker pool.
//
// The task is returned in pending state as soon as it is registered. cleanup,
// if non-nil, runs once the run has finished, whatever the outcome.
//
// Returns:
//   - tasks.Task: Snapshot of the new task.
//   - error: ErrValidation if path does not exist; nothing is registered then.
func (p *Pipeline) Submit(ctx context.Context, path string, filter *detection.VehicleFilter, cleanup func()) (tasks.Task, error) {
	if _, err := os.Stat(path); err != nil {
		return tasks.Task{}, errors.Wrapf(detection.ErrValidation, "source %s: %v", path, err)
	}

	task := p.registry.Create(filepath.Base(path))
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if cleanup != nil {
			defer cleanup()
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.registry.UpdateStatus(task.TaskID, detection.StatusFailed, ctx.Err().Error())
			return
		}
		defer func() { <-p.sem }()

		p.run(ctx, task, path, filter)
	}()

	return task, nil
}

// Wait blocks until every submitted run has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) run(ctx context.Context, task tasks.Task, path string, filter *detection.VehicleFilter) (*detection.Result, error) {
	if filter == nil {
		filter = detection.DefaultFilter()
	}
	log := p.log.WithFields(logrus.Fields{"task_id": task.TaskID, "file": task.Filename})

	p.registry.UpdateStatus(task.TaskID, detection.StatusProcessing, "")
	log.Info("processing started")

	start := p.now()
	out, err := p.processor.Process(ctx, path, filter, func(percent float64) {
		p.registry.UpdateProgress(task.TaskID, percent)
	})
	elapsed := p.now().Sub(start).Seconds()

	if err != nil {
		p.registry.UpdateStatus(task.TaskID, detection.StatusFailed, err.Error())
		log.WithError(err).Error("processing failed")
		return nil, err
	}

	result := &detection.Result{
		TaskID:            task.TaskID,
		Filename:          task.Filename,
		ProcessedFilename: out.Filename,
		Detections:        out.Detections,
		ProcessingTime:    elapsed,
		CreatedAt:         p.now().UTC(),
		Status:            detection.StatusCompleted,
		Filter:            filter,
	}
	p.registry.AttachResult(task.TaskID, result)

	log.WithFields(logrus.Fields{
		"detections": len(result.Detections),
		"seconds":    elapsed,
	}).Info("processing completed")
	return result, nil
}

// Task returns the current snapshot of id.
func (p *Pipeline) Task(id string) (tasks.Task, error) {
	task, ok := p.registry.Get(id)
	if !ok {
		return tasks.Task{}, errors.Wrapf(detection.ErrNotFound, "task %s", id)
	}
	return task, nil
}

// Result returns the result of a completed task.
//
// Returns:
//   - error: ErrNotFound for unknown ids, ErrNotCompleted while the task is
//     pending or processing and when it failed.
func (p *Pipeline) Result(id string) (*detection.Result, error) {
	task, err := p.Task(id)
	if err != nil {
		return nil, err
	}
	if task.Status != detection.StatusCompleted || task.Result == nil {
		return nil, errors.Wrapf(detection.ErrNotCompleted, "task %s is %s", id, task.Status)
	}
	return task.Result, nil
}

// Stats aggregates the result of a completed task.
func (p *Pipeline) Stats(id string) (detection.Stats, error) {
	result, err := p.Result(id)
	if err != nil {
		return detection.Stats{}, err
	}
	return detection.StatsFor(result), nil
}

// OutputFile resolves an annotated output by file name.
//
// Returns:
//   - string: Path of an existing regular file inside the output directory.
//   - error: ErrValidation for names with path components, ErrNotFound when
//     no such file exists.
func (p *Pipeline) OutputFile(name string) (string, error) {
	path, err := util.ResolveOutput(p.processor.OutputDir(), name)
	if err != nil {
		return "", errors.Wrapf(detection.ErrValidation, "%v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", errors.Wrapf(detection.ErrNotFound, "file %s", name)
	}
	return path, nil
}
