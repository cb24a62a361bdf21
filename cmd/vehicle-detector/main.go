package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/vehicle-detector/api"
	"github.com/nvr-ai/vehicle-detector/config"
	"github.com/nvr-ai/vehicle-detector/detection"
	"github.com/nvr-ai/vehicle-detector/detector"
	"github.com/nvr-ai/vehicle-detector/media"
	"github.com/nvr-ai/vehicle-detector/pipeline"
	"github.com/nvr-ai/vehicle-detector/tasks"
	"github.com/nvr-ai/vehicle-detector/util"
)

const shutdownTimeout = 30 * time.Second

// modelLoader opens the detector; replaced in tests.
type modelLoader func(detector.Config) (detector.Model, error)

func main() {
	os.Exit(run(os.Args[1:], detector.New))
}

// run returns the process exit code so deferred cleanup (the native model
// above all) runs before the process exits.
func run(args []string, load modelLoader) int {
	var (
		input         string
		classes       string
		minConfidence float64
	)
	flags := flag.NewFlagSet("vehicle-detector", flag.ContinueOnError)
	flags.StringVar(&input, "input", "", "Process an image, video or directory of media and exit instead of serving")
	flags.StringVar(&classes, "classes", "", "Comma separated vehicle classes to keep (default: all)")
	flags.Float64Var(&minConfidence, "min-confidence", detection.DefaultMinConfidence, "Minimum confidence of kept detections")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	log := cfg.NewLogger()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return 1
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.WithError(err).Error("error preparing directories")
		return 1
	}

	model, err := load(cfg.DetectorConfig())
	if err != nil {
		log.WithError(err).Error("error loading detector")
		return 1
	}
	defer model.Close()
	log.WithFields(logrus.Fields{
		"backend": cfg.Backend,
		"model":   cfg.ModelPath,
	}).Info("detector loaded")

	processor := media.NewProcessor(model, cfg.OutputDir, cfg.DetectorOptions(), log)
	p := pipeline.New(tasks.NewRegistry(), processor, cfg.Workers, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if input != "" {
		filter, err := detection.ParseVehicleFilter(strings.Split(classes, ","), minConfidence)
		if err != nil {
			log.WithError(err).Error("invalid filter")
			return 1
		}
		if err := runOnce(ctx, p, input, filter); err != nil {
			log.WithError(err).Error("processing failed")
			return 1
		}
		return 0
	}

	if err := serve(ctx, cfg, p, log); err != nil {
		log.WithError(err).Error("server error")
		return 1
	}
	return 0
}

// runOnce processes input, a file or a directory, and prints one stats line
// per file.
func runOnce(ctx context.Context, p *pipeline.Pipeline, input string, filter *detection.VehicleFilter) error {
	files, err := collectInputs(input)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, file := range files {
		result, err := p.Process(ctx, file, filter)
		if err != nil {
			return errors.Wrapf(err, "error processing %s", file)
		}
		if err := enc.Encode(struct {
			File   string          `json:"file"`
			Output string          `json:"output"`
			Stats  detection.Stats `json:"stats"`
		}{file, result.ProcessedFilename, detection.StatsFor(result)}); err != nil {
			return err
		}
	}
	return nil
}

// collectInputs expands a directory into its media files, or checks a single
// file exists and has a supported extension.
func collectInputs(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, errors.Errorf("file not found: %s", input)
	}
	if info.IsDir() {
		files, err := util.ListMediaFiles(input)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, errors.Errorf("no media files in %s", input)
		}
		return files, nil
	}

	ext := strings.ToLower(filepath.Ext(input))
	if !util.MediaExtensions[ext] {
		return nil, errors.Errorf("unsupported file extension: %q", ext)
	}
	return []string{input}, nil
}

func serve(ctx context.Context, cfg *config.Config, p *pipeline.Pipeline, log *logrus.Logger) error {
	// Async runs outlive the signal so shutdown can drain them.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	hub := api.NewHub(cfg.CORSOrigins, log)
	server := api.NewServer(runCtx, api.Options{
		Prefix:        cfg.APIPrefix,
		UploadDir:     cfg.UploadDir,
		MaxUploadSize: cfg.MaxUploadSize,
		CORSOrigins:   cfg.CORSOrigins,
	}, p, hub, log)

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TaskRetention > 0 {
		go pruneLoop(ctx, p.Registry(), cfg.TaskRetention, log)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", httpServer.Addr).Info("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("error shutting down http server")
	}

	return drain(shutdownCtx, p.Wait, cancelRuns)
}

// drain waits for running and queued tasks until ctx expires, then cancels
// them and waits for them to stop.
func drain(ctx context.Context, wait func(), cancelRuns context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	cancelRuns()
	<-done
	return errors.New("timed out waiting for running tasks")
}

// pruneLoop drops finished tasks older than ttl, checking every ttl/4.
func pruneLoop(ctx context.Context, registry *tasks.Registry, ttl time.Duration, log logrus.FieldLogger) {
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Prune(ttl); n > 0 {
				log.WithField("removed", n).Debug("pruned tasks")
			}
		}
	}
}
