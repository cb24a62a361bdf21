// Package config loads service settings from the environment.
package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/vehicle-detector/detector"
)

// Config holds every setting read at startup.
type Config struct {
	Port      int
	APIPrefix string

	ModelPath       string
	Backend         detector.Backend
	ONNXRuntimeLib  string
	InputSize       int
	Confidence      float64 // detector score threshold
	IoU             float64 // NMS overlap threshold
	DetectorThreads int
	ORTProvider     string
	ORTDeviceID     int

	UploadDir     string
	OutputDir     string
	MaxUploadSize int64

	Workers       int
	TaskRetention time.Duration
	CORSOrigins   []string

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file from the working directory, then builds
// the configuration from the environment. Variables already set take
// precedence over .env entries.
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the environment only.
func FromEnv() *Config {
	return &Config{
		Port:            getEnvAsInt("PORT", 8000),
		APIPrefix:       strings.TrimRight(getEnv("API_PREFIX", "/api/v1"), "/"),
		ModelPath:       getEnv("MODEL_PATH", "models/yolov8n.onnx"),
		Backend:         detector.Backend(strings.ToLower(getEnv("DETECTOR_BACKEND", string(detector.BackendDNN)))),
		ONNXRuntimeLib:  getEnv("ONNXRUNTIME_LIB", detector.DefaultSharedLibPath()),
		InputSize:       getEnvAsInt("INPUT_SIZE", 640),
		Confidence:      getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.25),
		IoU:             getEnvAsFloat("IOU_THRESHOLD", 0.45),
		DetectorThreads: getEnvAsInt("DETECTOR_THREADS", 4),
		ORTProvider:     getEnv("ORT_PROVIDER", string(detector.ProviderCPU)),
		ORTDeviceID:     getEnvAsInt("ORT_DEVICE_ID", 0),
		UploadDir:       getEnv("UPLOAD_DIR", "uploads"),
		OutputDir:       getEnv("OUTPUT_DIR", "outputs"),
		MaxUploadSize:   getEnvAsInt64("MAX_UPLOAD_SIZE", 10*1024*1024),
		Workers:         getEnvAsInt("WORKERS", 2),
		TaskRetention:   getEnvAsDuration("TASK_RETENTION", 0),
		CORSOrigins:     getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return errors.Errorf("PORT %d out of range", c.Port)
	case c.Backend != detector.BackendDNN && c.Backend != detector.BackendORT:
		return errors.Errorf("DETECTOR_BACKEND %q must be %q or %q", c.Backend, detector.BackendDNN, detector.BackendORT)
	case c.InputSize <= 0 || c.InputSize%32 != 0:
		return errors.Errorf("INPUT_SIZE %d must be a positive multiple of 32", c.InputSize)
	case !unit(c.Confidence):
		return errors.Errorf("CONFIDENCE_THRESHOLD %v must be within [0, 1]", c.Confidence)
	case !unit(c.IoU):
		return errors.Errorf("IOU_THRESHOLD %v must be within [0, 1]", c.IoU)
	case c.MaxUploadSize <= 0:
		return errors.Errorf("MAX_UPLOAD_SIZE %d must be positive", c.MaxUploadSize)
	case c.Workers < 1:
		return errors.Errorf("WORKERS %d must be at least 1", c.Workers)
	case c.TaskRetention < 0:
		return errors.Errorf("TASK_RETENTION %s must not be negative", c.TaskRetention)
	case c.UploadDir == "" || c.OutputDir == "":
		return errors.New("UPLOAD_DIR and OUTPUT_DIR must be set")
	}
	if _, err := detector.ParseProvider(c.ORTProvider); err != nil {
		return errors.Wrap(err, "ORT_PROVIDER")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "LOG_LEVEL")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return errors.Errorf("LOG_FORMAT %q must be text or json", c.LogFormat)
	}
	return nil
}

// EnsureDirs creates the upload and output directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.UploadDir, c.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "error creating directory %s", dir)
		}
	}
	return nil
}

// DetectorConfig maps the settings onto a detector configuration.
func (c *Config) DetectorConfig() detector.Config {
	cfg := detector.DefaultConfig()
	cfg.Backend = c.Backend
	cfg.ModelPath = c.ModelPath
	cfg.InputSize = c.InputSize
	cfg.SharedLibPath = c.ONNXRuntimeLib
	cfg.Threads = c.DetectorThreads
	cfg.Provider, _ = detector.ParseProvider(c.ORTProvider)
	cfg.DeviceID = c.ORTDeviceID
	return cfg
}

// DetectorOptions are the thresholds passed to every Detect call.
func (c *Config) DetectorOptions() detector.Options {
	return detector.Options{Confidence: float32(c.Confidence), IoU: float32(c.IoU)}
}

// NewLogger builds a logrus logger with the configured level and format.
// Invalid values fall back to info and text.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("24h") or plain seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
