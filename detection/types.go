// Package detection - Result model, filtering policy and statistics of a
// detection run.
package detection

import (
	"time"

	"github.com/nvr-ai/vehicle-detector/common"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions may follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result is the outcome of one processing run. It is built once the run
// finishes and never modified afterwards.
type Result struct {
	TaskID            string               `json:"task_id"`
	Filename          string               `json:"filename"`
	ProcessedFilename string               `json:"processed_filename"`
	Detections        []common.BoundingBox `json:"detections"`
	// ProcessingTime is the wall-clock duration of the run in seconds.
	ProcessingTime float64        `json:"processing_time"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         Status         `json:"status"`
	Error          string         `json:"error,omitempty"`
	Filter         *VehicleFilter `json:"filter,omitempty"`
}

// Stats summarises a result's detections.
type Stats struct {
	TotalVehicles  int            `json:"total_vehicles"`
	ByClass        map[string]int `json:"by_class"`
	ProcessingTime float64        `json:"processing_time"`
}
