package detection

import (
	"github.com/nvr-ai/vehicle-detector/common"
	"github.com/nvr-ai/vehicle-detector/models"
)

// Aggregate counts detections per class name.
//
// No filtering happens here; callers pass an already filtered list. Vehicle
// labels are counted under their canonical name, the way Filter matches them,
// so "Car" and "car" share a bucket.
//
// Arguments:
//   - detections: The filtered detections of one run.
//   - processingTime: Copied into the summary as is.
//
// Returns:
//   - Stats: TotalVehicles equals len(detections) and the ByClass counts sum to it.
func Aggregate(detections []common.BoundingBox, processingTime float64) Stats {
	byClass := make(map[string]int)
	for _, det := range detections {
		byClass[classKey(det.ClassName)]++
	}
	return Stats{
		TotalVehicles:  len(detections),
		ByClass:        byClass,
		ProcessingTime: processingTime,
	}
}

// StatsFor aggregates the detections stored in a result.
func StatsFor(result *Result) Stats {
	return Aggregate(result.Detections, result.ProcessingTime)
}

func classKey(label string) string {
	if class, ok := models.ParseVehicleClass(label); ok {
		return class.String()
	}
	return label
}
