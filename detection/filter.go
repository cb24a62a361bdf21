package detection

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/vehicle-detector/common"
	"github.com/nvr-ai/vehicle-detector/models"
)

// DefaultMinConfidence is the threshold applied when no filter is supplied.
const DefaultMinConfidence = 0.5

// VehicleFilter selects which detections of a run are kept.
//
// A filter is immutable once constructed and governs a single run. The zero
// value is not valid; use DefaultFilter or NewVehicleFilter.
type VehicleFilter struct {
	// targets is nil when no class restriction applies.
	targets       map[models.VehicleClass]struct{}
	minConfidence float32
}

// DefaultFilter keeps every known vehicle class at DefaultMinConfidence.
func DefaultFilter() *VehicleFilter {
	return &VehicleFilter{minConfidence: DefaultMinConfidence}
}

// NewVehicleFilter builds a validated filter.
//
// Arguments:
//   - classes: Classes to keep. Empty means no class restriction.
//   - minConfidence: Inclusive lower bound, must lie in [0, 1].
//
// Returns:
//   - *VehicleFilter: The filter.
//   - error: Wraps ErrValidation when minConfidence is out of range or a
//     class is VehicleUnknown.
func NewVehicleFilter(classes []models.VehicleClass, minConfidence float64) (*VehicleFilter, error) {
	if !(minConfidence >= 0 && minConfidence <= 1) {
		return nil, errors.Wrapf(ErrValidation, "min_confidence %v outside [0, 1]", minConfidence)
	}

	f := &VehicleFilter{minConfidence: float32(minConfidence)}
	if len(classes) == 0 {
		return f, nil
	}

	f.targets = make(map[models.VehicleClass]struct{}, len(classes))
	for _, class := range classes {
		if class == models.VehicleUnknown {
			return nil, errors.Wrap(ErrValidation, "unknown vehicle class in target_classes")
		}
		f.targets[class] = struct{}{}
	}
	return f, nil
}

// ParseVehicleFilter builds a filter from class labels as received from a
// caller, e.g. "car" or "Truck".
func ParseVehicleFilter(labels []string, minConfidence float64) (*VehicleFilter, error) {
	classes := make([]models.VehicleClass, 0, len(labels))
	for _, label := range labels {
		if strings.TrimSpace(label) == "" {
			continue
		}
		class, ok := models.ParseVehicleClass(label)
		if !ok {
			return nil, errors.Wrapf(ErrValidation, "unknown vehicle class %q", label)
		}
		classes = append(classes, class)
	}
	return NewVehicleFilter(classes, minConfidence)
}

// MinConfidence returns the inclusive confidence threshold.
func (f *VehicleFilter) MinConfidence() float32 {
	return f.minConfidence
}

// TargetClasses returns the restricted classes in declaration order, or nil
// when every known class is allowed.
func (f *VehicleFilter) TargetClasses() []models.VehicleClass {
	if f.targets == nil {
		return nil
	}
	classes := make([]models.VehicleClass, 0, len(f.targets))
	for _, class := range models.AllVehicleClasses {
		if _, ok := f.targets[class]; ok {
			classes = append(classes, class)
		}
	}
	return classes
}

// Keep reports whether a single detection passes the filter.
func (f *VehicleFilter) Keep(det common.BoundingBox) bool {
	class, ok := models.ParseVehicleClass(det.ClassName)
	if !ok {
		return false
	}
	if f.targets != nil {
		if _, ok := f.targets[class]; !ok {
			return false
		}
	}
	return det.Confidence >= f.minConfidence
}

// MarshalJSON encodes the filter the way it was requested.
func (f *VehicleFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TargetClasses []models.VehicleClass `json:"target_classes"`
		MinConfidence float32               `json:"min_confidence"`
	}{
		TargetClasses: f.TargetClasses(),
		MinConfidence: f.minConfidence,
	})
}

// Filter returns the detections that pass f, preserving input order.
//
// A nil filter behaves like DefaultFilter. Detections whose label has no
// vehicle class are dropped. The result is never nil.
//
// @example
// f, _ := NewVehicleFilter([]models.VehicleClass{models.VehicleCar}, 0.6)
// kept := Filter(detections, f)
func Filter(detections []common.BoundingBox, f *VehicleFilter) []common.BoundingBox {
	if f == nil {
		f = DefaultFilter()
	}

	kept := make([]common.BoundingBox, 0, len(detections))
	for _, det := range detections {
		if f.Keep(det) {
			kept = append(kept, det)
		}
	}
	return kept
}
