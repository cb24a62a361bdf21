package models

import "strings"

// VehicleClass is the closed set of semantic classes the pipeline keeps.
type VehicleClass int

const (
	// VehicleUnknown is the zero value returned for labels outside the set.
	VehicleUnknown VehicleClass = iota
	VehicleCar
	VehicleMotorcycle
	VehicleBus
	VehicleTruck
	VehicleBicycle
)

// AllVehicleClasses lists every known class in declaration order.
var AllVehicleClasses = []VehicleClass{
	VehicleCar,
	VehicleMotorcycle,
	VehicleBus,
	VehicleTruck,
	VehicleBicycle,
}

// vehicleLabels maps lower-cased detector labels to vehicle classes.
var vehicleLabels = map[string]VehicleClass{
	"car":        VehicleCar,
	"motorcycle": VehicleMotorcycle,
	"bus":        VehicleBus,
	"truck":      VehicleTruck,
	"bicycle":    VehicleBicycle,
}

// ParseVehicleClass maps a detector label to a vehicle class.
//
// Matching is case-insensitive. Labels with no entry return VehicleUnknown
// and false; callers are expected to skip them.
//
// @example
// class, ok := ParseVehicleClass("Car") // VehicleCar, true
// class, ok = ParseVehicleClass("person") // VehicleUnknown, false
func ParseVehicleClass(label string) (VehicleClass, bool) {
	class, ok := vehicleLabels[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return VehicleUnknown, false
	}
	return class, true
}

// String returns the canonical lower-case label.
func (c VehicleClass) String() string {
	switch c {
	case VehicleCar:
		return "car"
	case VehicleMotorcycle:
		return "motorcycle"
	case VehicleBus:
		return "bus"
	case VehicleTruck:
		return "truck"
	case VehicleBicycle:
		return "bicycle"
	default:
		return "unknown"
	}
}

// MarshalText encodes the class as its label.
func (c VehicleClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
