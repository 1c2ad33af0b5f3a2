// Package units provides the display units for speeds. Telemetry speeds are
// always km/h.
package units

// Unit constants
const (
	KMPH = "kmph"
	MPH  = "mph"
	MPS  = "mps"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{KMPH, MPH, MPS}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "kmph, mph, mps"
}

// ConvertSpeed converts a speed in km/h to the target units. Unknown units
// leave the value in km/h.
func ConvertSpeed(speedKMPH float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedKMPH * 0.621371
	case MPS:
		return speedKMPH / 3.6
	default:
		return speedKMPH
	}
}

// Label returns the short axis label for a unit.
func Label(unit string) string {
	switch unit {
	case MPH:
		return "mph"
	case MPS:
		return "m/s"
	default:
		return "km/h"
	}
}
