// Package units provides shared constants and conversions for length units
package units

import (
	"fmt"
	"strings"
)

// Length identifies the unit a calibration scale or reading is expressed in.
type Length string

// Unit constants
const (
	Centimetre Length = "cm"
	Millimetre Length = "mm"
	Metre      Length = "m"
	Inch       Length = "in"
)

// ValidLengths contains all valid unit values
var ValidLengths = []Length{Centimetre, Millimetre, Metre, Inch}

var centimetresPer = map[Length]float64{
	Centimetre: 1,
	Millimetre: 0.1,
	Metre:      100,
	Inch:       2.54,
}

// IsValid checks if the given unit is in the list of valid units.
// Units are case-sensitive.
func IsValid(unit string) bool {
	_, ok := centimetresPer[Length(unit)]
	return ok
}

// ValidLengthsString returns a comma-separated string of valid units for error messages
func ValidLengthsString() string {
	names := make([]string, len(ValidLengths))
	for i, u := range ValidLengths {
		names[i] = string(u)
	}
	return strings.Join(names, ", ")
}

// Parse converts a unit name into a Length, defaulting to centimetres when empty.
func Parse(unit string) (Length, error) {
	if unit == "" {
		return Centimetre, nil
	}
	if !IsValid(unit) {
		return "", fmt.Errorf("invalid length unit %q, must be one of: %s", unit, ValidLengthsString())
	}
	return Length(unit), nil
}

// CentimetresPer returns how many centimetres one unit spans. Unknown units
// are treated as centimetres.
func CentimetresPer(unit Length) float64 {
	if f, ok := centimetresPer[unit]; ok {
		return f
	}
	return 1
}

// ToCentimetres converts a value in the given unit to centimetres.
func ToCentimetres(v float64, unit Length) float64 {
	return v * CentimetresPer(unit)
}

// FromCentimetres converts a value in centimetres to the target unit.
func FromCentimetres(cm float64, unit Length) float64 {
	return cm / CentimetresPer(unit)
}
