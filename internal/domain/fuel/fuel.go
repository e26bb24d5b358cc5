package fuel

import "fmt"

// Type identifies a tracked fuel product.
type Type int

const (
	Gasoline Type = iota
	Diesel
	LPG
)

// conversionFactors maps each fuel type to its ton-to-liter density
// constant used to convert reference prices (USD/ton) into per-liter terms.
var conversionFactors = map[Type]float64{
	Gasoline: 1180,
	Diesel:   1190,
	LPG:      1750,
}

func (t Type) String() string {
	switch t {
	case Gasoline:
		return "gasoline"
	case Diesel:
		return "diesel"
	case LPG:
		return "lpg"
	default:
		return "unknown"
	}
}

// Parse converts a fuel type name into its Type value.
func Parse(s string) (Type, error) {
	switch s {
	case "gasoline":
		return Gasoline, nil
	case "diesel":
		return Diesel, nil
	case "lpg":
		return LPG, nil
	default:
		return 0, fmt.Errorf("unknown fuel type: %q", s)
	}
}

// ConversionFactor returns the density constant for the fuel type.
func (t Type) ConversionFactor() float64 {
	if f, ok := conversionFactors[t]; ok {
		return f
	}
	return 0
}

// All returns every tracked fuel type in stable order.
func All() []Type {
	return []Type{Gasoline, Diesel, LPG}
}
