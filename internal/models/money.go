package models

import "fmt"

// Micros is a fixed-point currency amount in micro-units (1/1,000,000 of the
// base currency). All ledger arithmetic happens in micros to avoid
// floating-point drift.
type Micros = int64

const MicrosPerUnit int64 = 1_000_000

// UnitsToMicros converts a whole-currency amount to micros.
func UnitsToMicros(units float64) Micros {
	return Micros(units * float64(MicrosPerUnit))
}

// MicrosToUnits converts micros back to a whole-currency amount.
func MicrosToUnits(m Micros) float64 {
	return float64(m) / float64(MicrosPerUnit)
}

// FormatMicros renders a micros amount as a currency string, e.g. "$12.50".
func FormatMicros(m Micros) string {
	return fmt.Sprintf("$%.2f", MicrosToUnits(m))
}
