package model

import "fmt"

// Currency identifies the settlement currency of a price or payment.
type Currency string

const (
	GBP Currency = "GBP"
	EUR Currency = "EUR"
)

// Money is an amount in integer minor units (pence, cents). All arithmetic
// in the core is done on minor units; decimal rendering happens only at
// serialization boundaries.
type Money int64

// String renders the amount as a decimal with two fractional digits, e.g.
// 23000 -> "230.00". Negative amounts keep the sign in front.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
