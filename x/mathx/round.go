package mathx

import "math"

// RoundTo rounds v to the given number of decimals. Negative decimals round
// to tens, hundreds, and so on.
func RoundTo(v float64, decimals int) float64 {
	switch {
	case decimals == 0:
		return math.Round(v)
	case decimals < 0:
		p := math.Pow(10, float64(-decimals))
		return math.Round(v/p) * p
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
