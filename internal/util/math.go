package util

import "math"

// AbsFloat64 returns the absolute value of x.
func AbsFloat64(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// WithinTolerance reports whether a and b differ by at most tol. A tiny epsilon
// absorbs float noise so a difference of exactly tol still matches.
func WithinTolerance(a, b, tol float64) bool {
	return AbsFloat64(a-b) <= tol+1e-9
}

// RoundTo rounds x to the nearest multiple of step.
func RoundTo(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Round(x/step) * step
}
