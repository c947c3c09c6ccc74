// Package stats holds constant-memory streaming statistics.
package stats

import "math"

// Running is an online mean/variance accumulator (Welford). It never stores
// samples. The zero value is ready to use.
type Running struct {
	n    int
	mean float64
	m2   float64
}

// Add folds x into the accumulator in O(1).
func (r *Running) Add(x float64) {
	r.n++
	delta := x - r.mean
	r.mean += delta / float64(r.n)
	r.m2 += delta * (x - r.mean)
}

// Clear resets to the empty state.
func (r *Running) Clear() { *r = Running{} }

// N is the number of samples added since the last Clear.
func (r *Running) N() int { return r.n }

// Mean is 0 when empty.
func (r *Running) Mean() float64 { return r.mean }

// Variance is the sample variance, 0 for fewer than two samples.
func (r *Running) Variance() float64 {
	if r.n > 1 {
		return r.m2 / float64(r.n-1)
	}
	return 0
}

// StdDev is the sample standard deviation.
func (r *Running) StdDev() float64 { return math.Sqrt(r.Variance()) }
