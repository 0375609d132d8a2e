// Package stats has small numeric helpers used by the QP and motion analysis code.
package stats

import "math"

type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type Float interface {
	~float32 | ~float64
}

// Returns (mean, variance) of the given samples.
func MeanVar[T Float | Integer](samples []T) (float64, float64) {
	mean := Mean(samples)
	return mean, Variance(samples, mean)
}

// Returns the mean of the given samples, or 0 for an empty slice.
func Mean[T Float | Integer](samples []T) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += float64(v)
	}
	return sum / float64(len(samples))
}

// Returns the population variance of the given samples.
func Variance[T Float | Integer](samples []T, mean float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		diff := float64(v) - mean
		sum += diff * diff
	}
	return sum / float64(len(samples))
}

// Returns the population standard deviation of the given samples.
func Std[T Float | Integer](samples []T) float64 {
	mean := Mean(samples)
	return math.Sqrt(Variance(samples, mean))
}

// Returns (min, max) of the given samples. Zero values for an empty slice.
func MinMax[T Float | Integer](samples []T) (T, T) {
	if len(samples) == 0 {
		var zero T
		return zero, zero
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Clamp v into [lo, hi].
func Clamp[T Float | Integer](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
