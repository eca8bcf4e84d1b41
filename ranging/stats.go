package ranging

import (
	"errors"
	"math"
)

// Radio waves travel roughly 0.03 cm per picosecond.
const cmPerPicosecond = 0.03

// ErrNoUsableSamples marks a burst where every sample was rejected.
var ErrNoUsableSamples = errors.New("ranging: no usable samples in burst")

// DistanceFromRTT turns a burst of raw round-trip samples (picoseconds) into
// a one-way distance in centimeters. Samples further than two standard
// deviations from the burst mean are discarded before the final average; the
// configured per-device calibration offset is added last.
func DistanceFromRTT(samplesPS []float64, calibrationCM float64) (float64, error) {
	if len(samplesPS) == 0 {
		return 0, ErrNoUsableSamples
	}

	var sum float64
	for _, s := range samplesPS {
		sum += s
	}
	mean := sum / float64(len(samplesPS))

	var sq float64
	for _, s := range samplesPS {
		d := s - mean
		sq += d * d
	}
	var sigma float64
	if len(samplesPS) > 1 {
		sigma = math.Sqrt(sq / float64(len(samplesPS)-1))
	}

	var filteredSum float64
	kept := 0
	for _, s := range samplesPS {
		if math.Abs(s-mean) <= 2*sigma {
			filteredSum += s
			kept++
		}
	}
	if kept == 0 {
		return 0, ErrNoUsableSamples
	}

	rtt := filteredSum / float64(kept)
	return rtt * cmPerPicosecond / 2 + calibrationCM, nil
}
