package signal

import (
	"math"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
)

const (
	// clipLevel is the magnitude above which a sample counts as clipped.
	clipLevel = 32600

	// analysisWindowMs is the window size for per-window energy measurement.
	analysisWindowMs = 100

	// voicedFloor is the minimum window RMS to count as voiced. Windows
	// below it are ignored by the consistency measure.
	voicedFloor = 0.01
)

// ClippingRatio returns the fraction of samples at or near full scale.
func ClippingRatio(pcm []byte) float64 {
	samples := audio.BytesToInt16(pcm)
	if len(samples) == 0 {
		return 0
	}
	clipped := 0
	for _, s := range samples {
		if s >= clipLevel || s <= -clipLevel {
			clipped++
		}
	}
	return float64(clipped) / float64(len(samples))
}

// EnergyConsistency scores how evenly energy is distributed across the voiced
// parts of a buffer, as 1 minus the coefficient of variation of per-window
// RMS, clamped to [0, 1]. Buffers with fewer than two voiced windows score 1.
func EnergyConsistency(pcm []byte, sampleRate int) float64 {
	window := sampleCount(analysisWindowMs, sampleRate) * 2
	if window <= 0 {
		return 1
	}

	var voiced []float64
	for off := 0; off+window <= len(pcm); off += window {
		if rms := audio.RMS(pcm[off : off+window]); rms >= voicedFloor {
			voiced = append(voiced, rms)
		}
	}
	if len(voiced) < 2 {
		return 1
	}

	var mean float64
	for _, v := range voiced {
		mean += v
	}
	mean /= float64(len(voiced))
	if mean == 0 {
		return 1
	}

	var variance float64
	for _, v := range voiced {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(voiced))

	cv := math.Sqrt(variance) / mean
	if cv > 1 {
		cv = 1
	}
	return 1 - cv
}
