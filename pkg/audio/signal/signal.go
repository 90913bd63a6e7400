// Package signal synthesises deterministic test signals and measures agent
// audio. Probes use the generators to stress agents with noise at controlled
// SNR and the analysis helpers to score what came back.
//
// All generators return mono little-endian int16 PCM scaled to a target RMS
// in normalised [0, 1] units, seeded explicitly so a re-run produces the
// identical buffer.
package signal

import (
	"math"
	"math/bits"
	"math/rand/v2"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
)

// pinkRows is the number of octave rows in the pink noise generator.
const pinkRows = 8

// Silence returns all-zero PCM of the given duration in milliseconds.
func Silence(durationMs, sampleRate int) []byte {
	return make([]byte, sampleCount(durationMs, sampleRate)*2)
}

// WhiteNoise returns uniformly distributed noise at the target RMS.
func WhiteNoise(durationMs, sampleRate int, targetRMS float64, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, seed))
	raw := make([]float64, sampleCount(durationMs, sampleRate))
	for i := range raw {
		raw[i] = rng.Float64()*2 - 1
	}
	return scaleToRMS(raw, targetRMS)
}

// BabbleNoise returns white noise shaped by a 6-tap moving average, which
// rolls off the high end the way overlapping background talkers do.
func BabbleNoise(durationMs, sampleRate int, targetRMS float64, seed uint64) []byte {
	const taps = 6
	rng := rand.New(rand.NewPCG(seed, seed))
	n := sampleCount(durationMs, sampleRate)

	white := make([]float64, n)
	for i := range white {
		white[i] = rng.Float64()*2 - 1
	}

	raw := make([]float64, n)
	for i := range raw {
		var sum float64
		for k := range taps {
			if j := i - k; j >= 0 {
				sum += white[j]
			}
		}
		raw[i] = sum / taps
	}
	return scaleToRMS(raw, targetRMS)
}

// PinkNoise returns 1/f noise at the target RMS using the Voss-McCartney
// construction: eight octave rows updated at halving rates plus a white
// component refreshed every sample.
func PinkNoise(durationMs, sampleRate int, targetRMS float64, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, seed))
	n := sampleCount(durationMs, sampleRate)

	var rows [pinkRows]float64
	for i := range rows {
		rows[i] = rng.Float64()*2 - 1
	}

	raw := make([]float64, n)
	var counter uint64
	for i := range raw {
		counter++
		if k := bits.TrailingZeros64(counter); k < pinkRows {
			rows[k] = rng.Float64()*2 - 1
		}
		sum := rng.Float64()*2 - 1
		for _, r := range rows {
			sum += r
		}
		raw[i] = sum / (pinkRows + 1)
	}
	return scaleToRMS(raw, targetRMS)
}

// MixAudio overlays noise on clean speech at the requested signal-to-noise
// ratio. The noise is tiled if shorter than the clean buffer and the sum
// saturates to int16. The output always has the length of clean.
func MixAudio(clean, noise []byte, snrDB float64) []byte {
	out := make([]byte, len(clean))
	copy(out, clean)

	cleanSamples := audio.BytesToInt16(clean)
	noiseSamples := audio.BytesToInt16(noise)
	if len(cleanSamples) == 0 || len(noiseSamples) == 0 {
		return out
	}

	cleanRMS := audio.RMS(clean)
	noiseRMS := audio.RMS(noise)
	if cleanRMS == 0 || noiseRMS == 0 {
		return out
	}

	scale := cleanRMS / (noiseRMS * math.Pow(10, snrDB/20))
	for i, s := range cleanSamples {
		mixed := int32(s) + int32(math.Round(scale*float64(noiseSamples[i%len(noiseSamples)])))
		if mixed > 32767 {
			mixed = 32767
		} else if mixed < -32768 {
			mixed = -32768
		}
		out[i*2] = byte(mixed)
		out[i*2+1] = byte(mixed >> 8)
	}
	return out
}

// sampleCount converts a duration in milliseconds to a sample count.
func sampleCount(durationMs, sampleRate int) int {
	if durationMs <= 0 || sampleRate <= 0 {
		return 0
	}
	return sampleRate * durationMs / 1000
}

// scaleToRMS rescales raw float samples so the resulting int16 buffer has the
// requested RMS, saturating individual samples that overshoot full scale.
func scaleToRMS(raw []float64, targetRMS float64) []byte {
	out := make([]byte, len(raw)*2)
	if len(raw) == 0 || targetRMS <= 0 {
		return out
	}

	var sum float64
	for _, v := range raw {
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(raw)))
	if rms == 0 {
		return out
	}

	k := targetRMS / rms
	for i, v := range raw {
		s := int32(math.Round(v * k * 32767))
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
