// Package audio provides the PCM codec utilities every VoiceCI transport is
// built on: G.711 μ-law conversion, linear-interpolation resampling between
// the 8/16/24/48 kHz rates the transports speak, and small helpers for
// little-endian int16 buffers.
//
// The canonical in-process format is signed 16-bit little-endian PCM, mono,
// at 24 kHz. Channels convert to and from their wire formats at the edges;
// everything between a channel and a probe speaks the canonical format.
//
// All functions here are pure: no I/O, no state, safe for concurrent use.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Sample rates used across the transports.
const (
	RateTelephony = 8000  // SIP μ-law wire rate
	RatePlatform  = 16000 // Vapi / ElevenLabs platform WebSockets, VAD frames
	RateCanonical = 24000 // in-process canonical rate
	RateWebRTC    = 48000 // LiveKit room default
)

// BytesToInt16 decodes little-endian int16 PCM into samples. A trailing odd
// byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

// Int16ToBytes encodes samples as little-endian int16 PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

// Duration returns the wall-clock length of a mono int16 PCM buffer at the
// given sample rate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// DurationMs is Duration truncated to whole milliseconds.
func DurationMs(pcm []byte, sampleRate int) int64 {
	return Duration(pcm, sampleRate).Milliseconds()
}

// RMS computes the root mean square of a mono int16 PCM buffer, normalised to
// [0, 1]. An empty buffer has RMS 0.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}
