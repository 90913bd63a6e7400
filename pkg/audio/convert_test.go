package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// sineWave generates ms milliseconds of a freq Hz sine at the given rate and
// amplitude. Speech-band test signal for the resampler properties.
func sineWave(ms, freq, rate int, amplitude float64) []byte {
	n := rate * ms / 1000
	samples := make([]int16, n)
	for i := range n {
		v := amplitude * math.Sin(2*math.Pi*float64(freq)*float64(i)/float64(rate))
		samples[i] = int16(v * 32767)
	}
	return samplesToBytes(samples)
}

func TestResample_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.Resample(pcm, 24000, 24000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResample_Upsample(t *testing.T) {
	// 2 samples at 8kHz → 6 samples at 24kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.Resample(pcm, 8000, 24000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	// First output sample should equal first source sample.
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	// Last output sample should be close to last source sample.
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResample_Downsample(t *testing.T) {
	// 6 samples at 24kHz → 2 samples at 8kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.Resample(pcm, 24000, 8000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResample_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	// Zero srcRate should return input unchanged.
	out := audio.Resample(pcm, 0, 24000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	// Zero dstRate should return input unchanged.
	out = audio.Resample(pcm, 24000, 0)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
	// Negative rates should return input unchanged.
	out = audio.Resample(pcm, -1, 24000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for negative srcRate, got len %d", len(out))
	}
}

func TestResample_RoundTrip(t *testing.T) {
	// Resampling a→b→a must preserve length within ±1 sample and RMS within
	// 2% for a speech-band signal, across every rate pair the transports use.
	rates := []int{8000, 16000, 24000, 48000}

	for _, from := range rates {
		for _, to := range rates {
			if from == to {
				continue
			}
			signal := sineWave(100, 440, from, 0.5)
			back := audio.Resample(audio.Resample(signal, from, to), to, from)

			if diff := len(back)/2 - len(signal)/2; diff < -1 || diff > 1 {
				t.Errorf("%d→%d→%d: length drift %d samples", from, to, from, diff)
			}
			gotRMS := audio.RMS(back)
			wantRMS := audio.RMS(signal)
			if wantRMS == 0 {
				t.Fatalf("%d→%d: zero RMS test signal", from, to)
			}
			if rel := math.Abs(gotRMS-wantRMS) / wantRMS; rel > 0.02 {
				t.Errorf("%d→%d→%d: RMS drift %.2f%%", from, to, from, rel*100)
			}
		}
	}
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestDuration(t *testing.T) {
	// 24000 samples at 24kHz = 1 second.
	pcm := make([]byte, 24000*2)
	if ms := audio.DurationMs(pcm, 24000); ms != 1000 {
		t.Errorf("got %dms, want 1000ms", ms)
	}
	if ms := audio.DurationMs(nil, 24000); ms != 0 {
		t.Errorf("empty buffer: got %dms, want 0", ms)
	}
	if ms := audio.DurationMs(pcm, 0); ms != 0 {
		t.Errorf("zero rate: got %dms, want 0", ms)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("empty buffer: got %f, want 0", got)
	}
	// A constant full-scale buffer has RMS ~1.0.
	full := make([]int16, 100)
	for i := range full {
		full[i] = 32767
	}
	got := audio.RMS(samplesToBytes(full))
	if got < 0.99 || got > 1.0 {
		t.Errorf("full-scale RMS: got %f, want ~1.0", got)
	}
	// A 0.5-amplitude sine has RMS ~0.354.
	sine := sineWave(100, 440, 24000, 0.5)
	got = audio.RMS(sine)
	if got < 0.33 || got > 0.38 {
		t.Errorf("sine RMS: got %f, want ~0.354", got)
	}
}

func TestInt16RoundTrip(t *testing.T) {
	want := []int16{0, 1, -1, 32767, -32768, 12345}
	got := audio.BytesToInt16(audio.Int16ToBytes(want))
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}
