package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
)

func TestEncodeWAV(t *testing.T) {
	pcm := samplesToBytes([]int16{100, -100, 200, -200})
	wav := audio.EncodeWAV(pcm, 24000)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("total length: got %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Errorf("bad magic: %q %q", wav[0:4], wav[8:12])
	}
	if got := binary.LittleEndian.Uint16(wav[22:]); got != 1 {
		t.Errorf("channels: got %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != 24000 {
		t.Errorf("sample rate: got %d, want 24000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:]); got != 48000 {
		t.Errorf("byte rate: got %d, want 48000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:]); got != 16 {
		t.Errorf("bits per sample: got %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); got != uint32(len(pcm)) {
		t.Errorf("data length: got %d, want %d", got, len(pcm))
	}
	// Payload is carried through untouched.
	for i, b := range pcm {
		if wav[44+i] != b {
			t.Fatalf("payload byte %d: got %#x, want %#x", i, wav[44+i], b)
		}
	}
}
