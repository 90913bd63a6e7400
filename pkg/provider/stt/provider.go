// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram or OpenAI)
// and converts captured agent audio into text. VoiceCI transcribes whole
// turns after the VAD has detected end-of-turn, so the interface is a single
// batch call: raw PCM in, transcript out. Input audio is always 16-bit
// little-endian mono at 24 kHz, the canonical rate the channels deliver.
//
// Implementations must be safe for concurrent use. Multiple transcriptions
// may run in parallel (e.g., concurrent test conversations).
package stt

import (
	"context"

	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one captured utterance to text. pcm is 16-bit
	// little-endian mono at 24 kHz. The returned Transcript carries the
	// provider's confidence when it reports one, else zero.
	//
	// Returns an error if the backend cannot be reached, rejects the audio,
	// or ctx is cancelled before the result arrives. An empty but successful
	// transcription (silence in, nothing recognised) is not an error; the
	// Transcript simply has empty Text.
	Transcribe(ctx context.Context, pcm []byte) (*types.Transcript, error)
}
