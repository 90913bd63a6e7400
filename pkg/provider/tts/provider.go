// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI or ElevenLabs)
// and renders caller utterances as raw PCM audio. Synthesized audio is always
// 16-bit little-endian mono at 24 kHz, the canonical rate the rest of the
// pipeline works in; providers that synthesize at other rates resample before
// returning.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (e.g., concurrent test conversations).
type Provider interface {
	// Synthesize renders text as speech and returns raw 16-bit little-endian
	// mono PCM at 24 kHz. The voice is fixed at provider construction.
	//
	// Synthesis is not cached; every call reaches the backend. Returns an
	// error if the backend cannot be reached, rejects the request, or ctx is
	// cancelled before the audio is complete.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// VoiceLister is an optional interface for providers that can enumerate the
// voices available to the configured account. Callers should type-assert.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
