// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled transcripts to consumers and to inspect the
// PCM buffers delivered for transcription.
//
// Example:
//
//	p := &mock.Provider{Transcripts: []string{"hello", "goodbye"}}
//	tr, _ := p.Transcribe(ctx, pcm)
package mock

import (
	"context"
	"sync"

	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is the audio passed to Transcribe.
	PCM []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Transcripts, if non-empty, is drained one text per call. When it runs
	// out, the last entry keeps being returned.
	Transcripts []string

	// Confidence is attached to every returned Transcript.
	Confidence float64

	// TranscribeFunc, if non-nil, overrides all other response fields.
	TranscribeFunc func(ctx context.Context, pcm []byte) (*types.Transcript, error)

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	next int
}

// Transcribe records the call and returns the next configured transcript.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (*types.Transcript, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, PCM: pcm})
	fn := p.TranscribeFunc
	if fn == nil {
		if p.TranscribeErr != nil {
			err := p.TranscribeErr
			p.mu.Unlock()
			return nil, err
		}
		text := ""
		if len(p.Transcripts) > 0 {
			i := min(p.next, len(p.Transcripts)-1)
			text = p.Transcripts[i]
			p.next++
		}
		conf := p.Confidence
		p.mu.Unlock()
		return &types.Transcript{Text: text, Confidence: conf}, nil
	}
	p.mu.Unlock()
	return fn(ctx, pcm)
}

// Reset clears all recorded calls and rewinds the transcript queue.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.next = 0
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)
