// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled PCM to consumers and to verify the text
// passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{SynthesizeResult: pcm}
//	audio, _ := p.Synthesize(ctx, "hello")
package mock

import (
	"context"
	"sync"

	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeQueue, if non-empty, is drained one PCM buffer per call.
	// When it runs out, SynthesizeResult is returned.
	SynthesizeQueue [][]byte

	// SynthesizeResult is the PCM returned by Synthesize once the queue is
	// drained (or always, if the queue is empty).
	SynthesizeResult []byte

	// SynthesizeFunc, if non-nil, overrides all other response fields.
	SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCallCount counts calls to ListVoices.
	ListVoicesCallCount int
}

// Synthesize records the call and returns the configured PCM or error.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text})
	fn := p.SynthesizeFunc
	if fn == nil {
		if p.SynthesizeErr != nil {
			err := p.SynthesizeErr
			p.mu.Unlock()
			return nil, err
		}
		result := p.SynthesizeResult
		if len(p.SynthesizeQueue) > 0 {
			result = p.SynthesizeQueue[0]
			p.SynthesizeQueue = p.SynthesizeQueue[1:]
		}
		p.mu.Unlock()
		return result, nil
	}
	p.mu.Unlock()
	return fn(ctx, text)
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCallCount = 0
}

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)
