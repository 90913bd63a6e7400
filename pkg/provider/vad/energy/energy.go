// Package energy implements a vad.Engine backed by frame RMS energy.
//
// The classifier maps each frame's normalised RMS onto a pseudo-probability
// and applies the dual-threshold hysteresis from vad.Config. It has no model
// weights and no warm-up, which makes it fully deterministic: the same PCM
// always yields the same event sequence. That determinism is what the audio
// probes rely on.
package energy

import (
	"errors"
	"fmt"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad"
)

// speechReferenceRMS is the normalised RMS mapped to probability 1.0. Typical
// synthesised speech lands between 0.05 and 0.3; telephony noise floors sit
// well under 0.01.
const speechReferenceRMS = 0.05

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("energy: session closed")

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession validates cfg, fills in package defaults for zero fields, and
// returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate < 0 || cfg.FrameSizeMs < 0 {
		return nil, fmt.Errorf("energy: negative sample rate or frame size")
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 ||
		cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > 1 {
		return nil, fmt.Errorf("energy: thresholds must be in [0, 1]")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = vad.ClassifierRate
	}
	if cfg.FrameSizeMs == 0 {
		cfg.FrameSizeMs = vad.DefaultFrameSizeMs
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = vad.DefaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = vad.DefaultSilenceThreshold
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v above speech threshold %v",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{
		cfg:        cfg,
		frameBytes: cfg.FrameBytes(),
	}, nil
}

// session classifies frames for one audio stream.
type session struct {
	cfg        vad.Config
	frameBytes int
	inSpeech   bool
	closed     bool
}

// ProcessFrame scores one frame. Frames scoring between the two thresholds
// keep the previous speech/silence class.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, ErrSessionClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame size %d bytes, expected %d", len(frame), s.frameBytes)
	}

	prob := audio.RMS(frame) / speechReferenceRMS
	if prob > 1 {
		prob = 1
	}

	speech := s.inSpeech
	switch {
	case prob >= s.cfg.SpeechThreshold:
		speech = true
	case prob <= s.cfg.SilenceThreshold:
		speech = false
	}

	ev := vad.VADEvent{Probability: prob}
	switch {
	case speech && !s.inSpeech:
		ev.Type = vad.VADSpeechStart
	case speech && s.inSpeech:
		ev.Type = vad.VADSpeechContinue
	case !speech && s.inSpeech:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	s.inSpeech = speech
	return ev, nil
}

// Reset clears the speech/silence hysteresis state.
func (s *session) Reset() {
	s.inSpeech = false
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.closed = true
	return nil
}
