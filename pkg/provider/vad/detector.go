package vad

import (
	"errors"
	"fmt"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
)

// ErrDetectorClosed is returned by Process after Close.
var ErrDetectorClosed = errors.New("vad: detector closed")

// DetectorConfig configures a [Detector].
type DetectorConfig struct {
	// SampleRate is the rate of the PCM passed to Process. Rates other than
	// ClassifierRate are resampled internally before classification. Zero
	// means 24000, the canonical in-process rate.
	SampleRate int

	// SilenceThresholdMs is the cumulative silence since the last speech
	// frame after which the turn is considered over. Zero means
	// DefaultSilenceThresholdMs.
	SilenceThresholdMs int

	// SpeechThreshold and SilenceThreshold tune the underlying classifier.
	// Zero values take the package defaults.
	SpeechThreshold  float64
	SilenceThreshold float64
}

// Detector decides when an agent has finished speaking. It feeds fixed-size
// frames through a classifier session and tracks cumulative silence: once
// speech has occurred and the silence since the last speech frame reaches
// SilenceThresholdMs, the state latches at [StateEndOfTurn] until Reset.
//
// Process accepts arbitrarily sized PCM chunks. Whole frames are consumed
// immediately; a trailing partial frame is buffered and completed by the next
// call, so chunk boundaries never shift frame alignment.
//
// A Detector is not safe for concurrent use.
type Detector struct {
	session     SessionHandle
	inputRate   int
	frameMs     int
	frameIn     int // bytes per frame at the input rate
	thresholdMs int

	buf        []byte
	speechSeen bool
	silenceMs  int
	state      State
	closed     bool
}

// NewDetector creates a Detector running a fresh classifier session from
// engine.
func NewDetector(engine Engine, cfg DetectorConfig) (*Detector, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.RateCanonical
	}
	if cfg.SampleRate < 0 {
		return nil, fmt.Errorf("vad: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.SilenceThresholdMs == 0 {
		cfg.SilenceThresholdMs = DefaultSilenceThresholdMs
	}
	if cfg.SilenceThresholdMs < 0 {
		return nil, fmt.Errorf("vad: invalid silence threshold %dms", cfg.SilenceThresholdMs)
	}

	session, err := engine.NewSession(Config{
		SampleRate:       ClassifierRate,
		FrameSizeMs:      DefaultFrameSizeMs,
		SpeechThreshold:  cfg.SpeechThreshold,
		SilenceThreshold: cfg.SilenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: creating classifier session: %w", err)
	}

	return &Detector{
		session:     session,
		inputRate:   cfg.SampleRate,
		frameMs:     DefaultFrameSizeMs,
		frameIn:     cfg.SampleRate * DefaultFrameSizeMs / 1000 * 2,
		thresholdMs: cfg.SilenceThresholdMs,
	}, nil
}

// Process consumes pcm and returns the state after all complete frames have
// been classified. Leftover bytes short of a frame are held for the next call.
func (d *Detector) Process(pcm []byte) (State, error) {
	if d.closed {
		return d.state, ErrDetectorClosed
	}

	d.buf = append(d.buf, pcm...)
	for len(d.buf) >= d.frameIn {
		frame := d.buf[:d.frameIn]
		d.buf = d.buf[d.frameIn:]

		if d.inputRate != ClassifierRate {
			frame = audio.Resample(frame, d.inputRate, ClassifierRate)
		}
		ev, err := d.session.ProcessFrame(frame)
		if err != nil {
			return d.state, fmt.Errorf("vad: classifying frame: %w", err)
		}

		if ev.Type.IsSpeech() {
			d.speechSeen = true
			d.silenceMs = 0
			if d.state != StateEndOfTurn {
				d.state = StateSpeech
			}
			continue
		}

		d.silenceMs += d.frameMs
		if d.state == StateEndOfTurn {
			continue
		}
		if d.speechSeen && d.silenceMs >= d.thresholdMs {
			d.state = StateEndOfTurn
		} else {
			d.state = StateSilence
		}
	}
	return d.state, nil
}

// State returns the current turn state without consuming audio.
func (d *Detector) State() State {
	return d.state
}

// SpeechSeen reports whether any speech frame has been classified since the
// last Reset.
func (d *Detector) SpeechSeen() bool {
	return d.speechSeen
}

// SilenceThresholdMs returns the current end-of-turn silence window.
func (d *Detector) SilenceThresholdMs() int {
	return d.thresholdMs
}

// SetSilenceThreshold changes the end-of-turn silence window. It takes effect
// on the next frame; non-positive values are ignored.
func (d *Detector) SetSilenceThreshold(ms int) {
	if ms > 0 {
		d.thresholdMs = ms
	}
}

// Reset clears buffered audio and all turn state, returning to StateSilence.
func (d *Detector) Reset() {
	d.buf = d.buf[:0]
	d.speechSeen = false
	d.silenceMs = 0
	d.state = StateSilence
	d.session.Reset()
}

// Close releases the classifier session. Idempotent.
func (d *Detector) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.session.Close()
}

// Segments classifies a whole buffer at once and returns the ordered speech
// segments it contains, in milliseconds from the start of the buffer. A
// segment still open at the end of the buffer is closed at the buffer end.
func Segments(engine Engine, pcm []byte, sampleRate int) ([]SpeechSegment, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("vad: invalid sample rate %d", sampleRate)
	}

	session, err := engine.NewSession(Config{
		SampleRate:  ClassifierRate,
		FrameSizeMs: DefaultFrameSizeMs,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: creating classifier session: %w", err)
	}
	defer session.Close()

	if sampleRate != ClassifierRate {
		pcm = audio.Resample(pcm, sampleRate, ClassifierRate)
	}

	frameBytes := ClassifierRate * DefaultFrameSizeMs / 1000 * 2
	var segments []SpeechSegment
	start := -1 // frame index where the open segment began
	frames := len(pcm) / frameBytes

	for i := range frames {
		ev, err := session.ProcessFrame(pcm[i*frameBytes : (i+1)*frameBytes])
		if err != nil {
			return nil, fmt.Errorf("vad: classifying frame %d: %w", i, err)
		}
		switch {
		case ev.Type.IsSpeech() && start < 0:
			start = i
		case !ev.Type.IsSpeech() && start >= 0:
			segments = append(segments, SpeechSegment{
				StartMs: start * DefaultFrameSizeMs,
				EndMs:   i * DefaultFrameSizeMs,
			})
			start = -1
		}
	}
	if start >= 0 {
		segments = append(segments, SpeechSegment{
			StartMs: start * DefaultFrameSizeMs,
			EndMs:   frames * DefaultFrameSizeMs,
		})
	}
	return segments, nil
}
