// Package vad defines the Engine interface for Voice Activity Detection backends
// and the turn-level [Detector] built on top of them.
//
// A VAD engine wraps a frame-level speech classifier (e.g. an energy model or
// a neural VAD) and surfaces it as a stateful, per-stream session. Each session
// maintains its own internal state so that multiple concurrent audio streams
// can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the low-latency loops that decide
// when an agent has finished its turn.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Classification defaults. Classifiers run at 16 kHz; the [Detector] resamples
// other input rates internally.
const (
	// ClassifierRate is the sample rate classifiers operate at.
	ClassifierRate = 16000

	// DefaultFrameSizeMs is the frame duration used when a Config leaves
	// FrameSizeMs zero.
	DefaultFrameSizeMs = 30

	// DefaultSpeechThreshold is the probability above which a frame counts
	// as speech when a Config leaves SpeechThreshold zero.
	DefaultSpeechThreshold = 0.5

	// DefaultSilenceThreshold is the probability below which a frame counts
	// as silence when a Config leaves SilenceThreshold zero.
	DefaultSilenceThreshold = 0.35

	// DefaultSilenceThresholdMs is the end-of-turn silence window used when
	// a DetectorConfig leaves SilenceThresholdMs zero.
	DefaultSilenceThresholdMs = 1000
)

// Config holds the parameters for a VAD session. All numeric thresholds are
// expressed in the classifier's native scale; see each Engine's documentation
// for recommended starting values.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame will return an error if the supplied frame does not match
	// this size. Zero means DefaultFrameSizeMs.
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Higher values reduce false positives at the
	// cost of increased speech start latency. Zero means DefaultSpeechThreshold.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame is classified as
	// silence and an active speech segment is considered ended. Range:
	// [0.0, 1.0]. Must be ≤ SpeechThreshold. Zero means DefaultSilenceThreshold.
	// Frames scoring between the two thresholds keep the previous class.
	SilenceThreshold float64
}

// withDefaults returns cfg with zero fields replaced by package defaults.
func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = ClassifierRate
	}
	if c.FrameSizeMs == 0 {
		c.FrameSizeMs = DefaultFrameSizeMs
	}
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	return c
}

// FrameBytes returns the size in bytes of one frame at the configured rate.
func (c Config) FrameBytes() int {
	cfg := c.withDefaults()
	return cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live classifier. Each session maintains its own detection state; Reset clears
// this state without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian PCM at the SampleRate and
	// FrameSizeMs configured when the session was created. Returns an error if
	// the frame size is wrong or if the engine encounters an internal failure.
	//
	// This method is designed to be called synchronously in the audio loop;
	// it must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream is interrupted or restarted to
	// avoid stale state from the previous segment affecting subsequent frames.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame must return an error. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid or if the engine cannot
	// allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
