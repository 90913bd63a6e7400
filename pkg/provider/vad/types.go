package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// IsSpeech reports whether the event classifies its frame as voiced.
func (t VADEventType) IsSpeech() bool {
	return t == VADSpeechStart || t == VADSpeechContinue
}

// State is the turn-level detection state exposed by [Detector].
type State int

const (
	// StateSilence means no speech is currently detected.
	StateSilence State = iota

	// StateSpeech means the agent is currently speaking.
	StateSpeech

	// StateEndOfTurn means speech occurred and has been followed by enough
	// silence to consider the turn finished. The state is latched until
	// [Detector.Reset].
	StateEndOfTurn
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateSpeech:
		return "speech"
	case StateEndOfTurn:
		return "end_of_turn"
	default:
		return "unknown"
	}
}

// SpeechSegment is one contiguous stretch of detected speech inside a buffer,
// expressed in milliseconds from the start of the buffer.
type SpeechSegment struct {
	StartMs int `json:"start_ms"`
	EndMs   int `json:"end_ms"`
}
