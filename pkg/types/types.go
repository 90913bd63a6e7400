// Package types defines the shared types used across all VoiceCI packages.
//
// These types form the lingua franca between channels, providers, probes, the
// conversation engine, and the run pipeline. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ObservedToolCall is a tool invocation the agent under test reported over a
// channel's side-channel (WebSocket text frame, data-channel message, or the
// SIP listener's /tool-calls endpoint). The slice a channel returns is ordered
// by observation order.
type ObservedToolCall struct {
	// Name is the tool name as reported by the agent.
	Name string `json:"name"`

	// Arguments are the decoded call arguments.
	Arguments map[string]any `json:"arguments"`

	// Result is the tool result, when the agent reported one.
	Result any `json:"result,omitempty"`

	// Successful reports whether the agent considered the call successful.
	Successful *bool `json:"successful,omitempty"`

	// TimestampMs is milliseconds since channel connect at observation time.
	TimestampMs int64 `json:"timestamp_ms,omitempty"`

	// LatencyMs is the call duration the agent reported, if any.
	LatencyMs float64 `json:"latency_ms,omitempty"`
}
