package channel

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// ToolCallEvent is the JSON side-channel event agents emit when they invoke a
// tool. The same shape arrives as a WebSocket text frame, a LiveKit data
// packet, or a body on the SIP listener's /tool-calls endpoint.
type ToolCallEvent struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Result     any            `json:"result,omitempty"`
	Successful *bool          `json:"successful,omitempty"`
	DurationMs float64        `json:"duration_ms,omitempty"`
}

// toolCallEventType is the discriminator value a text frame must carry to be
// treated as a tool-call event.
const toolCallEventType = "tool_call"

// ParseToolCallEvent decodes data as a single tool-call event. It reports
// ok=false for malformed JSON, other event types, and events without a name —
// transports skip those frames silently.
func ParseToolCallEvent(data []byte) (ToolCallEvent, bool) {
	var ev ToolCallEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ToolCallEvent{}, false
	}
	if ev.Type != toolCallEventType || ev.Name == "" {
		return ToolCallEvent{}, false
	}
	return ev, true
}

// ParseToolCallEvents decodes a body holding either one tool-call event or a
// JSON array of them, returning the valid events in order. Invalid elements
// are dropped.
func ParseToolCallEvents(data []byte) []ToolCallEvent {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != '[' {
		if ev, ok := ParseToolCallEvent(trimmed); ok {
			return []ToolCallEvent{ev}
		}
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil
	}
	events := make([]ToolCallEvent, 0, len(raw))
	for _, r := range raw {
		if ev, ok := ParseToolCallEvent(r); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Recorder accumulates observed tool calls with timestamps monotonic from the
// moment the channel connected. Safe for concurrent use: the transport's read
// loop records while the probe layer reads.
type Recorder struct {
	mu    sync.Mutex
	epoch time.Time
	calls []types.ObservedToolCall
}

// NewRecorder returns an empty Recorder. Call Start at connect time so
// timestamps are relative to the call, not process start.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Start stamps the connect epoch. Events recorded before Start carry
// timestamp zero.
func (r *Recorder) Start() {
	r.mu.Lock()
	r.epoch = time.Now()
	r.mu.Unlock()
}

// Record appends ev with a timestamp taken now.
func (r *Recorder) Record(ev ToolCallEvent) {
	call := types.ObservedToolCall{
		Name:       ev.Name,
		Arguments:  ev.Arguments,
		Result:     ev.Result,
		Successful: ev.Successful,
		LatencyMs:  ev.DurationMs,
	}
	r.mu.Lock()
	if !r.epoch.IsZero() {
		call.TimestampMs = time.Since(r.epoch).Milliseconds()
	}
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

// Append adds an already-normalised call, preserving its own timestamp. Used
// by platform bridges that fetch tool-call transcripts over REST.
func (r *Recorder) Append(calls ...types.ObservedToolCall) {
	r.mu.Lock()
	r.calls = append(r.calls, calls...)
	r.mu.Unlock()
}

// Calls returns a copy of the recorded calls in observation order.
func (r *Recorder) Calls() []types.ObservedToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ObservedToolCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// Len returns the number of recorded calls.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
