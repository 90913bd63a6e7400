// Package channel defines the uniform audio-channel abstraction every VoiceCI
// transport implements, plus the small helpers the transport packages share.
//
// A Channel is one bidirectional PCM stream to one voice agent. Whatever the
// wire speaks — raw WebSocket frames, a LiveKit room, μ-law telephony, or a
// hosted platform's socket — the probe and conversation layers see the same
// thing: 16-bit little-endian mono PCM at 24 kHz flowing both ways, and an
// ordered list of tool-call events observed on the side-channel.
//
// Transports live in subpackages (wsvoice, sip, webrtc, vapi, retell,
// elevenlabs, bland). They share code through the helper types here
// ([Streams], [ConnectOnce], [Recorder]), never through embedding a common
// base: each variant is a plain struct whose methods do the wiring its wire
// format needs.
package channel

import (
	"context"
	"errors"

	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Sentinel errors shared by all transports.
var (
	// ErrNotConnected is returned by SendAudio before Connect succeeds or
	// after Disconnect.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrAlreadyConnected is returned by a second Connect call. Channels
	// connect exactly once; callers needing a new connection allocate a new
	// channel.
	ErrAlreadyConnected = errors.New("channel: already connected")

	// ErrClosed is returned when an operation races channel teardown.
	ErrClosed = errors.New("channel: closed")
)

// Channel is one live audio path to a voice agent under test.
//
// Lifecycle: Connect exactly once, then any number of SendAudio calls
// interleaved with reads from Audio, then Disconnect (idempotent). After
// Disconnect — or after the transport drops — Done is closed and no further
// values are emitted on Audio or Errors.
type Channel interface {
	// Connect dials the transport. It blocks until audio can flow (for
	// telephony, until the carrier has attached its media socket) or ctx
	// expires. A channel connects exactly once; subsequent calls return
	// ErrAlreadyConnected.
	Connect(ctx context.Context) error

	// SendAudio writes 24 kHz mono int16 PCM toward the agent, converting to
	// the wire format internally. It fails fast with ErrNotConnected when the
	// channel is not connected.
	SendAudio(ctx context.Context, pcm []byte) error

	// Audio delivers agent audio as 24 kHz mono int16 PCM chunks. The channel
	// is never closed; consumers select on Done to stop.
	Audio() <-chan []byte

	// Errors delivers transport-level failures that do not immediately end
	// the stream (carrier rejections, malformed frames). Fatal failures also
	// close Done.
	Errors() <-chan error

	// Done is closed when the channel will emit nothing further, whether via
	// Disconnect or a transport drop.
	Done() <-chan struct{}

	// Connected reports whether audio can currently flow.
	Connected() bool

	// Disconnect tears the transport down. Idempotent; safe to call on a
	// channel that never connected.
	Disconnect() error

	// CallData returns the tool-call events observed so far, in observation
	// order. Safe to call at any point in the lifecycle; platform bridges may
	// add entries fetched over REST shortly after disconnect.
	CallData() []types.ObservedToolCall

	// ToolCallEndpointURL returns the HTTPS endpoint agents can POST
	// tool-call events to, for transports that expose one (the SIP listener).
	// Empty when the transport has no such endpoint.
	ToolCallEndpointURL() string
}

// Dialer allocates a connected-ready Channel for one adapter config. The
// executor calls it once per subtest; production wiring switches on
// cfg.Kind, tests substitute fakes.
type Dialer func(ctx context.Context, cfg types.AdapterConfig) (Channel, error)
