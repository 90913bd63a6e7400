// Package wsvoice implements the raw WebSocket transport: binary frames are
// 24 kHz mono int16 PCM in both directions, text frames are JSON events of
// which tool_call events are recorded on the side-channel.
//
// This is the transport for agents exposing a bare voice WebSocket (the
// ws-voice adapter): no platform, no telephony, no negotiation beyond the
// WebSocket handshake itself.
package wsvoice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Audio frames arrive at whatever chunk size the agent prefers; a second of
// 24 kHz PCM is 48 KiB, comfortably above the library's 32 KiB default limit.
const maxMessageBytes = 1 << 20

// Compile-time interface assertion.
var _ channel.Channel = (*Channel)(nil)

// Option configures a Channel.
type Option func(*Channel)

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) { c.httpClient = hc }
}

// WithHeader adds a handshake header (e.g. agent auth).
func WithHeader(key, value string) Option {
	return func(c *Channel) { c.header.Set(key, value) }
}

// Channel is a ws-voice transport to one agent.
type Channel struct {
	url        string
	httpClient *http.Client
	header     http.Header

	guard   channel.ConnectOnce
	streams *channel.Streams
	rec     *channel.Recorder

	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// New creates a ws-voice channel for the agent at agentURL (ws:// or wss://).
func New(agentURL string, opts ...Option) (*Channel, error) {
	if agentURL == "" {
		return nil, errors.New("wsvoice: agent URL must not be empty")
	}
	c := &Channel{
		url:     agentURL,
		header:  http.Header{},
		streams: channel.NewStreams(),
		rec:     channel.NewRecorder(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Connect dials the agent WebSocket and starts the read loop.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.guard.Begin(); err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: c.header,
	})
	if err != nil {
		c.streams.Close()
		return fmt.Errorf("wsvoice: dialing %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxMessageBytes)

	c.conn = conn
	c.rec.Start()
	c.guard.Succeed()
	go c.readLoop()
	return nil
}

// readLoop pumps frames until the socket drops or Disconnect closes it.
func (c *Channel) readLoop() {
	defer func() {
		c.guard.Drop()
		c.streams.Close()
	}()

	for {
		typ, data, err := c.conn.Read(context.Background())
		if err != nil {
			// Normal closure and local teardown are not errors.
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !c.streams.Closed() {
				c.streams.EmitError(fmt.Errorf("wsvoice: read: %w", err))
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.streams.EmitAudio(data)
		case websocket.MessageText:
			if ev, ok := channel.ParseToolCallEvent(data); ok {
				c.rec.Record(ev)
			}
		}
	}
}

// SendAudio writes one binary PCM frame toward the agent.
func (c *Channel) SendAudio(ctx context.Context, pcm []byte) error {
	if !c.guard.Connected() {
		return channel.ErrNotConnected
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("wsvoice: write: %w", err)
	}
	return nil
}

// Audio implements channel.Channel.
func (c *Channel) Audio() <-chan []byte { return c.streams.Audio() }

// Errors implements channel.Channel.
func (c *Channel) Errors() <-chan error { return c.streams.Errors() }

// Done implements channel.Channel.
func (c *Channel) Done() <-chan struct{} { return c.streams.Done() }

// Connected implements channel.Channel.
func (c *Channel) Connected() bool { return c.guard.Connected() }

// Disconnect closes the socket. Idempotent; safe before Connect.
func (c *Channel) Disconnect() error {
	c.guard.Drop()
	c.streams.Close()
	if c.conn == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		err := c.conn.Close(websocket.StatusNormalClosure, "done")
		// A socket the peer (or the read loop) already closed is fine.
		if err != nil && !errors.Is(err, net.ErrClosed) && websocket.CloseStatus(err) == -1 {
			c.closeErr = fmt.Errorf("wsvoice: close: %w", err)
		}
	})
	return c.closeErr
}

// CallData returns the tool calls observed on text frames.
func (c *Channel) CallData() []types.ObservedToolCall { return c.rec.Calls() }

// ToolCallEndpointURL implements channel.Channel. ws-voice has no HTTP
// side-channel; agents emit tool_call text frames in-band.
func (c *Channel) ToolCallEndpointURL() string { return "" }
