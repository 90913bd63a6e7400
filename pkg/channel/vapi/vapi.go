// Package vapi dials a Vapi assistant over the platform's websocket
// transport. A REST call creates the call and returns a websocket URL; audio
// then flows in-band as 16 kHz PCM binary frames while JSON text frames
// carry call events, including tool invocations. Audio crosses the package
// boundary as 24 kHz PCM.
package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	// defaultBaseURL is the Vapi API root.
	defaultBaseURL = "https://api.vapi.ai"

	// wireRate is the in-band PCM rate on the platform websocket.
	wireRate = audio.RatePlatform

	maxMessageBytes = 1 << 20
)

// Config describes one assistant call.
type Config struct {
	// APIKey authenticates against the Vapi API.
	APIKey string

	// AssistantID is the assistant to call.
	AssistantID string

	// BaseURL overrides the API root, for tests.
	BaseURL string

	// HTTPClient overrides the client used for the create-call request and
	// the websocket dial.
	HTTPClient *http.Client
}

func (c Config) validate() error {
	if c.APIKey == "" {
		return errors.New("vapi: API key must not be empty")
	}
	if c.AssistantID == "" {
		return errors.New("vapi: assistant id must not be empty")
	}
	return nil
}

// Channel is a live assistant call. It implements channel.Channel.
type Channel struct {
	cfg     Config
	baseURL string
	client  *http.Client

	guard   channel.ConnectOnce
	streams *channel.Streams
	rec     *channel.Recorder

	mu     sync.Mutex
	conn   *websocket.Conn
	callID string

	closeOnce sync.Once
}

var _ channel.Channel = (*Channel)(nil)

// New creates a Vapi channel. The call is not created until Connect.
func New(cfg Config) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Channel{
		cfg:     cfg,
		baseURL: base,
		client:  client,
		streams: channel.NewStreams(),
		rec:     channel.NewRecorder(),
	}, nil
}

// createCallRequest asks for a raw-PCM websocket transport at the platform
// rate.
type createCallRequest struct {
	AssistantID string `json:"assistantId"`
	Transport   struct {
		Provider    string `json:"provider"`
		AudioFormat struct {
			Format     string `json:"format"`
			Container  string `json:"container"`
			SampleRate int    `json:"sampleRate"`
		} `json:"audioFormat"`
	} `json:"transport"`
}

type createCallResponse struct {
	ID        string `json:"id"`
	Transport struct {
		WebsocketCallURL string `json:"websocketCallUrl"`
	} `json:"transport"`
}

// Connect creates the call and attaches to its websocket transport.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.guard.Begin(); err != nil {
		return err
	}

	call, err := c.createCall(ctx)
	if err != nil {
		c.guard.Drop()
		return err
	}
	if call.Transport.WebsocketCallURL == "" {
		c.guard.Drop()
		return errors.New("vapi: create call returned no websocket URL")
	}

	conn, _, err := websocket.Dial(ctx, call.Transport.WebsocketCallURL, &websocket.DialOptions{
		HTTPClient: c.client,
	})
	if err != nil {
		c.guard.Drop()
		return fmt.Errorf("vapi: dial call transport: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	c.mu.Lock()
	c.conn = conn
	c.callID = call.ID
	c.mu.Unlock()

	c.rec.Start()
	c.guard.Succeed()
	go c.readLoop()
	return nil
}

func (c *Channel) createCall(ctx context.Context) (*createCallResponse, error) {
	var body createCallRequest
	body.AssistantID = c.cfg.AssistantID
	body.Transport.Provider = "vapi.websocket"
	body.Transport.AudioFormat.Format = "pcm_s16le"
	body.Transport.AudioFormat.Container = "raw"
	body.Transport.AudioFormat.SampleRate = wireRate

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vapi: create call: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("vapi: create call: status %d: %s", res.StatusCode, bytes.TrimSpace(msg))
	}
	var call createCallResponse
	if err := json.NewDecoder(res.Body).Decode(&call); err != nil {
		return nil, fmt.Errorf("vapi: decode create call response: %w", err)
	}
	return &call, nil
}

// callMessage is the envelope for text frames on the call transport. Tool
// invocations arrive as type "tool-calls" with a list.
type callMessage struct {
	Type         string `json:"type"`
	ToolCallList []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"toolCallList"`
}

// readLoop pumps platform audio and events until the call ends.
func (c *Channel) readLoop() {
	defer func() {
		c.guard.Drop()
		c.streams.Close()
	}()

	for {
		typ, data, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !c.streams.Closed() {
				c.streams.EmitError(fmt.Errorf("vapi: call transport: %w", err))
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if !c.streams.EmitAudio(audio.Resample(data, wireRate, audio.RateCanonical)) {
				return
			}
		case websocket.MessageText:
			c.handleEvent(data)
		}
	}
}

func (c *Channel) handleEvent(data []byte) {
	// Canonical tool_call events pass through unchanged; the platform's own
	// "tool-calls" envelope is normalised below.
	if ev, ok := channel.ParseToolCallEvent(data); ok {
		c.rec.Record(ev)
		return
	}
	var msg callMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "tool-calls":
		for _, tc := range msg.ToolCallList {
			if tc.Name == "" {
				continue
			}
			c.rec.Record(channel.ToolCallEvent{Type: "tool_call", Name: tc.Name, Arguments: tc.Arguments})
		}
	case "hangup", "end-of-call-report":
		// Treated as a remote hangup; the read loop ends when the socket
		// closes.
	}
}

// SendAudio downsamples 24 kHz PCM to the platform rate and writes it as a
// binary frame.
func (c *Channel) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.guard.Connected() {
		return channel.ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageBinary, audio.Resample(pcm, audio.RateCanonical, wireRate)); err != nil {
		return fmt.Errorf("vapi: write audio: %w", err)
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

// CallData implements channel.Channel.
func (c *Channel) CallData() []types.ObservedToolCall { return c.rec.Calls() }

// ToolCallEndpointURL implements channel.Channel.
func (c *Channel) ToolCallEndpointURL() string { return "" }

// CallID returns the platform's call id, available after Connect.
func (c *Channel) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// Disconnect ends the call. Safe to call multiple times and before Connect.
func (c *Channel) Disconnect() error {
	c.guard.Drop()
	c.streams.Close()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		conn.Close(websocket.StatusNormalClosure, "call ended") //nolint:errcheck
	})
	return nil
}
