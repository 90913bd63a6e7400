// Package elevenlabs attaches to an ElevenLabs conversational agent over the
// platform websocket. Audio is carried in-band as base64 16 kHz PCM inside
// JSON messages; tool invocations arrive as client_tool_call events and are
// acknowledged so the agent keeps going. Audio crosses the package boundary
// as 24 kHz PCM.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	defaultBaseURL = "wss://api.elevenlabs.io"

	// wireRate is the PCM rate inside audio events.
	wireRate = audio.RatePlatform

	maxMessageBytes = 1 << 20
)

// Config describes one agent conversation.
type Config struct {
	// AgentID is the conversational agent to attach to.
	AgentID string

	// APIKey authenticates the connection. Optional for public agents.
	APIKey string

	// BaseURL overrides the platform websocket root, for tests.
	BaseURL string

	// HTTPClient overrides the client used for the websocket dial.
	HTTPClient *http.Client
}

func (c Config) validate() error {
	if c.AgentID == "" {
		return errors.New("elevenlabs: agent id must not be empty")
	}
	return nil
}

// Channel is a live agent conversation. It implements channel.Channel.
type Channel struct {
	cfg     Config
	baseURL string

	guard   channel.ConnectOnce
	streams *channel.Streams
	rec     *channel.Recorder

	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
}

var _ channel.Channel = (*Channel)(nil)

// New creates an ElevenLabs channel. Nothing connects until Connect.
func New(cfg Config) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Channel{
		cfg:     cfg,
		baseURL: base,
		streams: channel.NewStreams(),
		rec:     channel.NewRecorder(),
	}, nil
}

// Connect dials the conversation websocket and sends the initiation message.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.guard.Begin(); err != nil {
		return err
	}

	u := c.baseURL + "/v1/convai/conversation?agent_id=" + url.QueryEscape(c.cfg.AgentID)
	opts := &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient}
	if c.cfg.APIKey != "" {
		opts.HTTPHeader = http.Header{"Xi-Api-Key": []string{c.cfg.APIKey}}
	}
	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		c.guard.Drop()
		return fmt.Errorf("elevenlabs: dial conversation: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	init := map[string]string{"type": "conversation_initiation_client_data"}
	data, _ := json.Marshal(init) //nolint:errcheck // fixed shape
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed") //nolint:errcheck
		c.guard.Drop()
		return fmt.Errorf("elevenlabs: send initiation: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.rec.Start()
	c.guard.Succeed()
	go c.readLoop()
	return nil
}

// serverMessage covers the event shapes the channel cares about; everything
// else is ignored by type.
type serverMessage struct {
	Type       string `json:"type"`
	AudioEvent struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event"`
	PingEvent struct {
		EventID int `json:"event_id"`
	} `json:"ping_event"`
	ClientToolCall struct {
		ToolName   string         `json:"tool_name"`
		ToolCallID string         `json:"tool_call_id"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call"`
}

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
				c.streams.EmitError(fmt.Errorf("elevenlabs: conversation: %w", err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
			if err != nil || len(pcm) == 0 {
				continue
			}
			if !c.streams.EmitAudio(audio.Resample(pcm, wireRate, audio.RateCanonical)) {
				return
			}
		case "ping":
			c.writeJSON(map[string]any{"type": "pong", "event_id": msg.PingEvent.EventID})
		case "client_tool_call":
			if msg.ClientToolCall.ToolName == "" {
				continue
			}
			c.rec.Record(channel.ToolCallEvent{
				Type:      "tool_call",
				Name:      msg.ClientToolCall.ToolName,
				Arguments: msg.ClientToolCall.Parameters,
			})
			// Acknowledge so the agent does not stall waiting for the tool.
			c.writeJSON(map[string]any{
				"type":         "client_tool_result",
				"tool_call_id": msg.ClientToolCall.ToolCallID,
				"result":       "ok",
				"is_error":     false,
			})
		}
	}
}

// writeJSON is best effort; the read loop surfaces transport failures.
func (c *Channel) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.conn.Write(ctx, websocket.MessageText, data) //nolint:errcheck
}

// userAudioChunk is the outbound audio envelope. The platform expects a bare
// object with a single key and no type tag.
type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// SendAudio downsamples 24 kHz PCM to the platform rate and sends it as a
// base64 chunk.
func (c *Channel) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.guard.Connected() {
		return channel.ErrNotConnected
	}
	chunk := userAudioChunk{
		UserAudioChunk: base64.StdEncoding.EncodeToString(audio.Resample(pcm, audio.RateCanonical, wireRate)),
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("elevenlabs: encode audio chunk: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("elevenlabs: write audio chunk: %w", err)
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

// Disconnect ends the conversation. Safe to call multiple times and before
// Connect.
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
		conn.Close(websocket.StatusNormalClosure, "conversation ended") //nolint:errcheck
	})
	return nil
}
