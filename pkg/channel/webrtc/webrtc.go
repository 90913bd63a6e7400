// Package webrtc joins a voice agent's LiveKit room as a caller participant.
// The channel publishes a 48 kHz mono Opus track carrying synthesized caller
// speech, subscribes to the agent's audio track, and listens for tool-call
// reports on the room's data channel. Audio crosses the package boundary as
// 24 kHz PCM.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Config describes the room to join.
type Config struct {
	// URL is the LiveKit server URL (wss://...).
	URL string

	// RoomName is the room the agent waits in.
	RoomName string

	// APIKey and APISecret mint the join token.
	APIKey    string
	APISecret string

	// Token is a pre-minted join token. When set, APIKey and APISecret are
	// not needed.
	Token string

	// Identity is the caller's participant identity. Defaults to a generated
	// one.
	Identity string
}

func (c Config) validate() error {
	if c.URL == "" {
		return errors.New("webrtc: server URL must not be empty")
	}
	if c.RoomName == "" {
		return errors.New("webrtc: room name must not be empty")
	}
	if c.Token == "" && (c.APIKey == "" || c.APISecret == "") {
		return errors.New("webrtc: either a join token or an API key pair is required")
	}
	return nil
}

// Channel is a LiveKit room connection. It implements channel.Channel.
type Channel struct {
	cfg Config

	guard   channel.ConnectOnce
	streams *channel.Streams
	rec     *channel.Recorder

	connect  connectFunc
	newCodec func() (frameCodec, error)

	mu    sync.Mutex
	room  liveRoom
	codec frameCodec

	teardownOnce sync.Once
}

var _ channel.Channel = (*Channel)(nil)

// New creates a room channel. Nothing connects until Connect.
func New(cfg Config) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Identity == "" {
		cfg.Identity = "voiceci-caller-" + uuid.NewString()[:8]
	}
	return &Channel{
		cfg:      cfg,
		streams:  channel.NewStreams(),
		rec:      channel.NewRecorder(),
		connect:  connectLiveKit,
		newCodec: newOpusCodec,
	}, nil
}

// Connect mints a join token if needed and joins the room.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.guard.Begin(); err != nil {
		return err
	}

	codec, err := c.newCodec()
	if err != nil {
		c.guard.Drop()
		return err
	}

	token := c.cfg.Token
	if token == "" {
		token, err = mintToken(c.cfg)
		if err != nil {
			c.guard.Drop()
			return fmt.Errorf("webrtc: mint join token: %w", err)
		}
	}

	room, err := c.connect(ctx, c.cfg, token, roomEvents{
		onOpusPacket: c.handlePacket,
		onData:       c.handleData,
		onClosed:     func() { c.teardown(false) },
	})
	if err != nil {
		c.guard.Drop()
		return err
	}

	c.mu.Lock()
	c.room = room
	c.codec = codec
	c.mu.Unlock()

	c.rec.Start()
	c.guard.Succeed()
	return nil
}

// handlePacket decodes one agent audio packet and emits it as 24 kHz PCM.
func (c *Channel) handlePacket(packet []byte) {
	if c.streams.Closed() {
		return
	}
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()
	if codec == nil {
		return
	}
	frame, err := codec.Decode(packet)
	if err != nil {
		c.streams.EmitError(err)
		return
	}
	c.streams.EmitAudio(audio.Resample(frame, audio.RateWebRTC, audio.RateCanonical))
}

// handleData records tool-call reports published on the data channel. Any
// topic is accepted; non-tool-call payloads are ignored.
func (c *Channel) handleData(payload []byte, _ string) {
	for _, ev := range channel.ParseToolCallEvents(payload) {
		c.rec.Record(ev)
	}
}

// SendAudio upsamples 24 kHz PCM to 48 kHz, encodes it as 20 ms Opus frames,
// and writes them on the caller track.
func (c *Channel) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	room, codec := c.room, c.codec
	c.mu.Unlock()
	if room == nil || !c.guard.Connected() {
		return channel.ErrNotConnected
	}

	wire := audio.Resample(pcm, audio.RateCanonical, audio.RateWebRTC)
	for _, frame := range chunkFrames(wire) {
		if err := ctx.Err(); err != nil {
			return err
		}
		packet, err := codec.Encode(frame)
		if err != nil {
			return err
		}
		if err := room.writePacket(packet); err != nil {
			return fmt.Errorf("webrtc: write caller audio: %w", err)
		}
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

// ToolCallEndpointURL implements channel.Channel. Room tests receive tool
// calls over the data channel, so there is no HTTP endpoint.
func (c *Channel) ToolCallEndpointURL() string { return "" }

// Disconnect leaves the room. Safe to call multiple times and before
// Connect.
func (c *Channel) Disconnect() error {
	c.teardown(true)
	return nil
}

func (c *Channel) teardown(local bool) {
	c.teardownOnce.Do(func() {
		c.guard.Drop()
		c.streams.Close()
		if !local {
			return
		}
		c.mu.Lock()
		room := c.room
		c.mu.Unlock()
		if room != nil {
			room.close()
		}
	})
}
