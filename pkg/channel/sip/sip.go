// Package sip places real phone calls to voice agents through a telephony
// carrier. The channel rents a short-lived HTTP callback endpoint, asks the
// carrier to bridge a bidirectional 8 kHz mu-law media websocket to it, and
// converts between the wire format and 24 kHz PCM at the edges. Agent tool
// invocations arrive out of band on the endpoint's /tool-calls route.
package sip

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	// wireRate is the media websocket's sample rate.
	wireRate = audio.RateTelephony

	// frameBytes is one 20 ms mu-law frame at 8 kHz.
	frameBytes = 160

	// mulawSilence is the mu-law encoding of a zero sample, used to pad the
	// final partial frame.
	mulawSilence = 0xFF

	defaultConnectTimeout = 30 * time.Second
	defaultGracePeriod    = 5 * time.Second
)

// Config describes one phone call.
type Config struct {
	// Carrier places and tears down the call.
	Carrier Carrier

	// TargetNumber is the agent's E.164 number (outbound mode).
	TargetNumber string

	// FromNumber is the rented caller number. In inbound mode it is the
	// number the agent platform dials.
	FromNumber string

	// Inbound waits for the agent to call FromNumber instead of dialing out.
	Inbound bool

	// ListenAddr is where the callback endpoint binds. Defaults to
	// 127.0.0.1:0.
	ListenAddr string

	// PublicHost overrides the host:port advertised to the carrier when the
	// endpoint sits behind a forwarded address.
	PublicHost string

	// TLS serves the callback endpoint over HTTPS/WSS when set.
	TLS *tls.Config

	// ConnectTimeout bounds the wait for the carrier's media connection.
	// Defaults to 30s.
	ConnectTimeout time.Duration

	// GracePeriod keeps the callback endpoint alive after the media stream
	// ends so late tool-call reports are still captured. Defaults to 5s.
	GracePeriod time.Duration
}

func (c Config) validate() error {
	if c.Carrier == nil {
		return errors.New("sip: carrier must not be nil")
	}
	if c.Inbound {
		if c.FromNumber == "" {
			return errors.New("sip: inbound mode requires a from number")
		}
		return nil
	}
	if c.TargetNumber == "" {
		return errors.New("sip: outbound mode requires a target number")
	}
	return nil
}

// Channel is a phone call to the agent. It implements channel.Channel.
type Channel struct {
	cfg Config

	guard   channel.ConnectOnce
	streams *channel.Streams
	rec     *channel.Recorder

	mu     sync.Mutex
	lis    *listener
	conn   *websocket.Conn
	callID string
	detach func(context.Context) error

	teardownOnce sync.Once
}

var _ channel.Channel = (*Channel)(nil)

// New creates a phone-call channel. The call is not placed until Connect.
func New(cfg Config) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Channel{
		cfg:     cfg,
		streams: channel.NewStreams(),
		rec:     channel.NewRecorder(),
	}, nil
}

// Connect starts the callback endpoint, places (or awaits) the call, and
// blocks until the carrier bridges its media websocket.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.guard.Begin(); err != nil {
		return err
	}

	lis, err := newListener(c.cfg.ListenAddr, c.cfg.PublicHost, c.cfg.TLS, c.rec)
	if err != nil {
		c.guard.Drop()
		return err
	}
	c.mu.Lock()
	c.lis = lis
	c.mu.Unlock()

	if c.cfg.Inbound {
		detach, err := c.cfg.Carrier.AttachInbound(ctx, c.cfg.FromNumber, lis.answerURL())
		if err != nil {
			c.abortConnect()
			return err
		}
		c.mu.Lock()
		c.detach = detach
		c.mu.Unlock()
	} else {
		callID, err := c.cfg.Carrier.Dial(ctx, DialRequest{
			To:        c.cfg.TargetNumber,
			From:      c.cfg.FromNumber,
			AnswerURL: lis.answerURL(),
		})
		if err != nil {
			c.abortConnect()
			return err
		}
		c.mu.Lock()
		c.callID = callID
		c.mu.Unlock()
	}

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case conn := <-lis.media:
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	case <-timer.C:
		c.hangup()
		c.abortConnect()
		return fmt.Errorf("sip: no media stream within %s", c.cfg.ConnectTimeout)
	case <-ctx.Done():
		c.hangup()
		c.abortConnect()
		return ctx.Err()
	}

	c.rec.Start()
	c.guard.Succeed()
	go c.readLoop()
	return nil
}

// abortConnect tears down a half-built connection attempt.
func (c *Channel) abortConnect() {
	c.guard.Drop()
	c.detachInbound()
	c.shutdownListener(0)
}

// playAudioMessage is the outbound media frame envelope.
type playAudioMessage struct {
	Event string `json:"event"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// streamEvent is the inbound text-frame envelope; only the event name
// matters here.
type streamEvent struct {
	Event string `json:"event"`
}

// SendAudio downsamples 24 kHz PCM to 8 kHz mu-law and writes it as 20 ms
// playAudio frames. The final partial frame is padded with mu-law silence.
func (c *Channel) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.guard.Connected() {
		return channel.ErrNotConnected
	}

	wire := audio.PCMToMulaw(audio.Resample(pcm, audio.RateCanonical, wireRate))
	for off := 0; off < len(wire); off += frameBytes {
		end := off + frameBytes
		frame := make([]byte, frameBytes)
		if end > len(wire) {
			copy(frame, wire[off:])
			for i := len(wire) - off; i < frameBytes; i++ {
				frame[i] = mulawSilence
			}
		} else {
			copy(frame, wire[off:end])
		}

		var msg playAudioMessage
		msg.Event = "playAudio"
		msg.Media.Payload = base64.StdEncoding.EncodeToString(frame)
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("sip: encode media frame: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("sip: write media frame: %w", err)
		}
	}
	return nil
}

// readLoop pumps carrier media into the audio stream until the call ends.
func (c *Channel) readLoop() {
	defer c.teardown(false)

	for {
		typ, data, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !c.streams.Closed() {
				c.streams.EmitError(fmt.Errorf("sip: media stream: %w", err))
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			pcm := audio.Resample(audio.MulawToPCM(data), wireRate, audio.RateCanonical)
			if !c.streams.EmitAudio(pcm) {
				return
			}
		case websocket.MessageText:
			var ev streamEvent
			if json.Unmarshal(data, &ev) == nil && (ev.Event == "stop" || ev.Event == "hangup") {
				return
			}
		}
	}
}

// Audio implements channel.Channel.
func (c *Channel) Audio() <-chan []byte { return c.streams.Audio() }

// Errors implements channel.Channel.
func (c *Channel) Errors() <-chan error { return c.streams.Errors() }

// Done implements channel.Channel.
func (c *Channel) Done() <-chan struct{} { return c.streams.Done() }

// Connected implements channel.Channel.
func (c *Channel) Connected() bool { return c.guard.Connected() }

// CallData implements channel.Channel. Tool-call reports keep accumulating
// during the post-call grace period, so callers that need late events should
// read after Done is closed plus the grace period.
func (c *Channel) CallData() []types.ObservedToolCall { return c.rec.Calls() }

// ToolCallEndpointURL implements channel.Channel. The URL is only valid
// after Connect, while the callback endpoint is up.
func (c *Channel) ToolCallEndpointURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lis == nil {
		return ""
	}
	return c.lis.toolCallsURL()
}

// Disconnect hangs up and releases the callback endpoint after the grace
// period. Safe to call multiple times and before Connect.
func (c *Channel) Disconnect() error {
	c.teardown(true)
	return nil
}

// teardown ends the call once. hangup requests (carrier side) are only sent
// on a local disconnect; a remote close already ended the call.
func (c *Channel) teardown(local bool) {
	c.teardownOnce.Do(func() {
		c.guard.Drop()
		c.streams.Close()

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "call ended") //nolint:errcheck
		}
		if local {
			c.hangup()
		}
		c.detachInbound()
		c.shutdownListener(c.cfg.GracePeriod)
	})
}

// hangup asks the carrier to end the call, best effort.
func (c *Channel) hangup() {
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()
	if callID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.cfg.Carrier.Hangup(ctx, callID) //nolint:errcheck
}

// detachInbound removes the inbound answer binding, best effort.
func (c *Channel) detachInbound() {
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()
	if detach == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	detach(ctx) //nolint:errcheck
}

// shutdownListener closes the callback endpoint after delay, keeping it
// reachable for tool-call reports that trail the media stream.
func (c *Channel) shutdownListener(delay time.Duration) {
	c.mu.Lock()
	lis := c.lis
	c.lis = nil
	c.mu.Unlock()
	if lis == nil {
		return
	}
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lis.shutdown(ctx) //nolint:errcheck
	}
	if delay <= 0 {
		stop()
		return
	}
	time.AfterFunc(delay, stop)
}
