// Package mock provides an in-memory implementation of [channel.Channel] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every SendAudio call so
// tests can assert on what was sent, and it exposes hooks to script the agent
// side of the conversation: queue audio responses per send, emit unprompted
// audio, report tool calls, or drop the connection.
//
// Typical usage:
//
//	ch := mock.New()
//	ch.RespondWith(agentPCM)           // next SendAudio emits agentPCM back
//	_ = ch.Connect(ctx)
//	_ = ch.SendAudio(ctx, callerPCM)
//	got := <-ch.Audio()
package mock

import (
	"context"
	"sync"

	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Channel is a scriptable mock implementation of [channel.Channel].
// Set the exported fields before use; inspect the call records after.
type Channel struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// DisconnectErr, if non-nil, is returned by Disconnect.
	DisconnectErr error

	// OnSend, if non-nil, is invoked with each sent buffer; every returned
	// chunk is emitted on Audio. Runs without the lock held.
	OnSend func(pcm []byte) [][]byte

	// ToolCalls is returned by CallData.
	ToolCalls []types.ObservedToolCall

	// EndpointURL is returned by ToolCallEndpointURL.
	EndpointURL string

	// SendCalls records a copy of every buffer passed to SendAudio.
	SendCalls [][]byte

	// ConnectCount and DisconnectCount record call counts.
	ConnectCount    int
	DisconnectCount int

	connected bool
	responses [][][]byte // queued per-send response scripts
	audio     chan []byte
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

var _ channel.Channel = (*Channel)(nil)

// New returns a mock channel ready to Connect.
func New() *Channel {
	return &Channel{
		audio: make(chan []byte, 256),
		errs:  make(chan error, 8),
		done:  make(chan struct{}),
	}
}

// RespondWith queues chunks to be emitted on Audio after the next unclaimed
// SendAudio call. Each call scripts one send; extra sends emit nothing.
func (c *Channel) RespondWith(chunks ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, chunks)
}

// EmitAudio delivers chunks on Audio immediately, independent of any send.
func (c *Channel) EmitAudio(chunks ...[]byte) {
	for _, chunk := range chunks {
		select {
		case c.audio <- chunk:
		case <-c.done:
			return
		}
	}
}

// EmitError delivers err on Errors.
func (c *Channel) EmitError(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// Drop simulates a transport-side disconnect: Done closes and Connected flips
// false, without counting as a local Disconnect.
func (c *Channel) Drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

// Connect implements [channel.Channel].
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCount++
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.connected = true
	return nil
}

// SendAudio implements [channel.Channel]. It records the buffer, then plays
// back the next queued response script (or asks OnSend) on the Audio channel.
func (c *Channel) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	if c.SendErr != nil {
		err := c.SendErr
		c.mu.Unlock()
		return err
	}
	if !c.connected {
		c.mu.Unlock()
		return channel.ErrNotConnected
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	c.SendCalls = append(c.SendCalls, buf)

	var chunks [][]byte
	if len(c.responses) > 0 {
		chunks = c.responses[0]
		c.responses = c.responses[1:]
	}
	onSend := c.OnSend
	c.mu.Unlock()

	if onSend != nil {
		chunks = append(chunks, onSend(buf)...)
	}
	c.EmitAudio(chunks...)
	return nil
}

// Audio implements [channel.Channel].
func (c *Channel) Audio() <-chan []byte { return c.audio }

// Errors implements [channel.Channel].
func (c *Channel) Errors() <-chan error { return c.errs }

// Done implements [channel.Channel].
func (c *Channel) Done() <-chan struct{} { return c.done }

// Connected implements [channel.Channel].
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect implements [channel.Channel].
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.DisconnectCount++
	c.connected = false
	err := c.DisconnectErr
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return err
}

// CallData implements [channel.Channel].
func (c *Channel) CallData() []types.ObservedToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ObservedToolCall, len(c.ToolCalls))
	copy(out, c.ToolCalls)
	return out
}

// ToolCallEndpointURL implements [channel.Channel].
func (c *Channel) ToolCallEndpointURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.EndpointURL
}

// SentAudio returns the concatenation of every buffer passed to SendAudio.
func (c *Channel) SentAudio() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, buf := range c.SendCalls {
		out = append(out, buf...)
	}
	return out
}
