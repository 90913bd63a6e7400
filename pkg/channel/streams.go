package channel

import "sync"

// Default buffer sizes for the per-channel streams. Audio is buffered deep
// enough to absorb a slow consumer during VAD waits without dropping frames;
// errors are rare and shallow.
const (
	audioBuffer = 256
	errorBuffer = 8
)

// Streams owns the three consumer-facing channels a transport exposes and
// enforces the no-emissions-after-disconnect invariant. The audio and error
// channels are never closed — only done is — so emitters can never panic on a
// racing teardown; consumers select on Done to stop reading.
type Streams struct {
	audio chan []byte
	errs  chan error
	done  chan struct{}
	once  sync.Once
}

// NewStreams returns Streams with the default buffer sizes.
func NewStreams() *Streams {
	return &Streams{
		audio: make(chan []byte, audioBuffer),
		errs:  make(chan error, errorBuffer),
		done:  make(chan struct{}),
	}
}

// Audio returns the consumer side of the audio stream.
func (s *Streams) Audio() <-chan []byte { return s.audio }

// Errors returns the consumer side of the error stream.
func (s *Streams) Errors() <-chan error { return s.errs }

// Done returns the teardown signal channel.
func (s *Streams) Done() <-chan struct{} { return s.done }

// Closed reports whether Close has been called.
func (s *Streams) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close signals teardown. Idempotent. Emissions in flight unblock and are
// dropped.
func (s *Streams) Close() {
	s.once.Do(func() { close(s.done) })
}

// EmitAudio delivers one PCM chunk to the consumer. It blocks while the
// buffer is full and reports false once the streams are closed.
func (s *Streams) EmitAudio(pcm []byte) bool {
	if len(pcm) == 0 {
		return !s.Closed()
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.audio <- pcm:
		return true
	case <-s.done:
		return false
	}
}

// EmitError delivers one non-fatal transport error. Errors beyond the buffer
// are dropped rather than blocking the read loop.
func (s *Streams) EmitError(err error) bool {
	if err == nil {
		return !s.Closed()
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.errs <- err:
		return true
	case <-s.done:
		return false
	default:
		return true
	}
}

// ConnectOnce enforces the connect-exactly-once contract and tracks the
// connected flag. Safe for concurrent use.
type ConnectOnce struct {
	mu        sync.Mutex
	used      bool
	connected bool
}

// Begin claims the single connect attempt. It returns ErrAlreadyConnected if
// a connect was ever attempted on this guard.
func (g *ConnectOnce) Begin() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.used {
		return ErrAlreadyConnected
	}
	g.used = true
	return nil
}

// Succeed marks the channel connected. Call after the transport is live.
func (g *ConnectOnce) Succeed() {
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
}

// Drop marks the channel disconnected.
func (g *ConnectOnce) Drop() {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
}

// Connected reports whether the channel is currently connected.
func (g *ConnectOnce) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}
