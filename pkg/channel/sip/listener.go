package sip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
)

// maxToolCallBody caps the POST /tool-calls request body.
const maxToolCallBody = 1 << 20 // 1 MiB

// listener is the short-lived callback endpoint a call lives on. The carrier
// fetches /answer to learn how to bridge media, connects a websocket to
// /stream, and the agent's tools report side effects to POST /tool-calls.
type listener struct {
	srv        *http.Server
	ln         net.Listener
	publicHost string
	secure     bool

	media chan *websocket.Conn
	rec   *channel.Recorder
}

// newListener binds addr (host:port, port 0 picks a free one) and starts
// serving. publicHost overrides the advertised host:port when the carrier
// reaches us through a forwarded address; empty means the bound address.
func newListener(addr, publicHost string, tlsConf *tls.Config, rec *channel.Recorder) (*listener, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sip: listen %s: %w", addr, err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}
	if publicHost == "" {
		publicHost = ln.Addr().String()
	}

	l := &listener{
		ln:         ln,
		publicHost: publicHost,
		secure:     tlsConf != nil,
		media:      make(chan *websocket.Conn, 1),
		rec:        rec,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/answer", l.handleAnswer)
	mux.HandleFunc("/stream", l.handleStream)
	mux.HandleFunc("/tool-calls", l.handleToolCalls)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go l.srv.Serve(ln) //nolint:errcheck // Serve returns ErrServerClosed on shutdown
	return l, nil
}

func (l *listener) answerURL() string {
	return l.baseURL("http", "https") + "/answer"
}

func (l *listener) toolCallsURL() string {
	return l.baseURL("http", "https") + "/tool-calls"
}

func (l *listener) streamURL() string {
	return l.baseURL("ws", "wss") + "/stream"
}

func (l *listener) baseURL(plain, secured string) string {
	scheme := plain
	if l.secure {
		scheme = secured
	}
	return scheme + "://" + l.publicHost
}

// handleAnswer returns the stream document telling the carrier to open a
// bidirectional 8 kHz mu-law media websocket back to /stream.
func (l *listener) handleAnswer(w http.ResponseWriter, r *http.Request) {
	doc := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Stream bidirectional="true" keepCallAlive="true" contentType="audio/x-mulaw;rate=8000">%s</Stream>
</Response>
`, l.streamURL())
	w.Header().Set("Content-Type", "application/xml")
	io.WriteString(w, doc) //nolint:errcheck
}

// handleStream upgrades the carrier's media connection and hands it to the
// channel. Only the first connection is bridged; extras are refused.
func (l *listener) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.media <- conn:
	default:
		conn.Close(websocket.StatusPolicyViolation, "call already bridged")
	}
}

// handleToolCalls records tool invocation reports POSTed by the agent's
// backend while the call is up. Accepts a single event object or an array.
func (l *listener) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxToolCallBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	events := channel.ParseToolCallEvents(body)
	if len(events) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, ev := range events {
		l.rec.Record(ev)
	}
	w.WriteHeader(http.StatusNoContent)
}

// shutdown stops accepting new callbacks and closes the server.
func (l *listener) shutdown(ctx context.Context) error {
	return l.srv.Shutdown(ctx)
}
