package webrtc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
)

// fakeRoom records written packets and exposes the event hooks so tests can
// act as the agent side.
type fakeRoom struct {
	mu      sync.Mutex
	packets [][]byte
	closed  int
}

func (f *fakeRoom) writePacket(packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, packet)
	return nil
}

func (f *fakeRoom) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeRoom) packetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets)
}

func (f *fakeRoom) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// passCodec is an identity frameCodec so tests avoid the cgo Opus library.
type passCodec struct{}

func (passCodec) Encode(pcm []byte) ([]byte, error) { return bytes.Clone(pcm), nil }
func (passCodec) Decode(pkt []byte) ([]byte, error) { return bytes.Clone(pkt), nil }

func testChannel(t *testing.T) (*Channel, *fakeRoom, *roomEvents) {
	t.Helper()
	ch, err := New(Config{URL: "wss://lk.example.com", RoomName: "room-1", Token: "tok"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	room := &fakeRoom{}
	var ev roomEvents
	ch.newCodec = func() (frameCodec, error) { return passCodec{}, nil }
	ch.connect = func(_ context.Context, _ Config, token string, events roomEvents) (liveRoom, error) {
		if token != "tok" {
			t.Errorf("connect token = %q, want tok", token)
		}
		ev = events
		return room, nil
	}
	return ch, room, &ev
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"token only", Config{URL: "wss://x", RoomName: "r", Token: "t"}, false},
		{"key pair", Config{URL: "wss://x", RoomName: "r", APIKey: "k", APISecret: "s"}, false},
		{"missing url", Config{RoomName: "r", Token: "t"}, true},
		{"missing room", Config{URL: "wss://x", Token: "t"}, true},
		{"no credentials", Config{URL: "wss://x", RoomName: "r"}, true},
		{"half key pair", Config{URL: "wss://x", RoomName: "r", APIKey: "k"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestConnect_AudioFlowsBothWays(t *testing.T) {
	ch, room, ev := testChannel(t)
	ctx := context.Background()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	// Agent → caller: one 48 kHz frame downsamples to half the bytes.
	ev.onOpusPacket(make([]byte, opusFrameBytes))
	select {
	case pcm := <-ch.Audio():
		if len(pcm) != opusFrameBytes/2 {
			t.Fatalf("emitted %d bytes, want %d", len(pcm), opusFrameBytes/2)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audio")
	}

	// Caller → agent: 20 ms of canonical PCM becomes exactly one wire frame.
	if err := ch.SendAudio(ctx, make([]byte, 960)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if got := room.packetCount(); got != 1 {
		t.Fatalf("packets written = %d, want 1", got)
	}

	// A partial second frame is zero-padded, not dropped.
	if err := ch.SendAudio(ctx, make([]byte, 960+100)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if got := room.packetCount(); got != 3 {
		t.Fatalf("packets written = %d, want 3", got)
	}
}

func TestSendAudio_NotConnected(t *testing.T) {
	ch, _, _ := testChannel(t)
	if err := ch.SendAudio(context.Background(), make([]byte, 960)); err != channel.ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnect_ExactlyOnce(t *testing.T) {
	ch, _, _ := testChannel(t)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()
	if err := ch.Connect(context.Background()); err != channel.ErrAlreadyConnected {
		t.Fatalf("second Connect err = %v, want ErrAlreadyConnected", err)
	}
}

func TestDataPacketsBecomeToolCalls(t *testing.T) {
	ch, _, ev := testChannel(t)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	ev.onData([]byte(`{"type":"tool_call","name":"transfer_call","arguments":{"to":"support"}}`), "tool_calls")
	ev.onData([]byte(`[{"type":"tool_call","name":"lookup"},{"type":"other"}]`), "")
	ev.onData([]byte(`chat message, not json`), "chat")

	calls := ch.CallData()
	if len(calls) != 2 {
		t.Fatalf("CallData len = %d, want 2", len(calls))
	}
	if calls[0].Name != "transfer_call" || calls[1].Name != "lookup" {
		t.Fatalf("calls = %+v", calls)
	}
	if to, ok := calls[0].Arguments["to"].(string); !ok || to != "support" {
		t.Fatalf("arguments = %+v", calls[0].Arguments)
	}
}

func TestRemoteCloseEndsChannel(t *testing.T) {
	ch, room, ev := testChannel(t)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev.onClosed()
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after remote disconnect")
	}
	if err := ch.SendAudio(context.Background(), make([]byte, 960)); err != channel.ErrNotConnected {
		t.Fatalf("SendAudio after remote close err = %v, want ErrNotConnected", err)
	}
	// The SDK already tore the room down; closing it again would double
	// release.
	if got := room.closeCount(); got != 0 {
		t.Fatalf("room closed %d times on remote disconnect, want 0", got)
	}
}

func TestDisconnect_ClosesRoomOnce(t *testing.T) {
	ch, room, _ := testChannel(t)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := ch.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if got := room.closeCount(); got != 1 {
		t.Fatalf("room closed %d times, want 1", got)
	}
}

func TestChunkFrames(t *testing.T) {
	cases := []struct {
		name   string
		in     int
		frames int
	}{
		{"empty", 0, 0},
		{"one exact frame", opusFrameBytes, 1},
		{"partial frame", 100, 1},
		{"two and a half", 2*opusFrameBytes + opusFrameBytes/2, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frames := chunkFrames(make([]byte, tc.in))
			if len(frames) != tc.frames {
				t.Fatalf("frames = %d, want %d", len(frames), tc.frames)
			}
			for i, f := range frames {
				if len(f) != opusFrameBytes {
					t.Fatalf("frame %d = %d bytes, want %d", i, len(f), opusFrameBytes)
				}
			}
		})
	}
}

func TestMintToken(t *testing.T) {
	tok, err := mintToken(Config{APIKey: "key", APISecret: "secret-at-least-32-bytes-long-ok", RoomName: "room-1", Identity: "caller-1"})
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(header, &hdr); err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if hdr.Alg != "HS256" {
		t.Fatalf("alg = %q, want HS256", hdr.Alg)
	}
	claims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	if !bytes.Contains(claims, []byte("room-1")) {
		t.Fatalf("claims missing room grant: %s", claims)
	}
}
