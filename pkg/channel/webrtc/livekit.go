package webrtc

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	lksdk "github.com/livekit/server-sdk-go/v2"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// roomEvents delivers what the remote side produces while the room is up.
type roomEvents struct {
	onOpusPacket func(packet []byte)
	onData       func(payload []byte, topic string)
	onClosed     func()
}

// liveRoom is the slice of the room API the channel drives after joining.
type liveRoom interface {
	// writePacket sends one encoded 20 ms audio packet on the caller track.
	writePacket(packet []byte) error
	close()
}

// connectFunc joins a room and returns a handle for writing caller audio.
// Production uses connectLiveKit; tests substitute an in-memory room.
type connectFunc func(ctx context.Context, cfg Config, token string, ev roomEvents) (liveRoom, error)

// connectLiveKit joins the LiveKit room, publishes the caller's Opus track,
// and subscribes to everything the agent publishes.
func connectLiveKit(ctx context.Context, cfg Config, token string, ev roomEvents) (liveRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cb := &lksdk.RoomCallback{
		OnDisconnected: ev.onClosed,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *pion.TrackRemote, _ *lksdk.RemoteTrackPublication, _ *lksdk.RemoteParticipant) {
				if track.Kind() != pion.RTPCodecTypeAudio {
					return
				}
				go func() {
					for {
						pkt, _, err := track.ReadRTP()
						if err != nil {
							return
						}
						if len(pkt.Payload) == 0 {
							continue
						}
						ev.onOpusPacket(pkt.Payload)
					}
				}()
			},
			OnDataPacket: func(data lksdk.DataPacket, _ lksdk.DataReceiveParams) {
				if user, ok := data.(*lksdk.UserDataPacket); ok {
					ev.onData(user.Payload, user.Topic)
				}
			},
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(cfg.URL, token, cb, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return nil, fmt.Errorf("webrtc: join room: %w", err)
	}

	track, err := lksdk.NewLocalSampleTrack(pion.RTPCodecCapability{
		MimeType:  pion.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  opusChannels,
	})
	if err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("webrtc: create caller track: %w", err)
	}
	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{Name: "caller-audio"}); err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("webrtc: publish caller track: %w", err)
	}
	return &liveKitRoom{room: room, track: track}, nil
}

type liveKitRoom struct {
	room  *lksdk.Room
	track *lksdk.LocalSampleTrack
}

func (r *liveKitRoom) writePacket(packet []byte) error {
	return r.track.WriteSample(media.Sample{Data: packet, Duration: opusFrameSizeMs * time.Millisecond}, nil)
}

func (r *liveKitRoom) close() { r.room.Disconnect() }

// mintToken builds a join token scoped to the test room. Tokens outlive any
// single call but stay bounded.
func mintToken(cfg Config) (string, error) {
	at := auth.NewAccessToken(cfg.APIKey, cfg.APISecret)
	at.SetVideoGrant(&auth.VideoGrant{RoomJoin: true, Room: cfg.RoomName}).
		SetIdentity(cfg.Identity).
		SetValidFor(time.Hour)
	return at.ToJWT()
}
