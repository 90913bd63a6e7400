package webrtc

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
)

// LiveKit audio runs 48 kHz mono Opus at 20 ms frame size.
const (
	opusSampleRate  = audio.RateWebRTC
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSamples is the number of samples per 20 ms frame.
	opusFrameSamples = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusFrameBytes is the PCM byte size of one frame.
	opusFrameBytes = opusFrameSamples * 2
	// opusMaxPacket bounds one encoded packet.
	opusMaxPacket = 1500
)

// frameCodec converts between 48 kHz mono PCM frames and encoded packets.
// Split out so tests can run the channel without the cgo Opus codec.
type frameCodec interface {
	// Encode turns exactly one PCM frame (opusFrameBytes bytes) into a packet.
	Encode(pcmFrame []byte) ([]byte, error)

	// Decode turns one packet back into a PCM frame.
	Decode(packet []byte) ([]byte, error)
}

// opusCodec is the production frameCodec. Encoder and decoder each keep
// per-stream state, so a codec must not be shared across channels.
type opusCodec struct {
	enc *gopus.Encoder
	dec *gopus.Decoder
}

func newOpusCodec() (frameCodec, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
	}
	return &opusCodec{enc: enc, dec: dec}, nil
}

func (c *opusCodec) Encode(pcmFrame []byte) ([]byte, error) {
	packet, err := c.enc.Encode(audio.BytesToInt16(pcmFrame), opusFrameSamples, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return packet, nil
}

func (c *opusCodec) Decode(packet []byte) ([]byte, error) {
	pcm, err := c.dec.Decode(packet, opusFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus decode: %w", err)
	}
	return audio.Int16ToBytes(pcm), nil
}

// chunkFrames splits 48 kHz PCM into exact opus frames, zero-padding the
// final partial frame.
func chunkFrames(pcm []byte) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	n := (len(pcm) + opusFrameBytes - 1) / opusFrameBytes
	frames := make([][]byte, 0, n)
	for off := 0; off < len(pcm); off += opusFrameBytes {
		frame := make([]byte, opusFrameBytes)
		copy(frame, pcm[off:min(off+opusFrameBytes, len(pcm))])
		frames = append(frames, frame)
	}
	return frames
}
