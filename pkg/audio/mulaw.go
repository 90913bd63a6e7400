package audio

// G.711 μ-law companding. The telephony channels carry 8-bit μ-law at 8 kHz;
// these routines convert between that wire form and linear int16 PCM.

const (
	mulawBias = 0x84 // 132, added before segment search
	mulawClip = 32635
)

// PCMToMulaw compresses little-endian int16 PCM into 8-bit μ-law, one output
// byte per input sample. A trailing odd byte is ignored.
func PCMToMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = mulawEncodeSample(sample)
	}
	return out
}

// MulawToPCM expands 8-bit μ-law into little-endian int16 PCM, two output
// bytes per input byte.
func MulawToPCM(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		sample := mulawDecodeSample(b)
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}

// mulawEncodeSample compresses one linear sample per G.711: fold the sign,
// clip, bias, locate the segment, then pack sign/segment/mantissa and invert.
func mulawEncodeSample(sample int16) byte {
	var sign byte
	s := int32(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

// mulawDecodeSample expands one μ-law byte back to a linear sample.
func mulawDecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	s := ((int32(mantissa) << 3) + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}
