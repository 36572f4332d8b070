package bridge

import (
	"encoding/base64"
	"encoding/binary"
)

// G.711 mu-law companding constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
	// mulawSilence is the mu-law code for a zero sample.
	mulawSilence = 0xFF
)

var mulawDecodeTable [256]int16

func init() {
	for i := range mulawDecodeTable {
		mulawDecodeTable[i] = decodeMulawSample(byte(i))
	}
}

func decodeMulawSample(b byte) int16 {
	b = ^b
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if b&0x80 != 0 {
		sample = -sample
	}
	return int16(sample)
}

func encodeMulawSample(s int16) byte {
	x := int32(s)
	sign := byte(0)
	if x < 0 {
		x = -x
		sign = 0x80
	}
	if x > mulawClip {
		x = mulawClip
	}
	x += mulawBias

	exponent := byte(0)
	for v := x >> 7; v > 1 && exponent < 7; v >>= 1 {
		exponent++
	}
	mantissa := byte((x >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

// MulawToPCM16 expands mu-law bytes to little-endian 16-bit linear PCM.
// Every mu-law byte value is decodable, so this cannot fail; empty input
// yields empty output.
func MulawToPCM16(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawDecodeTable[b]))
	}
	return out
}

// PCM16ToMulaw compresses little-endian 16-bit linear PCM to mu-law,
// clamping samples beyond the representable range. Odd-length input is
// structurally invalid and returns a format error.
func PCM16ToMulaw(data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		return nil, NewFormatError("pcm16 payload has odd byte length").AddDetail("len", len(data))
	}
	out := make([]byte, len(data)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = encodeMulawSample(s)
	}
	return out, nil
}

// Resample converts 16-bit linear PCM between sample rates using linear
// interpolation. The output sample count is round(n*toRate/fromRate), half
// rounded up, so downstream buffering can predict output sizes. The error
// bound is first order: each output sample deviates from the ideal
// band-limited value by at most half the delta between its two neighboring
// input samples.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, NewFormatError("sample rates must be positive").
			AddDetail("from", fromRate).AddDetail("to", toRate)
	}
	if len(pcm)%2 != 0 {
		return nil, NewFormatError("pcm16 payload has odd byte length").AddDetail("len", len(pcm))
	}
	if fromRate == toRate || len(pcm) == 0 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	n := len(pcm) / 2
	outN := (n*toRate + fromRate/2) / fromRate
	if outN < 1 {
		outN = 1
	}

	out := make([]byte, outN*2)
	for i := 0; i < outN; i++ {
		var pos float64
		if outN > 1 {
			pos = float64(i) * float64(n-1) / float64(outN-1)
		}
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
		s1 := s0
		if idx+1 < n {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:]))
		}

		v := float64(s0) + (float64(s1)-float64(s0))*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out, nil
}

// DecodeTelephony expands a telephony-codec frame into linear PCM at the
// same rate. A zero-length payload is structurally invalid.
func DecodeTelephony(f Frame) (Frame, error) {
	if f.Codec != CodecMulaw {
		return Frame{}, NewFormatError("frame is not telephony encoded").AddDetail("codec", string(f.Codec))
	}
	if len(f.Payload) == 0 {
		return Frame{}, NewFormatError("empty telephony frame")
	}
	out := NewFrame(MulawToPCM16(f.Payload), CodecPCM16, f.SampleRate)
	out.Timestamp = f.Timestamp
	return out, nil
}

// EncodeTelephony compresses a linear PCM frame into the telephony codec,
// clamping out-of-range samples rather than wrapping.
func EncodeTelephony(f Frame) (Frame, error) {
	if f.Codec != CodecPCM16 {
		return Frame{}, NewFormatError("frame is not linear PCM").AddDetail("codec", string(f.Codec))
	}
	payload, err := PCM16ToMulaw(f.Payload)
	if err != nil {
		return Frame{}, err
	}
	out := NewFrame(payload, CodecMulaw, f.SampleRate)
	out.Timestamp = f.Timestamp
	return out, nil
}

// ResampleFrame converts a linear PCM frame to the target sample rate.
func ResampleFrame(f Frame, toRate int) (Frame, error) {
	if f.Codec != CodecPCM16 {
		return Frame{}, NewFormatError("can only resample linear PCM").AddDetail("codec", string(f.Codec))
	}
	if f.SampleRate == toRate {
		return f, nil
	}
	payload, err := Resample(f.Payload, f.SampleRate, toRate)
	if err != nil {
		return Frame{}, err
	}
	out := NewFrame(payload, CodecPCM16, toRate)
	out.Timestamp = f.Timestamp
	return out, nil
}

// TelephonyToUpstream converts one base64 telephony-codec payload into a
// base64 linear PCM payload at the upstream input rate.
func TelephonyToUpstream(b64Mulaw string, fromRate, toRate int) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64Mulaw)
	if err != nil {
		return "", WrapError(err, ErrCodeFormat)
	}
	if len(raw) == 0 {
		return "", NewFormatError("empty telephony payload")
	}
	pcm, err := Resample(MulawToPCM16(raw), fromRate, toRate)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pcm), nil
}

// UpstreamToTelephony converts one base64 linear PCM payload at the upstream
// output rate into a base64 telephony-codec payload.
func UpstreamToTelephony(b64PCM string, fromRate, toRate int) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64PCM)
	if err != nil {
		return "", WrapError(err, ErrCodeFormat)
	}
	pcm, err := Resample(raw, fromRate, toRate)
	if err != nil {
		return "", err
	}
	mulaw, err := PCM16ToMulaw(pcm)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mulaw), nil
}
