package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// pcmScale is the int16 magnitude that a normalized sample of 1.0 maps to.
const pcmScale = 32767

// DecodeError reports malformed audio data received from a peer.
type DecodeError struct {
	// Reason is a short description of what was wrong with the data.
	Reason string

	// Len is the byte length of the rejected payload.
	Len int

	// Err is the underlying error, if any.
	Err error
}

// Error implements error.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode %d bytes: %s: %v", e.Len, e.Reason, e.Err)
	}
	return fmt.Sprintf("audio: decode %d bytes: %s", e.Len, e.Reason)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error { return e.Err }

// Encode converts normalized samples to 16-bit little-endian PCM. Each sample
// is clamped to [-1, 1] and mapped to round(s*32767). The output is exactly
// 2*len(samples) bytes.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if math.IsNaN(float64(s)) {
			s = 0
		}
		v := int16(math.Round(float64(clamp(s)) * pcmScale))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Decode converts 16-bit little-endian PCM at srcRate with the given channel
// count into a mono [Buffer] at dstRate. Stereo input is downmixed before
// resampling. The buffer's Duration is the playback length of the resampled
// samples.
//
// An odd byte count, a partial multi-channel frame, an unsupported channel
// count or a non-positive rate yields a *[DecodeError].
func Decode(pcm []byte, srcRate, dstRate, channels int) (*Buffer, error) {
	switch {
	case len(pcm)%2 != 0:
		return nil, &DecodeError{Reason: "odd byte count for 16-bit PCM", Len: len(pcm)}
	case channels != 1 && channels != 2:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported channel count %d", channels), Len: len(pcm)}
	case len(pcm)%(2*channels) != 0:
		return nil, &DecodeError{Reason: "partial stereo frame", Len: len(pcm)}
	case srcRate <= 0 || dstRate <= 0:
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid sample rate %d -> %d", srcRate, dstRate), Len: len(pcm)}
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = clamp(float32(v) / pcmScale)
	}
	samples = Downmix(samples, channels)

	return NewBuffer(Resample(samples, srcRate, dstRate), dstRate), nil
}

// EncodeText renders raw PCM bytes in the text-safe form used on the wire
// (standard base64).
func EncodeText(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeText reverses [EncodeText]. Malformed input yields a *[DecodeError].
func DecodeText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64 payload", Len: len(s), Err: err}
	}
	return b, nil
}
