package audio

import "fmt"

// Codec names an encoding a caller-side recording may arrive in.
type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// decoder holds a codec's decode function and its fixed output sample rate.
// A rate of 0 means "use the caller-supplied sampleRate" (PCM passthrough).
type decoder struct {
	fn   func([]byte) []float32
	rate int
}

var decoders = map[Codec]decoder{
	CodecPCM:      {fn: DecodePCM16, rate: 0},
	CodecG711Ulaw: {fn: decodeG711Ulaw, rate: ClientRate},
	CodecG711Alaw: {fn: decodeG711Alaw, rate: ClientRate},
}

// Decode converts encoded audio to float32 samples in [-1, 1] and reports
// their sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	if rate <= 0 {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidRate, rate)
	}
	return dec.fn(data), rate, nil
}

// ToClientPCM decodes data and converts it to the 8 kHz PCM16 the client
// protocol carries.
func ToClientPCM(data []byte, codec Codec, sampleRate int) ([]byte, error) {
	samples, rate, err := Decode(data, codec, sampleRate)
	if err != nil {
		return nil, err
	}
	if rate == ClientRate {
		return EncodePCM16(samples), nil
	}
	rs, err := NewResampler(rate, ClientRate)
	if err != nil {
		return nil, err
	}
	return EncodePCM16(rs.Process(samples)), nil
}
