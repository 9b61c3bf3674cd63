package audio

import "fmt"

// Downlink converts model audio to caller frames: resample then frame.
type Downlink struct {
	rs *Resampler
	fr *Framer
}

// NewDownlink builds the model→caller path (24 kHz → 8 kHz, 20 ms frames).
func NewDownlink() (*Downlink, error) {
	rs, err := NewResampler(UpstreamOutputRate, ClientRate)
	if err != nil {
		return nil, fmt.Errorf("downlink: %w", err)
	}
	return &Downlink{rs: rs, fr: NewFramer(FrameBytes)}, nil
}

// Process converts one chunk of model PCM16 and returns the complete frames it yields, in order.
func (d *Downlink) Process(pcm []byte) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	return d.fr.Push(d.rs.ProcessPCM16(pcm))
}

// Buffered returns the number of converted bytes waiting for a full frame.
func (d *Downlink) Buffered() int { return d.fr.Buffered() }

// Reset discards buffered samples and converter history, e.g. on barge-in.
func (d *Downlink) Reset() {
	d.fr.Reset()
	d.rs.Reset()
}

// Uplink converts caller audio for the model (8 kHz → 16 kHz). Output is
// variable length; no framing is applied. Interpolation needs one sample of
// lookahead, so the last output sample of each chunk is emitted with the
// next chunk: 160 samples in yields 319 out the first time, 320 after.
type Uplink struct {
	rs *Resampler
}

// NewUplink builds the caller→model path.
func NewUplink() (*Uplink, error) {
	rs, err := NewResampler(ClientRate, UpstreamInputRate)
	if err != nil {
		return nil, fmt.Errorf("uplink: %w", err)
	}
	return &Uplink{rs: rs}, nil
}

// Process converts one chunk of caller PCM16.
func (u *Uplink) Process(pcm []byte) []byte {
	if len(pcm) == 0 {
		return nil
	}
	return u.rs.ProcessPCM16(pcm)
}
