package audio

import "time"

const (
	// ClientRate is the narrowband rate spoken by telephony/browser callers.
	ClientRate = 8000
	// UpstreamInputRate is the rate the speech model expects for caller audio.
	UpstreamInputRate = 16000
	// UpstreamOutputRate is the rate the speech model produces.
	UpstreamOutputRate = 24000

	FrameMillis   = 20
	FrameDuration = FrameMillis * time.Millisecond
	FrameSamples  = ClientRate * FrameMillis / 1000
	FrameBytes    = FrameSamples * 2
)

// Framer accumulates PCM16 bytes and slices them into fixed-size frames.
// Bytes that do not fill a frame stay buffered for the next Push.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer creates a framer emitting frames of frameBytes bytes.
func NewFramer(frameBytes int) *Framer {
	if frameBytes <= 0 {
		frameBytes = FrameBytes
	}
	return &Framer{size: frameBytes, buf: make([]byte, 0, frameBytes*4)}
}

// Push appends data and returns every complete frame, oldest first.
// Returned frames do not alias the internal buffer.
func (f *Framer) Push(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	f.buf = append(f.buf, data...)
	if len(f.buf) < f.size {
		return nil
	}

	n := len(f.buf) / f.size
	frames := make([][]byte, n)
	for i := range n {
		frame := make([]byte, f.size)
		copy(frame, f.buf[i*f.size:])
		frames[i] = frame
	}
	f.buf = append(f.buf[:0], f.buf[n*f.size:]...)
	return frames
}

// Buffered returns the number of bytes waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset drops any buffered partial frame.
func (f *Framer) Reset() { f.buf = f.buf[:0] }

// FrameSize returns the fixed frame length in bytes.
func (f *Framer) FrameSize() int { return f.size }
