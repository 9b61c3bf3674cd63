package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidRate is returned when a resampler is built with a non-positive sample rate.
var ErrInvalidRate = errors.New("invalid sample rate")

const filterTaps = 31

// Resampler converts a mono PCM stream from one sample rate to another using
// linear interpolation with a windowed-sinc anti-aliasing filter.
//
// All conversion state (filter history, fractional read position, a carried
// odd byte) lives on the instance, so a stream cut at arbitrary points yields
// exactly the output of the uncut stream. An instance handles one direction
// and is not safe for concurrent use.
type Resampler struct {
	srcRate int
	dstRate int

	pre  *fir // before interpolation when downsampling
	post *fir // after interpolation when upsampling

	base     int64 // absolute index of pending[0]
	produced int64
	pending  []float32
	odd      []byte
}

// NewResampler builds a resampler from srcRate to dstRate.
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("resampler %d->%d: %w", srcRate, dstRate, ErrInvalidRate)
	}
	r := &Resampler{srcRate: srcRate, dstRate: dstRate}
	cutoff := float64(min(srcRate, dstRate)) / 2.0
	switch {
	case srcRate > dstRate:
		r.pre = newFIR(sincKernel(cutoff, float64(srcRate), filterTaps))
	case dstRate > srcRate:
		r.post = newFIR(sincKernel(cutoff, float64(dstRate), filterTaps))
	}
	return r, nil
}

// SourceRate returns the input sample rate.
func (r *Resampler) SourceRate() int { return r.srcRate }

// TargetRate returns the output sample rate.
func (r *Resampler) TargetRate() int { return r.dstRate }

// Process converts the next block of samples. Output samples whose source
// position is not yet covered by input are held back until the next call.
func (r *Resampler) Process(samples []float32) []float32 {
	if len(samples) == 0 {
		return nil
	}
	if r.srcRate == r.dstRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	if r.pre != nil {
		samples = r.pre.apply(samples)
	}
	r.pending = append(r.pending, samples...)
	end := r.base + int64(len(r.pending))

	src, dst := int64(r.srcRate), int64(r.dstRate)
	var out []float32
	for {
		pos := r.produced * src
		idx, rem := pos/dst, pos%dst
		if idx >= end || (rem != 0 && idx+1 >= end) {
			break
		}
		i := int(idx - r.base)
		s := r.pending[i]
		if rem != 0 {
			frac := float32(rem) / float32(dst)
			s = s*(1-frac) + r.pending[i+1]*frac
		}
		out = append(out, s)
		r.produced++
	}

	next := r.produced * src / dst
	if drop := int(next - r.base); drop > 0 {
		drop = min(drop, len(r.pending))
		r.pending = append(r.pending[:0], r.pending[drop:]...)
		r.base += int64(drop)
	}

	if r.post != nil {
		out = r.post.apply(out)
	}
	return out
}

// ProcessPCM16 converts a block of little-endian PCM16 bytes. An odd trailing
// byte is carried into the next call.
func (r *Resampler) ProcessPCM16(data []byte) []byte {
	if len(r.odd) > 0 {
		data = append(append([]byte{}, r.odd...), data...)
		r.odd = r.odd[:0]
	}
	if len(data)%2 == 1 {
		r.odd = append(r.odd, data[len(data)-1])
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil
	}
	return EncodePCM16(r.Process(DecodePCM16(data)))
}

// Reset discards all carried state so the next call starts a fresh stream.
func (r *Resampler) Reset() {
	r.base = 0
	r.produced = 0
	r.pending = nil
	r.odd = nil
	if r.pre != nil {
		r.pre.reset()
	}
	if r.post != nil {
		r.post.reset()
	}
}

// fir is a causal FIR filter whose history spans calls.
type fir struct {
	kernel []float32
	hist   []float32
}

func newFIR(kernel []float32) *fir {
	return &fir{kernel: kernel, hist: make([]float32, len(kernel)-1)}
}

func (f *fir) apply(in []float32) []float32 {
	n := len(f.hist)
	ext := make([]float32, n+len(in))
	copy(ext, f.hist)
	copy(ext[n:], in)

	out := make([]float32, len(in))
	for i := range in {
		var sum float32
		for k, c := range f.kernel {
			sum += c * ext[n+i-k]
		}
		out[i] = sum
	}

	copy(f.hist, ext[len(ext)-n:])
	return out
}

func (f *fir) reset() {
	clear(f.hist)
}

// sincKernel generates a normalized windowed-sinc FIR kernel using a Blackman window.
func sincKernel(cutoff, sampleRate float64, taps int) []float32 {
	fc := cutoff / sampleRate
	half := taps / 2
	kernel := make([]float32, taps)

	var sum float64
	for i := range taps {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2.0 * math.Pi * fc * n
			sinc = math.Sin(x) / x
		}
		// Blackman window
		w := 0.42 - 0.5*math.Cos(2.0*math.Pi*float64(i)/float64(taps-1)) +
			0.08*math.Cos(4.0*math.Pi*float64(i)/float64(taps-1))
		val := sinc * w
		kernel[i] = float32(val)
		sum += val
	}

	// Normalize so kernel sums to 1 (unity gain at DC).
	scale := float32(1.0 / sum)
	for i := range kernel {
		kernel[i] *= scale
	}

	return kernel
}
