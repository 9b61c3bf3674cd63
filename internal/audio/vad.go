package audio

import (
	"math"
	"time"
)

// ActivityConfig controls the energy-based speech detector.
type ActivityConfig struct {
	SpeechThresholdDB float64
	// Hangover is how long energy must stay below the threshold before
	// speech is considered over.
	Hangover   time.Duration
	SampleRate int
}

// DefaultActivityConfig suits 8 kHz telephony audio.
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		SpeechThresholdDB: -35,
		Hangover:          400 * time.Millisecond,
		SampleRate:        ClientRate,
	}
}

// Activity is what a detector reports for one chunk.
type Activity int

const (
	ActivityNone Activity = iota
	ActivityOnset
	ActivityOffset
)

// ActivityDetector tracks speech onsets and offsets on a PCM16 stream.
// Time is measured in audio duration, not wall clock, so results do not
// depend on delivery jitter.
type ActivityDetector struct {
	cfg      ActivityConfig
	speaking bool
	silence  time.Duration
}

// NewActivityDetector creates a detector.
func NewActivityDetector(cfg ActivityConfig) *ActivityDetector {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = ClientRate
	}
	return &ActivityDetector{cfg: cfg}
}

// Speaking reports whether the detector is inside a speech segment.
func (d *ActivityDetector) Speaking() bool { return d.speaking }

// Push feeds one PCM16 chunk.
func (d *ActivityDetector) Push(pcm []byte) Activity {
	samples := DecodePCM16(pcm)
	dur := time.Duration(len(samples)) * time.Second / time.Duration(d.cfg.SampleRate)

	if EnergyDB(samples) >= d.cfg.SpeechThresholdDB {
		d.silence = 0
		if !d.speaking {
			d.speaking = true
			return ActivityOnset
		}
		return ActivityNone
	}

	if !d.speaking {
		return ActivityNone
	}
	d.silence += dur
	if d.silence < d.cfg.Hangover {
		return ActivityNone
	}
	d.speaking = false
	d.silence = 0
	return ActivityOffset
}

// EnergyDB returns the RMS level of samples in dBFS, -100 for silence.
func EnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
