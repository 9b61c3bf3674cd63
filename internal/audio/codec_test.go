package audio

import (
	"errors"
	"testing"
)

func TestG711_Silence(t *testing.T) {
	// 0xFF (mu-law) and 0xD5 (A-law) are the codes for zero.
	if ulawTable[0xFF] != 0 {
		t.Fatalf("ulaw 0xFF = %d", ulawTable[0xFF])
	}
	if alawTable[0xD5] != 8 {
		t.Fatalf("alaw 0xD5 = %d", alawTable[0xD5])
	}
}

func TestG711_FullScale(t *testing.T) {
	if ulawTable[0x00] != -32124 || ulawTable[0x80] != 32124 {
		t.Fatalf("ulaw extremes = %d / %d", ulawTable[0x00], ulawTable[0x80])
	}
	if alawTable[0xAA] != 32256 || alawTable[0x2A] != -32256 {
		t.Fatalf("alaw extremes = %d / %d", alawTable[0xAA], alawTable[0x2A])
	}
}

func TestDecode_UnknownCodec(t *testing.T) {
	if _, _, err := Decode([]byte{1}, Codec("opus"), 8000); err == nil {
		t.Fatalf("expected error")
	}
	if _, _, err := Decode([]byte{1, 2}, CodecPCM, 0); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("pcm without rate = %v", err)
	}
}

func TestToClientPCM(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		codec Codec
		rate  int
		want  int
	}{
		{"ulaw is already 8k", make([]byte, 160), CodecG711Ulaw, 0, 320},
		{"alaw is already 8k", make([]byte, 80), CodecG711Alaw, 0, 160},
		{"pcm 8k passthrough", sinePCM(160, 8000, 440), CodecPCM, 8000, 320},
		{"pcm 16k halves", sinePCM(1600, 16000, 440), CodecPCM, 16000, 1600},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ToClientPCM(tc.data, tc.codec, tc.rate)
			if err != nil {
				t.Fatal(err)
			}
			// The resampler may hold back a sample or two of lookahead.
			if len(out) > tc.want || len(out) < tc.want-4 {
				t.Fatalf("got %d bytes, want about %d", len(out), tc.want)
			}
		})
	}
}

func TestActivityDetector(t *testing.T) {
	d := NewActivityDetector(DefaultActivityConfig())
	silence := make([]byte, FrameBytes)
	tone := sinePCM(FrameSamples, ClientRate, 440)

	if a := d.Push(silence); a != ActivityNone {
		t.Fatalf("silence = %v", a)
	}
	if a := d.Push(tone); a != ActivityOnset {
		t.Fatalf("tone = %v, want onset", a)
	}
	if a := d.Push(tone); a != ActivityNone || !d.Speaking() {
		t.Fatalf("continued tone = %v", a)
	}

	// 400 ms hangover is 20 frames of 20 ms.
	var offsetAt int
	for i := 1; i <= 30; i++ {
		if d.Push(silence) == ActivityOffset {
			offsetAt = i
			break
		}
	}
	if offsetAt != 20 {
		t.Fatalf("offset after %d silent frames, want 20", offsetAt)
	}
	if d.Speaking() {
		t.Fatalf("still speaking after offset")
	}
}

func TestEnergyDB(t *testing.T) {
	if EnergyDB(nil) != -100 || EnergyDB(make([]float32, 10)) != -100 {
		t.Fatalf("silence should be -100 dB")
	}
	full := []float32{1, -1, 1, -1}
	if db := EnergyDB(full); db < -0.01 || db > 0.01 {
		t.Fatalf("full scale = %f dB", db)
	}
}
