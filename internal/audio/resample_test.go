package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func sinePCM(samples, rate int, hz float64) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := math.Sin(2*math.Pi*hz*float64(i)/float64(rate)) * 0.4
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}

func TestNewResampler_InvalidRate(t *testing.T) {
	for _, tc := range []struct{ src, dst int }{{0, 8000}, {8000, 0}, {-1, 16000}} {
		if _, err := NewResampler(tc.src, tc.dst); !errors.Is(err, ErrInvalidRate) {
			t.Fatalf("NewResampler(%d, %d) err=%v, want ErrInvalidRate", tc.src, tc.dst, err)
		}
	}
}

func TestResampler_DownsampleLength(t *testing.T) {
	rs, err := NewResampler(24000, 8000)
	if err != nil {
		t.Fatal(err)
	}
	out := rs.Process(make([]float32, 600))
	if len(out) != 200 {
		t.Fatalf("got %d samples, want 200", len(out))
	}
}

func TestResampler_UpsampleCarriesPosition(t *testing.T) {
	rs, err := NewResampler(8000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for range 10 {
		total += len(rs.Process(make([]float32, 160)))
	}
	// One interpolated sample waits for the next input.
	if total != 2*1600-1 {
		t.Fatalf("got %d samples, want %d", total, 2*1600-1)
	}
}

func TestResampler_SplitInvariant(t *testing.T) {
	pairs := []struct{ src, dst int }{{24000, 8000}, {8000, 16000}, {16000, 24000}, {8000, 8000}}
	input := DecodePCM16(sinePCM(2400, 24000, 440))

	for _, p := range pairs {
		whole, _ := NewResampler(p.src, p.dst)
		want := whole.Process(input)

		for _, cut := range []int{1, 7, 333, 1199, 2399} {
			split, _ := NewResampler(p.src, p.dst)
			got := append(split.Process(input[:cut]), split.Process(input[cut:])...)
			if len(got) != len(want) {
				t.Fatalf("%d->%d cut=%d: len %d, want %d", p.src, p.dst, cut, len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("%d->%d cut=%d: sample %d differs: %v vs %v", p.src, p.dst, cut, i, got[i], want[i])
				}
			}
		}
	}
}

func TestResampler_ProcessPCM16CarriesOddByte(t *testing.T) {
	data := sinePCM(300, 24000, 300)

	whole, _ := NewResampler(24000, 8000)
	want := whole.ProcessPCM16(data)

	split, _ := NewResampler(24000, 8000)
	got := append(split.ProcessPCM16(data[:101]), split.ProcessPCM16(data[101:])...)
	if string(got) != string(want) {
		t.Fatalf("odd-byte split changed output: %d bytes vs %d", len(got), len(want))
	}
}

func TestResampler_EmptyInput(t *testing.T) {
	rs, _ := NewResampler(24000, 8000)
	if out := rs.Process(nil); out != nil {
		t.Fatalf("expected nil for empty input, got %d samples", len(out))
	}
	if out := rs.ProcessPCM16([]byte{}); out != nil {
		t.Fatalf("expected nil for empty input, got %d bytes", len(out))
	}
}

func TestResampler_DCGainPreserved(t *testing.T) {
	rs, _ := NewResampler(24000, 8000)
	in := make([]float32, 2400)
	for i := range in {
		in[i] = 0.5
	}
	out := rs.Process(in)
	// Skip the filter warm-up.
	for i := 20; i < len(out); i++ {
		if math.Abs(float64(out[i]-0.5)) > 1e-3 {
			t.Fatalf("sample %d = %v, want ~0.5", i, out[i])
		}
	}
}

func TestResampler_Reset(t *testing.T) {
	rs, _ := NewResampler(24000, 8000)
	input := DecodePCM16(sinePCM(600, 24000, 440))
	first := rs.Process(input)
	rs.Process(input[:5])
	rs.Reset()
	again := rs.Process(input)
	if len(again) != len(first) {
		t.Fatalf("len after reset %d, want %d", len(again), len(first))
	}
	for i := range first {
		if first[i] != again[i] {
			t.Fatalf("sample %d differs after reset", i)
		}
	}
}

func TestEncodeDecodePCM16(t *testing.T) {
	in := []int16{0, 1, -1, 1000, -1000, math.MaxInt16, -math.MaxInt16}
	buf := make([]byte, len(in)*2)
	for i, v := range in {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	out := EncodePCM16(DecodePCM16(buf))
	if string(out) != string(buf) {
		t.Fatalf("round trip changed samples")
	}
}
