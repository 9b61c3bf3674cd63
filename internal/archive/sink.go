package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type sink interface {
	Write(pcm []byte) error
	Close() error
}

type pcmSink struct {
	f *os.File
}

func (s *pcmSink) Write(pcm []byte) error {
	_, err := s.f.Write(pcm)
	return err
}

func (s *pcmSink) Close() error { return s.f.Close() }

// wavSink streams PCM16 mono into a WAV container. The header sizes are
// patched on Close, so the file is only valid once closed.
type wavSink struct {
	f   *os.File
	enc *wav.Encoder
	buf *goaudio.IntBuffer
	odd []byte
}

func newWAVSink(f *os.File, sampleRate int) *wavSink {
	return &wavSink{
		f:   f,
		enc: wav.NewEncoder(f, sampleRate, 16, 1, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}
}

func (s *wavSink) Write(pcm []byte) error {
	if len(s.odd) > 0 {
		pcm = append(s.odd, pcm...)
		s.odd = nil
	}
	n := len(pcm) / 2
	if len(pcm)%2 == 1 {
		s.odd = []byte{pcm[len(pcm)-1]}
	}
	if n == 0 {
		return nil
	}
	data := s.buf.Data[:0]
	for i := range n {
		data = append(data, int(int16(binary.LittleEndian.Uint16(pcm[2*i:]))))
	}
	s.buf.Data = data
	return s.enc.Write(s.buf)
}

// carry rewrites samples from an earlier recording at the start of the file,
// so a reused session id extends its WAV the way it extends a PCM file.
func (s *wavSink) carry(samples []int) error {
	if len(samples) == 0 {
		return nil
	}
	s.buf.Data = samples
	err := s.enc.Write(s.buf)
	s.buf.Data = nil
	return err
}

// readWAVSamples returns the samples of an existing recording at name. A
// missing file, or one left unfinished by a crash, yields nothing.
func readWAVSamples(name string) ([]int, error) {
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, nil
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, nil
	}
	return buf.Data, nil
}

func (s *wavSink) Close() error {
	encErr := s.enc.Close()
	fileErr := s.f.Close()
	if encErr != nil {
		return encErr
	}
	return fileErr
}
