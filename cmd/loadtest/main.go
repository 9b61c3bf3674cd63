package main

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-relay/internal/audio"
)

type message struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid,omitempty"`
	Audio   string `json:"audio,omitempty"`
	Message string `json:"message,omitempty"`
}

func main() {
	relay := flag.String("relay", "ws://localhost:8000/ws", "relay WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent callers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	callLength := flag.Duration("call-length", 15*time.Second, "how long each call stays up")
	audioDir := flag.String("audio-dir", "/samples", "directory with caller audio (.wav, .ulaw, .alaw, .pcm at 8 kHz)")
	flag.Parse()

	clips := loadClips(*audioDir)
	if len(clips) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", *audioDir)
		clips = [][]byte{generateSyntheticAudio(3 * time.Second)}
	}

	fmt.Printf("Load test: %d concurrent calls for %s (%s per call)\n", *concurrency, *duration, *callLength)
	fmt.Printf("Relay: %s | Clips: %d\n\n", *relay, len(clips))

	var mu sync.Mutex
	var results []callResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				r := runCall(*relay, clips[rand.Intn(len(clips))], *callLength)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type callResult struct {
	success       bool
	greetingMs    float64 // init to first reply frame
	replyMs       float64 // end of caller speech to next reply onset
	framesIn      int
	interruptions int
	err           string
}

// reply tracks what the relay sends back during one call.
type reply struct {
	mu            sync.Mutex
	firstFrame    time.Time
	onsets        []time.Time
	frames        int
	interruptions int
	err           string
}

func runCall(url string, clip []byte, length time.Duration) callResult {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return callResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	start := time.Now()
	if err = writeJSON(conn, message{Type: "init", UUID: uuid.NewString()}); err != nil {
		return callResult{err: fmt.Sprintf("send init: %v", err)}
	}

	rep := &reply{}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readReplies(conn, rep)
	}()

	// Caller speaks the clip after a short pause for the greeting, then
	// stays silent until the call ends.
	time.Sleep(2 * time.Second)
	var speechEnd time.Time
	frames := append(splitFrames(clip), make([][]byte, int(length/(20*time.Millisecond)))...)
	for i, f := range frames {
		if f == nil {
			f = make([]byte, audio.FrameBytes)
		}
		if err = writeJSON(conn, message{Type: "audio", Audio: base64.StdEncoding.EncodeToString(f)}); err != nil {
			break
		}
		if speechEnd.IsZero() && (i+1 == len(frames) || frames[i+1] == nil) {
			speechEnd = time.Now()
		}
		time.Sleep(20 * time.Millisecond)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		conn.Close()
		<-readDone
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	r := callResult{framesIn: rep.frames, interruptions: rep.interruptions}
	if rep.err != "" {
		r.err = rep.err
		return r
	}
	if rep.firstFrame.IsZero() {
		r.err = "no audio received"
		return r
	}
	r.success = true
	r.greetingMs = float64(rep.firstFrame.Sub(start).Milliseconds())
	for _, on := range rep.onsets {
		if on.After(speechEnd) {
			r.replyMs = float64(on.Sub(speechEnd).Milliseconds())
			break
		}
	}
	return r
}

func readReplies(conn *websocket.Conn, rep *reply) {
	vad := audio.NewActivityDetector(audio.DefaultActivityConfig())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m message
		if err = json.Unmarshal(data, &m); err != nil {
			continue
		}
		now := time.Now()
		rep.mu.Lock()
		switch m.Type {
		case "audio":
			frame, err := base64.StdEncoding.DecodeString(m.Audio)
			if err == nil {
				rep.frames++
				if rep.firstFrame.IsZero() {
					rep.firstFrame = now
				}
				if vad.Push(frame) == audio.ActivityOnset {
					rep.onsets = append(rep.onsets, now)
				}
			}
		case "interruption":
			rep.interruptions++
		case "error":
			rep.err = "relay error: " + m.Message
		}
		rep.mu.Unlock()
	}
}

func writeJSON(conn *websocket.Conn, m message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func splitFrames(pcm []byte) [][]byte {
	var out [][]byte
	for i := 0; i < len(pcm); i += audio.FrameBytes {
		f := make([]byte, audio.FrameBytes)
		copy(f, pcm[i:min(i+audio.FrameBytes, len(pcm))])
		out = append(out, f)
	}
	return out
}

func generateSyntheticAudio(dur time.Duration) []byte {
	numSamples := int(dur.Seconds() * audio.ClientRate)
	buf := make([]byte, numSamples*2)

	for i := range numSamples {
		t := float64(i) / audio.ClientRate
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		val := int16(sample * math.MaxInt16)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(val))
	}
	return buf
}

var rawCodecs = map[string]audio.Codec{
	".ulaw": audio.CodecG711Ulaw,
	".alaw": audio.CodecG711Alaw,
	".pcm":  audio.CodecPCM,
}

// loadClips reads every usable file in dir as 8 kHz PCM16.
func loadClips(dir string) [][]byte {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var clips [][]byte
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		ext := strings.ToLower(filepath.Ext(e.Name()))
		var pcm []byte
		switch {
		case ext == ".wav":
			pcm, err = loadWAV(path)
		case rawCodecs[ext] != "":
			var data []byte
			if data, err = os.ReadFile(path); err == nil {
				pcm, err = audio.ToClientPCM(data, rawCodecs[ext], audio.ClientRate)
			}
		default:
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", path, err)
			continue
		}
		clips = append(clips, pcm)
	}
	return clips
}

func loadWAV(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("not a PCM wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}

	// Keep the first channel.
	ch := max(buf.Format.NumChannels, 1)
	mono := make([]byte, 0, len(buf.Data)/ch*2)
	for i := 0; i < len(buf.Data); i += ch {
		mono = binary.LittleEndian.AppendUint16(mono, uint16(int16(buf.Data[i])))
	}
	return audio.ToClientPCM(mono, audio.CodecPCM, buf.Format.SampleRate)
}

func printSummary(results []callResult) {
	var succeeded, failed, interruptions int
	var greetAll, replyAll, framesAll []float64
	errCounts := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errCounts[r.err]++
			continue
		}
		succeeded++
		interruptions += r.interruptions
		greetAll = append(greetAll, r.greetingMs)
		framesAll = append(framesAll, float64(r.framesIn))
		if r.replyMs > 0 {
			replyAll = append(replyAll, r.replyMs)
		}
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Calls completed: %d\n", succeeded)
	fmt.Printf("Calls failed:    %d\n", failed)
	fmt.Printf("Interruptions:   %d\n", interruptions)
	for msg, n := range errCounts {
		fmt.Printf("  %4d x %s\n", n, msg)
	}

	if len(greetAll) == 0 {
		fmt.Println("No successful calls to report metrics")
		return
	}

	fmt.Printf("\n%-9s %8s %8s %8s\n", "Metric", "p50", "p95", "p99")
	fmt.Printf("%-9s %6.0fms %6.0fms %6.0fms\n", "Greeting", percentile(greetAll, 50), percentile(greetAll, 95), percentile(greetAll, 99))
	if len(replyAll) > 0 {
		fmt.Printf("%-9s %6.0fms %6.0fms %6.0fms\n", "Reply", percentile(replyAll, 50), percentile(replyAll, 95), percentile(replyAll, 99))
	}
	fmt.Printf("%-9s %8.0f %8.0f %8.0f\n", "Frames", percentile(framesAll, 50), percentile(framesAll, 95), percentile(framesAll, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
