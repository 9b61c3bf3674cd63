// Package archive records per-session call audio and the transcript log under
// <dir>/<YYYY-MM-DD>/<bot>/<session>/.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hubenschmidt/voice-relay/internal/transcript"
)

// Format selects the on-disk audio encoding.
type Format string

const (
	FormatPCM Format = "pcm"
	FormatWAV Format = "wav"
)

const (
	transcriptFile = "transcript.log"
	uploadTimeout  = 60 * time.Second
	defaultBot     = "default"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Uploader copies a finished archive file to remote storage.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) error
}

// Options configures recorders.
type Options struct {
	Dir        string
	Bot        string
	Format     Format
	SampleRate int
	Uploader   Uploader
	Now        func() time.Time
	Logger     *slog.Logger
}

type chunk struct {
	speaker transcript.Speaker
	pcm     []byte
}

// Recorder appends one session's audio to per-speaker files. Writes happen on
// a background goroutine. Append and Close must be called from the same
// goroutine. All methods are nil-safe.
type Recorder struct {
	opts  Options
	dir   string
	key   string // remote key prefix
	log   *slog.Logger
	ch    chan chunk
	done  chan struct{}
	once  sync.Once
	err   error
	mu    sync.Mutex
	sinks map[transcript.Speaker]sink
}

// Open creates the session directory and starts the writer.
func Open(opts Options, sessionID string) (*Recorder, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Format == "" {
		opts.Format = FormatPCM
	}
	if opts.Format != FormatPCM && opts.Format != FormatWAV {
		return nil, fmt.Errorf("archive: unknown format %q", opts.Format)
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 8000
	}
	bot := SafeName(opts.Bot)
	if bot == "" {
		bot = defaultBot
	}
	date := opts.Now().UTC().Format(time.DateOnly)
	sess := SafeName(sessionID)
	if sess == "" {
		return nil, fmt.Errorf("archive: session id %q has no usable characters", sessionID)
	}

	dir := filepath.Join(opts.Dir, date, bot, sess)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive mkdir: %w", err)
	}
	r := &Recorder{
		opts:  opts,
		dir:   dir,
		key:   path.Join(date, bot, sess),
		log:   opts.Logger.With("session_id", sessionID),
		ch:    make(chan chunk, 256),
		done:  make(chan struct{}),
		sinks: make(map[transcript.Speaker]sink),
	}
	go r.drain()
	return r, nil
}

// SafeName strips characters that are not safe in a single path element.
func SafeName(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	return strings.Trim(s, "._")
}

// Dir returns the session directory.
func (r *Recorder) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// Append queues a copy of pcm for speaker.
func (r *Recorder) Append(speaker transcript.Speaker, pcm []byte) {
	if r == nil || len(pcm) == 0 {
		return
	}
	r.ch <- chunk{speaker: speaker, pcm: append([]byte(nil), pcm...)}
}

// OpenFiles returns the number of audio files currently held open.
func (r *Recorder) OpenFiles() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

func (r *Recorder) drain() {
	defer close(r.done)
	for c := range r.ch {
		r.write(c)
	}
}

func (r *Recorder) write(c chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[c.speaker]
	if !ok {
		var err error
		s, err = r.openSink(c.speaker)
		if err != nil {
			r.log.Warn("archive open failed", "speaker", c.speaker, "error", err)
			return
		}
		r.sinks[c.speaker] = s
	}
	if err := s.Write(c.pcm); err != nil {
		r.log.Warn("archive write failed", "speaker", c.speaker, "error", err)
	}
}

func (r *Recorder) openSink(speaker transcript.Speaker) (sink, error) {
	name := filepath.Join(r.dir, strings.ToLower(string(speaker))+"."+string(r.opts.Format))
	if r.opts.Format == FormatWAV {
		prior, err := readWAVSamples(name)
		if err != nil {
			return nil, err
		}
		f, err := os.Create(name)
		if err != nil {
			return nil, err
		}
		s := newWAVSink(f, r.opts.SampleRate)
		if err = s.carry(prior); err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &pcmSink{f: f}, nil
}

// Close drains pending audio, closes every file, writes the transcript log
// and uploads the session directory when an Uploader is set. Only the first
// call does any work; later calls return the first result.
func (r *Recorder) Close(entries []transcript.Entry) error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		close(r.ch)
		<-r.done
		r.err = r.finish(entries)
	})
	return r.err
}

func (r *Recorder) finish(entries []transcript.Entry) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.mu.Lock()
	for speaker, s := range r.sinks {
		if err := s.Close(); err != nil {
			r.log.Warn("archive close failed", "speaker", speaker, "error", err)
			keep(err)
		}
		delete(r.sinks, speaker)
	}
	r.mu.Unlock()

	logPath := filepath.Join(r.dir, transcriptFile)
	if err := os.WriteFile(logPath, []byte(transcript.Format(entries)), 0o644); err != nil {
		r.log.Warn("transcript log write failed", "error", err)
		keep(err)
	}

	if r.opts.Uploader != nil {
		keep(r.upload())
	}
	return firstErr
}

func (r *Recorder) upload() error {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	files, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("archive upload: %w", err)
	}
	var firstErr error
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		key := path.Join(r.key, f.Name())
		if err = r.opts.Uploader.Upload(ctx, key, filepath.Join(r.dir, f.Name())); err != nil {
			r.log.Warn("archive upload failed", "key", key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
