package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-relay/internal/archive"
	"github.com/hubenschmidt/voice-relay/internal/env"
	"github.com/hubenschmidt/voice-relay/internal/prompts"
)

type config struct {
	port               string
	logLevel           string
	geminiAPIKey       string
	geminiModel        string
	geminiVoice        string
	systemInstruction  string
	systemURL          string
	systemFile         string
	greetingNudge      string
	botName            string
	maxConcurrentCalls int
	writeTimeout       time.Duration
	pingInterval       time.Duration
	httpPoolSize       int
	toolTimeout        time.Duration
	toolsFile          string
	calendarURL        string
	calendarToken      string
	calendarTimezone   string
	archiveEnabled     bool
	archiveDir         string
	archiveFormat      archive.Format
	archiveS3Bucket    string
	archiveS3Prefix    string
	transcriptDBURL    string
	shutdownTimeout    time.Duration
}

func loadConfig() config {
	return config{
		port:               env.Str("PORT", "8000"),
		logLevel:           env.Str("LOG_LEVEL", "info"),
		geminiAPIKey:       env.Str("GEMINI_API_KEY", ""),
		geminiModel:        env.Str("GEMINI_MODEL", "gemini-live-2.5-flash-preview"),
		geminiVoice:        env.Str("GEMINI_VOICE", ""),
		systemInstruction:  env.Str("SYSTEM_INSTRUCTION", ""),
		systemURL:          env.Str("SYSTEM_INSTRUCTION_URL", ""),
		systemFile:         env.Str("SYSTEM_INSTRUCTION_FILE", ""),
		greetingNudge:      env.Str("GREETING_NUDGE", prompts.DefaultNudge),
		botName:            env.Str("BOT_NAME", "default"),
		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		writeTimeout:       env.Duration("WS_WRITE_TIMEOUT", 5*time.Second),
		pingInterval:       env.Duration("WS_PING_INTERVAL", 20*time.Second),
		httpPoolSize:       env.Int("HTTP_POOL_SIZE", 50),
		toolTimeout:        env.Duration("TOOL_TIMEOUT", 15*time.Second),
		toolsFile:          env.Str("TOOLS_FILE", ""),
		calendarURL:        env.Str("CALENDAR_BOOKING_URL", ""),
		calendarToken:      env.Str("CALENDAR_API_TOKEN", ""),
		calendarTimezone:   env.Str("CALENDAR_TIMEZONE", "UTC"),
		archiveEnabled:     env.Bool("ARCHIVE_ENABLED", false),
		archiveDir:         env.Str("ARCHIVE_DIR", "recordings"),
		archiveFormat:      archive.Format(strings.ToLower(env.Str("ARCHIVE_FORMAT", string(archive.FormatPCM)))),
		archiveS3Bucket:    env.Str("ARCHIVE_S3_BUCKET", ""),
		archiveS3Prefix:    env.Str("ARCHIVE_S3_PREFIX", ""),
		transcriptDBURL:    env.Str("TRANSCRIPT_DATABASE_URL", ""),
		shutdownTimeout:    env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// validate reports every problem at once so `relay check` can list them.
func (c config) validate() error {
	var errs []error
	if c.geminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required"))
	}
	if c.maxConcurrentCalls <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_CALLS must be positive, got %d", c.maxConcurrentCalls))
	}
	if c.archiveFormat != archive.FormatPCM && c.archiveFormat != archive.FormatWAV {
		errs = append(errs, fmt.Errorf("ARCHIVE_FORMAT must be pcm or wav, got %q", c.archiveFormat))
	}
	if c.archiveS3Bucket != "" && !c.archiveEnabled {
		errs = append(errs, errors.New("ARCHIVE_S3_BUCKET set but ARCHIVE_ENABLED is false"))
	}
	if _, err := time.LoadLocation(c.calendarTimezone); err != nil {
		errs = append(errs, fmt.Errorf("CALENDAR_TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

func (c config) slogLevel() slog.Level {
	switch strings.ToLower(c.logLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
