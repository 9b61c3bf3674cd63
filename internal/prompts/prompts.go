package prompts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

const DefaultSystem = "You are a helpful call center agent. Keep responses concise and conversational."

// DefaultNudge is sent upstream once the live session opens so the model
// speaks first.
const DefaultNudge = "The caller has joined. Greet them."

const maxPromptBytes = 256 << 10

// Source names where a system instruction came from.
type Source string

const (
	SourceInline  Source = "inline"
	SourceURL     Source = "url"
	SourceFile    Source = "file"
	SourceDefault Source = "default"
)

// Resolver picks the system instruction for a call. The first configured
// source that yields non-empty text wins: inline, then URL, then file.
type Resolver struct {
	Inline string
	URL    string
	File   string
	Client *http.Client
}

// Resolve returns the instruction and where it came from. Failing sources are
// logged and skipped.
func (r Resolver) Resolve(ctx context.Context) (string, Source) {
	if s := strings.TrimSpace(r.Inline); s != "" {
		return s, SourceInline
	}
	if r.URL != "" {
		s, err := r.fetch(ctx)
		if err == nil && s != "" {
			return s, SourceURL
		}
		slog.Warn("system instruction url unusable", "url", r.URL, "error", err)
	}
	if r.File != "" {
		data, err := os.ReadFile(r.File)
		if s := strings.TrimSpace(string(data)); err == nil && s != "" {
			return s, SourceFile
		}
		slog.Warn("system instruction file unusable", "path", r.File, "error", err)
	}
	return DefaultSystem, SourceDefault
}

func (r Resolver) fetch(ctx context.Context) (string, error) {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return "", fmt.Errorf("prompt request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("prompt fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("prompt fetch: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPromptBytes))
	if err != nil {
		return "", fmt.Errorf("prompt read: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
