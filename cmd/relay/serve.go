package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/voice-relay/internal/archive"
	"github.com/hubenschmidt/voice-relay/internal/audio"
	"github.com/hubenschmidt/voice-relay/internal/bridge"
	"github.com/hubenschmidt/voice-relay/internal/prompts"
	"github.com/hubenschmidt/voice-relay/internal/tools"
	"github.com/hubenschmidt/voice-relay/internal/transcript"
	"github.com/hubenschmidt/voice-relay/internal/upstream"
	"github.com/hubenschmidt/voice-relay/internal/ws"
)

func newServeCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if port != "" {
				cfg.port = port
			}
			setupLogging(cfg)
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "Listen port (overrides PORT)")
	return cmd
}

// checkResamplers builds one of each per-session pipeline so a broken rate
// table fails at startup instead of on the first call.
func checkResamplers() error {
	if _, err := audio.NewUplink(); err != nil {
		return fmt.Errorf("uplink resampler: %w", err)
	}
	if _, err := audio.NewDownlink(); err != nil {
		return fmt.Errorf("downlink resampler: %w", err)
	}
	return nil
}

func buildTools(cfg config, client *http.Client) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	err := tools.RegisterBuiltins(reg, tools.BuiltinConfig{
		Timezone:     cfg.calendarTimezone,
		BookingURL:   cfg.calendarURL,
		BookingToken: cfg.calendarToken,
		Client:       client,
	})
	if err != nil {
		return nil, fmt.Errorf("builtin tools: %w", err)
	}
	if cfg.toolsFile != "" {
		n, err := tools.LoadWebhookTools(cfg.toolsFile, reg, client)
		if err != nil {
			return nil, err
		}
		slog.Info("webhook tools loaded", "file", cfg.toolsFile, "count", n)
	}
	return reg, nil
}

func buildArchive(ctx context.Context, cfg config) (*archive.Options, error) {
	if !cfg.archiveEnabled {
		return nil, nil
	}
	opts := &archive.Options{
		Dir:        cfg.archiveDir,
		Bot:        cfg.botName,
		Format:     cfg.archiveFormat,
		SampleRate: audio.ClientRate,
	}
	if cfg.archiveS3Bucket != "" {
		up, err := archive.NewS3Uploader(ctx, cfg.archiveS3Bucket, cfg.archiveS3Prefix)
		if err != nil {
			return nil, err
		}
		opts.Uploader = up
		slog.Info("archive upload enabled", "bucket", cfg.archiveS3Bucket, "prefix", cfg.archiveS3Prefix)
	}
	slog.Info("archive enabled", "dir", cfg.archiveDir, "format", cfg.archiveFormat)
	return opts, nil
}

func serve(cfg config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := checkResamplers(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer, err := upstream.NewGeminiDialer(ctx, cfg.geminiAPIKey)
	if err != nil {
		return err
	}

	httpClient := tools.NewToolHTTPClient(cfg.httpPoolSize, cfg.toolTimeout)
	reg, err := buildTools(cfg, httpClient)
	if err != nil {
		return err
	}
	slog.Info("tools registered", "count", reg.Len())

	archiveOpts, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	var sink transcript.Sink
	var history sessionStore
	if cfg.transcriptDBURL != "" {
		store, err := transcript.Open(cfg.transcriptDBURL)
		if err != nil {
			return err
		}
		defer store.Close()
		sink, history = store, store
		slog.Info("transcript database enabled")
	}

	sessions := bridge.NewRegistry()
	// Sessions outlive the signal context so shutdown can close them in order.
	sessCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	handler := ws.NewHandler(sessCtx, ws.HandlerConfig{
		Bridge: bridge.Config{
			Dialer: dialer,
			Model:  cfg.geminiModel,
			Voice:  cfg.geminiVoice,
			Instructions: prompts.Resolver{
				Inline: cfg.systemInstruction,
				URL:    cfg.systemURL,
				File:   cfg.systemFile,
				Client: httpClient,
			},
			Nudge:    cfg.greetingNudge,
			Tools:    tools.NewDispatcher(reg, slog.Default()),
			Bot:      cfg.botName,
			Archive:  archiveOpts,
			Store:    sink,
			Registry: sessions,
		},
		MaxConcurrent: cfg.maxConcurrentCalls,
		WriteTimeout:  cfg.writeTimeout,
		PingInterval:  cfg.pingInterval,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		wsHandler: handler,
		sessions:  sessions,
		store:     history,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay starting", "addr", addr, "model", cfg.geminiModel, "max_concurrent", cfg.maxConcurrentCalls)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down", "live_sessions", sessions.Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer cancel()

	cancelSessions()
	sessions.CloseAll()
	if !sessions.Wait(shutdownCtx) {
		slog.Warn("sessions still open at shutdown deadline", "live_sessions", sessions.Count())
	}
	if err = srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	slog.Info("relay stopped")
	return nil
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, resamplers and the tool catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			setupLogging(cfg)
			if err := cfg.validate(); err != nil {
				return err
			}
			if err := checkResamplers(); err != nil {
				return err
			}
			reg, err := buildTools(cfg, tools.NewToolHTTPClient(1, cfg.toolTimeout))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok (model %s, max %d calls)\n", cfg.geminiModel, cfg.maxConcurrentCalls)
			for _, t := range reg.All() {
				fmt.Fprintf(out, "tool %-20s %s\n", t.Name(), t.Description())
			}
			return nil
		},
	}
}
