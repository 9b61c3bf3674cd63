package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-relay/internal/bridge"
	"github.com/hubenschmidt/voice-relay/internal/metrics"
)

const defaultReadLimit = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds what every call session shares.
type HandlerConfig struct {
	Bridge        bridge.Config
	MaxConcurrent int
	ReadLimit     int64
	WriteTimeout  time.Duration
	PingInterval  time.Duration
}

// Handler manages WebSocket call sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
	ctx context.Context
}

// NewHandler creates a WebSocket handler. Sessions end when ctx is canceled.
func NewHandler(ctx context.Context, cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
		ctx: ctx,
	}
}

// ServeHTTP upgrades the connection and runs the call session.
// Returns 503 if at max concurrent call capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.CallsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.CallsActive.Inc()
	metrics.CallsTotal.Inc()
	defer metrics.CallsActive.Dec()

	h.runSession(conn)
}

func (h *Handler) runSession(conn *websocket.Conn) {
	log := slog.With("remote", conn.RemoteAddr().String())
	conn.SetReadLimit(h.cfg.ReadLimit)

	writer := newClientWriter(conn, h.cfg.WriteTimeout, h.cfg.PingInterval, log)
	go writer.Run()

	cfg := h.cfg.Bridge
	cfg.Logger = log
	sess := bridge.New(cfg, writer)
	go sess.Run(h.ctx)

	log.Info("call connected")
	readMessages(conn, sess, log)

	<-sess.Done()
	writer.Close()
	<-writer.done
	log.Info("call ended", "session_id", sess.ID())
}

// readMessages reads JSON text frames until the socket fails or the session
// is gone.
func readMessages(conn *websocket.Conn, sess *bridge.Session, log *slog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.ClientClosed(err)
				return
			}
			sess.ClientClosed(nil)
			return
		}

		if msgType != websocket.TextMessage {
			metrics.ProtocolErrors.WithLabelValues("binary_frame").Inc()
			log.Warn("non-text frame ignored", "type", msgType)
			continue
		}

		if err = dispatch(sess, data, log); errors.Is(err, bridge.ErrSessionClosed) {
			return
		}
	}
}
