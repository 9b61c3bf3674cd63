package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/voice-relay/internal/bridge"
	"github.com/hubenschmidt/voice-relay/internal/transcript"
)

// defaultSessionLimit is how many stored sessions are returned when the
// caller omits ?limit=.
const defaultSessionLimit = 20

type sessionStore interface {
	ListSessions(limit, offset int) ([]transcript.Session, int, error)
	GetSession(id string) (*transcript.Session, []transcript.Entry, error)
}

type deps struct {
	wsHandler http.Handler
	sessions  *bridge.Registry
	store     sessionStore
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws", d.wsHandler)
	mux.Handle("/ws/call", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/sessions/live", d.handleLiveSessions)
	registerSessionRoutes(mux, d.store)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleLiveSessions(w http.ResponseWriter, r *http.Request) {
	live := d.sessions.List()
	if live == nil {
		live = []bridge.Info{}
	}
	writeJSON(w, map[string]interface{}{"sessions": live, "total": len(live)})
}

func registerSessionRoutes(mux *http.ServeMux, store sessionStore) {
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "transcript database disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(limit, offset)
		if err != nil {
			slog.Error("list sessions", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "transcript database disabled", http.StatusNotFound)
			return
		}
		sess, entries, err := store.GetSession(r.PathValue("id"))
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("get session", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{"session": sess, "entries": entries})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
