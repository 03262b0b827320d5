// Package api implements the gateway's HTTP surface.
//
// Routes:
//
//	GET /api/v1/status      — connection state and active capture
//	GET /api/v1/captures    — capture history (paginated)
//	GET /api/v1/events      — WebSocket live event stream
//	GET /metrics            — Prometheus scrape endpoint
//
// Framework: standard library net/http mux with gorilla/websocket for the
// event stream.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kestrelaudio/kestrel/internal/bus"
	"github.com/kestrelaudio/kestrel/internal/capture"
	"github.com/kestrelaudio/kestrel/internal/central"
)

// StatusProvider exposes the controller's presentation snapshot.
type StatusProvider interface {
	Status() central.Status
}

// CaptureLister exposes capture history, newest first.
type CaptureLister interface {
	List(limit int) ([]*capture.Record, error)
}

// EventBus is the subset of the gateway event bus the API needs.
type EventBus interface {
	Subscribe() (<-chan bus.Event, func())
	Len() int
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	controller StatusProvider
	captures   CaptureLister
	bus        EventBus
	log        *zap.Logger
	started    time.Time
}

// NewRouter wires the routes and returns an http.Handler.
func NewRouter(
	controller StatusProvider,
	captures CaptureLister,
	eb EventBus,
	log *zap.Logger,
) http.Handler {
	s := &Server{
		controller: controller,
		captures:   captures,
		bus:        eb,
		log:        log,
		started:    time.Now().UTC(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/captures", s.listCaptures)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	mux.Handle("GET /metrics", promhttp.Handler())

	return withLogging(log, mux)
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := s.controller.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection":  st,
		"time":        time.Now().UTC().Format(time.RFC3339),
		"uptime_s":    int64(time.Since(s.started).Seconds()),
		"subscribers": s.bus.Len(),
	})
}

// ── Captures ──────────────────────────────────────────────────────────────

func (s *Server) listCaptures(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recs, err := s.captures.List(limit)
	if err != nil {
		s.log.Error("api: list captures", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"captures": recs,
		"count":    len(recs),
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the WebSocket upgrade working through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d–%d", key, min, max)
	}
	return n, nil
}
