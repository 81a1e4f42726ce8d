package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roomloop/roomloop/internal/config"
	"github.com/roomloop/roomloop/internal/metrics"
	"github.com/roomloop/roomloop/internal/origin"
	"github.com/roomloop/roomloop/internal/rooms"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Server is the HTTP front door: room REST endpoints, the signaling websocket
// mount, and the operational endpoints (health, readiness, version, metrics).
type Server struct {
	log      *slog.Logger
	cfg      config.Config
	build    BuildInfo
	registry *rooms.Registry
	metrics  *metrics.Metrics
	policy   origin.Policy

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

// New assembles the server. signalingHandler serves the websocket endpoint;
// it runs outside the origin middleware because the upgrader applies the same
// origin policy itself.
func New(cfg config.Config, logger *slog.Logger, build BuildInfo, registry *rooms.Registry, m *metrics.Metrics, signalingHandler http.Handler) *Server {
	s := &Server{
		log:      logger,
		cfg:      cfg,
		build:    build,
		registry: registry,
		metrics:  m,
		policy:   origin.NewPolicy(cfg.AllowedOrigins),
		mux:      http.NewServeMux(),
	}

	s.registerRoutes(signalingHandler)

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No global read/write timeouts: the signaling websocket is long-lived
		// and manages its own deadlines.
	}

	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes(signalingHandler http.Handler) {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))

	s.mux.HandleFunc("POST /rooms", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		roomID := s.registry.Create()
		s.metrics.Inc(metrics.EventRoomCreated)
		s.log.Info("room created", "room_id", roomID)
		WriteJSON(w, http.StatusCreated, map[string]any{"roomId": roomID})
	}))

	s.mux.HandleFunc("GET /rooms/{id}", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		roomID := r.PathValue("id")
		n, ok := s.registry.Count(roomID)
		if !ok {
			WriteJSON(w, http.StatusNotFound, map[string]any{"error": "room not found"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "participants": n})
	}))

	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"iceServers": s.cfg.ICEServers})
	}))

	// Method-specific patterns never match OPTIONS, so browser preflights need
	// their own registrations to reach the origin policy.
	preflight := s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.mux.HandleFunc("OPTIONS /rooms", preflight)
	s.mux.HandleFunc("OPTIONS /rooms/{id}", preflight)
	s.mux.HandleFunc("OPTIONS /webrtc/ice", preflight)

	if signalingHandler != nil {
		s.mux.Handle("GET /ws", signalingHandler)
	}
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// websocket upgrader needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
