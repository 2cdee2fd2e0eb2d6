// Package api provides the relay's HTTP surface: the websocket endpoint,
// identity registration, statistics and health probes.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentrelay/arc/pkg/protocol"
	"github.com/agentrelay/arc/relay/internal/config"
	"github.com/agentrelay/arc/relay/internal/metrics"
	"github.com/agentrelay/arc/relay/internal/registry"
	"github.com/agentrelay/arc/relay/internal/router"
	"github.com/agentrelay/arc/relay/internal/session"
	"github.com/agentrelay/arc/relay/internal/store"
	"github.com/agentrelay/arc/relay/internal/subscription"
)

// errRequestTooLarge is the error code for bodies over server.max_body_bytes.
const errRequestTooLarge = "request_too_large"

// Deps are the relay components the HTTP surface reads from.
type Deps struct {
	Registry *registry.Registry
	Sessions *session.Table
	Subs     *subscription.Index
	Store    store.Store
	Router   *router.Router
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // nil disables /metrics
}

// Server is the HTTP API server.
type Server struct {
	registry     *registry.Registry
	sessions     *session.Table
	subs         *subscription.Index
	store        store.Store
	metrics      *metrics.Metrics
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
}

// NewServer creates a new API server.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		registry:     d.Registry,
		sessions:     d.Sessions,
		subs:         d.Subs,
		store:        d.Store,
		metrics:      d.Metrics,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 64 * 1024
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(makeMetricsMiddleware(d.Metrics))
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket route (auth handled inside)
	path := cfg.Server.Path
	if path == "" {
		path = "/arc"
	}
	mux.Get(path, d.Router.HandleWS)

	mux.Post("/register", srv.handleRegister)
	mux.Get("/stats", srv.handleStats)
	mux.Get("/", srv.handleStats)

	if d.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Not found")
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errRequestTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidJSON, "Malformed JSON")
		return
	}

	// An empty body asks for a generated identity.
	var req protocol.RegisterRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.metrics.ObserveRegistration(protocol.CodeInvalidJSON)
			writeError(w, http.StatusBadRequest, protocol.CodeInvalidJSON, "Malformed JSON")
			return
		}
	}

	reg, err := s.registry.Register(r.Context(), req.AgentID)
	if err != nil {
		code := registry.Code(err)
		s.metrics.ObserveRegistration(code)
		switch code {
		case protocol.CodeInvalidIdentityFormat:
			writeError(w, http.StatusBadRequest, code, registry.ErrInvalidIdentityFormat.Error())
		case protocol.CodeIdentityTaken:
			writeError(w, http.StatusBadRequest, code, fmt.Sprintf("Agent ID %q is already registered", req.AgentID))
		default:
			s.logger.Error("registration failed", "desired", req.AgentID, "error", err)
			msg := "Registration failed"
			if errors.Is(err, registry.ErrGenerationExhausted) {
				msg = registry.ErrGenerationExhausted.Error()
			}
			writeError(w, http.StatusInternalServerError, code, msg)
		}
		return
	}

	s.metrics.ObserveRegistration("")
	writeJSON(w, http.StatusOK, protocol.RegisterResponse{AgentID: reg.Identity, Token: reg.Token})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	regStats := s.registry.Stats()
	writeJSON(w, http.StatusOK, protocol.Stats{
		Relay: protocol.RelayStats{
			Connected:     s.sessions.Count(),
			Agents:        s.sessions.Identities(),
			Subscriptions: s.subs.Edges(),
		},
		Registry: protocol.RegistryStats{
			Registered: regStats.Registered,
			Agents:     regStats.Agents,
		},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: code, Message: message})
}
