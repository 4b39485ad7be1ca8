// Package web serves the admin HTTP surface: Prometheus metrics, health,
// active-alert inspection, manual clears, and rule reload.
//
// Routes:
//
//	GET  /healthz                              liveness probe
//	GET  /metrics                              Prometheus exposition
//	GET  /api/v1/alerts                        active alert records
//	POST /api/v1/alerts/{fingerprint}/clear    resolve one alert now
//	GET  /api/v1/rules                         loaded rule summary
//	POST /api/v1/rules/reload                  re-read the rule file
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/model"

	"github.com/Kek5chen/snmp-trap-alertmanager/models"
	"github.com/Kek5chen/snmp-trap-alertmanager/rules"
	"github.com/Kek5chen/snmp-trap-alertmanager/tracker"
)

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the admin server.
type Config struct {
	// Addr is the listen address. Default ":9164".
	Addr string

	// ShutdownTimeout bounds graceful shutdown. Default 5s.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":9164"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// ─────────────────────────────────────────────────────────────────────────────
// Server
// ─────────────────────────────────────────────────────────────────────────────

// Server owns the admin HTTP listener.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracker *tracker.Tracker
	engine  *rules.Engine
	emit    func(models.OutboundAlert)

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	running bool
}

// New constructs the admin server. emit receives the resolved alert produced
// by a manual clear; nil drops it.
func New(cfg Config, tr *tracker.Tracker, engine *rules.Engine, emit func(models.OutboundAlert), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if emit == nil {
		emit = func(models.OutboundAlert) {}
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		tracker: tr,
		engine:  engine,
		emit:    emit,
	}
}

// Handler builds the chi router. Exposed so tests can drive it without a
// listening socket.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/{fingerprint}/clear", s.handleClear)
		r.Get("/rules", s.handleRules)
		r.Post("/rules/reload", s.handleReload)
	})
	return r
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("web: server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web: serve failed", "error", err.Error())
		}
	}()

	s.logger.Info("web: admin server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address after Start (useful with ":0").
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts the server down. Safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// ─────────────────────────────────────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	active := s.tracker.Active()
	if active == nil {
		active = []tracker.Record{}
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "fingerprint")
	fp, err := model.FingerprintFromString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid fingerprint")
		return
	}

	resolved, ok := s.tracker.Clear(fp, time.Now())
	if !ok {
		writeError(w, http.StatusNotFound, "no active alert with that fingerprint")
		return
	}
	s.emit(resolved)

	s.logger.Info("web: alert cleared manually", "fingerprint", raw)
	writeJSON(w, http.StatusOK, map[string]string{
		"fingerprint": raw,
		"state":       resolved.State.String(),
	})
}

// ruleSummary is the /api/v1/rules response shape.
type ruleSummary struct {
	Name     string `json:"name"`
	OID      string `json:"oid,omitempty"`
	Severity string `json:"severity,omitempty"`
	Clears   string `json:"clears,omitempty"`
	Enabled  bool   `json:"enabled"`
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	set := s.engine.Snapshot()

	summaries := make([]ruleSummary, 0, len(set.Rules))
	for _, rule := range set.Rules {
		sum := ruleSummary{
			Name:    rule.Name,
			Clears:  rule.Clears,
			Enabled: rule.IsEnabled(),
		}
		if rule.OID != "" {
			sum.OID = rule.OID
		} else {
			sum.OID = rule.OIDPrefix
		}
		if !rule.IsClearing() {
			sum.Severity = rule.Severity.String()
		}
		summaries = append(summaries, sum)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"loaded_at": set.LoadedAt,
		"rules":     summaries,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Reload(); err != nil {
		s.logger.Error("web: rule reload failed", "error", err.Error())
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	set := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"loaded_at": set.LoadedAt,
		"rules":     len(set.Rules),
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Response helpers
// ─────────────────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
