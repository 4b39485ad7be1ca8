// Package app wires the trap pipeline together and manages its lifecycle.
//
// Pipeline:
//
//	Listener → [rawCh] → workers: Decode → Normalize → Match → Track
//	                                                              │
//	                              audit sink ←── emit ──→ Dispatcher → Alertmanager
//
// A sweep goroutine resolves alerts whose resolve timeout has elapsed, a
// watch goroutine hot-reloads the rule file, and the admin HTTP server
// exposes metrics, active alerts, and manual clears.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/Kek5chen/snmp-trap-alertmanager/metrics"
	"github.com/Kek5chen/snmp-trap-alertmanager/models"
	"github.com/Kek5chen/snmp-trap-alertmanager/oidnames"
	"github.com/Kek5chen/snmp-trap-alertmanager/pkg/trapalertd/config"
	"github.com/Kek5chen/snmp-trap-alertmanager/pkg/trapalertd/listener"
	"github.com/Kek5chen/snmp-trap-alertmanager/pkg/trapalertd/web"
	"github.com/Kek5chen/snmp-trap-alertmanager/render"
	"github.com/Kek5chen/snmp-trap-alertmanager/rules"
	"github.com/Kek5chen/snmp-trap-alertmanager/snmp/decoder"
	"github.com/Kek5chen/snmp-trap-alertmanager/snmp/trap"
	"github.com/Kek5chen/snmp-trap-alertmanager/tracker"
	"github.com/Kek5chen/snmp-trap-alertmanager/transport/alertmanager"
	"github.com/Kek5chen/snmp-trap-alertmanager/transport/audit"
)

// ─────────────────────────────────────────────────────────────────────────────
// App
// ─────────────────────────────────────────────────────────────────────────────

// App orchestrates the full trap-to-alert pipeline. Create one with New,
// start it with Start, and stop it with Stop.
type App struct {
	cfg    config.Settings
	logger *slog.Logger

	// Pipeline components.
	listener   *listener.Listener
	dec        *decoder.Decoder
	norm       *trap.Normalizer
	engine     *rules.Engine
	tracker    *tracker.Tracker
	dispatcher *alertmanager.Dispatcher
	auditSink  *audit.Sink
	web        *web.Server

	// Lifecycle.
	cancel   context.CancelFunc
	workerWg sync.WaitGroup // pipeline workers draining the listener
	bgWg     sync.WaitGroup // dispatcher, sweeper, rule watcher
}

// New constructs an App. It does not start anything — call Start for that.
func New(cfg config.Settings, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	// Component configs carry their own fallbacks; the worker count is the
	// one knob owned here.
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Start loads rule and lookup files, constructs all pipeline stages, and
// launches the goroutines that connect them. It returns an error when any
// file fails to load or the UDP listener cannot bind.
//
// The caller must eventually call Stop to release resources.
func (a *App) Start(ctx context.Context) error {
	// ── 1. Load lookup files ────────────────────────────────────────────
	names := oidnames.New()
	if a.cfg.OIDNamesFile != "" {
		var err error
		if names, err = oidnames.Load(a.cfg.OIDNamesFile); err != nil {
			return fmt.Errorf("app: load oid names: %w", err)
		}
		a.logger.Info("app: oid name table loaded",
			"path", a.cfg.OIDNamesFile, "entries", names.Len())
	}

	var enrichments []*render.Enrichment
	if a.cfg.EnrichmentsFile != "" {
		var err error
		if enrichments, err = render.LoadEnrichments(a.cfg.EnrichmentsFile); err != nil {
			return fmt.Errorf("app: load enrichments: %w", err)
		}
		a.logger.Info("app: enrichments loaded",
			"path", a.cfg.EnrichmentsFile, "entries", len(enrichments))
	}

	engine, err := rules.NewEngine(a.cfg.RulesFile, a.logger)
	if err != nil {
		return fmt.Errorf("app: load rules: %w", err)
	}
	a.engine = engine

	// ── 2. Build pipeline components (reverse order: sink → source) ─────
	client, err := alertmanager.NewClient(alertmanager.ClientConfig{
		URL:          a.cfg.AlertmanagerURL,
		GeneratorURL: a.cfg.GeneratorURL,
		Timeout:      a.cfg.HTTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("app: alertmanager client: %w", err)
	}
	a.dispatcher = alertmanager.NewDispatcher(alertmanager.Config{
		BatchSize:    a.cfg.BatchSize,
		BatchDelay:   a.cfg.BatchDelay,
		MaxRetries:   a.cfg.MaxRetries,
		QueueSize:    a.cfg.DispatchQueueSize,
		OverflowSize: a.cfg.OverflowSize,
	}, client, a.logger)

	if a.cfg.AuditFile != "" {
		a.auditSink, err = audit.Open(audit.RotateConfig{
			FilePath:   a.cfg.AuditFile,
			MaxBytes:   a.cfg.AuditMaxBytes,
			MaxBackups: a.cfg.AuditMaxBackups,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("app: open audit sink: %w", err)
		}
		a.logger.Info("app: audit sink enabled", "path", a.cfg.AuditFile)
	}

	renderer := render.New(render.Config{
		CommunityLabel:    a.cfg.CommunityLabel,
		SkipVarbindLabels: a.cfg.SkipVarbindLabels,
		KeepLabelAffixes:  a.cfg.KeepLabelAffixes,
	}, names, enrichments, a.logger)

	a.tracker = tracker.New(tracker.Config{
		Shards:        a.cfg.TrackerShards,
		SweepInterval: a.cfg.SweepInterval,
	}, renderer, a.logger)

	a.dec, err = decoder.New(decoder.Config{
		Community:   a.cfg.Community,
		MaxVarbinds: a.cfg.MaxVarbinds,
		V3Users:     decoderUsers(a.cfg.V3Users),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: decoder: %w", err)
	}
	a.norm = trap.New(a.logger)

	a.listener = listener.New(listener.Config{
		ListenAddr: a.cfg.ListenAddr,
		QueueSize:  a.cfg.QueueSize,
	}, a.logger)

	a.web = web.New(web.Config{Addr: a.cfg.WebAddr}, a.tracker, a.engine, a.emit, a.logger)

	// ── 3. Create a cancellable context for the background goroutines ───
	pipeCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// ── 4. Start background goroutines (sink side first) ────────────────
	a.bgWg.Add(1)
	go func() {
		defer a.bgWg.Done()
		a.dispatcher.Run(pipeCtx)
	}()

	a.bgWg.Add(1)
	go func() {
		defer a.bgWg.Done()
		a.tracker.Run(pipeCtx, a.emit)
	}()

	if a.cfg.WatchRules {
		a.bgWg.Add(1)
		go func() {
			defer a.bgWg.Done()
			if err := a.engine.Watch(pipeCtx); err != nil {
				a.logger.Error("app: rule watch failed — hot reload disabled",
					"error", err.Error())
			}
		}()
	}

	// ── 5. Bind the listener and start the workers ──────────────────────
	if err := a.listener.Start(pipeCtx); err != nil {
		cancel()
		a.bgWg.Wait()
		if a.auditSink != nil {
			_ = a.auditSink.Close()
		}
		return fmt.Errorf("app: listener: %w", err)
	}
	for i := 0; i < a.cfg.Workers; i++ {
		a.workerWg.Add(1)
		go func() {
			defer a.workerWg.Done()
			a.worker()
		}()
	}

	// ── 6. Admin server (non-fatal: the pipeline runs without it) ───────
	if err := a.web.Start(); err != nil {
		a.logger.Error("app: admin server failed to start — continuing without it",
			"error", err.Error())
		a.web = nil
	}

	a.logger.Info("app: pipeline running",
		"listen_addr", a.listener.ListenAddr(),
		"workers", a.cfg.Workers,
		"rules", len(a.engine.Snapshot().Rules),
		"alertmanager_url", a.cfg.AlertmanagerURL,
	)
	return nil
}

// Stop performs a graceful shutdown.
//
// Shutdown order:
//  1. Stop the listener (closes its output channel).
//  2. Wait for the workers to drain the queued datagrams. The dispatcher is
//     still running, so late alerts are accepted.
//  3. Cancel the background context: the sweeper and watcher exit, the
//     dispatcher flushes its queue and overflow within the grace window.
//  4. Close the audit sink and the admin server.
func (a *App) Stop() {
	a.logger.Info("app: shutting down")

	if a.listener != nil {
		a.listener.Stop()
	}
	a.workerWg.Wait()

	if a.cancel != nil {
		a.cancel()
	}
	a.bgWg.Wait()

	if a.auditSink != nil {
		if err := a.auditSink.Close(); err != nil {
			a.logger.Error("app: audit close error", "error", err.Error())
		}
	}
	if a.web != nil {
		if err := a.web.Stop(); err != nil {
			a.logger.Error("app: admin server stop error", "error", err.Error())
		}
	}

	a.logger.Info("app: shutdown complete")
}

// Reload re-reads the rule file. Alerts already open keep the lifecycle
// parameters they were created with.
func (a *App) Reload() error {
	return a.engine.Reload()
}

// Tracker exposes the alert tracker; used by tests.
func (a *App) Tracker() *tracker.Tracker {
	return a.tracker
}

// ListenAddr returns the bound UDP address after Start.
func (a *App) ListenAddr() string {
	return a.listener.ListenAddr()
}

// WebAddr returns the bound admin HTTP address after Start, or "" when the
// admin server is disabled.
func (a *App) WebAddr() string {
	if a.web == nil {
		return ""
	}
	return a.web.Addr()
}

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline
// ─────────────────────────────────────────────────────────────────────────────

// worker drains raw datagrams until the listener's output channel closes.
func (a *App) worker() {
	for dgram := range a.listener.Output() {
		a.handle(dgram)
	}
}

func (a *App) handle(dgram models.RawDatagram) {
	pkt, err := a.dec.Decode(dgram.Data)
	if err != nil {
		category := string(decoder.CategoryOf(err))
		metrics.DecodeFailures.WithLabelValues(category).Inc()
		a.logger.Debug("app: decode failed",
			"source", dgram.Source.String(),
			"category", category,
			"error", err.Error(),
		)
		return
	}
	metrics.TrapsDecoded.WithLabelValues(versionLabel(pkt.Version)).Inc()

	t, err := a.norm.Normalize(pkt, dgram.Source, dgram.ReceivedAt)
	if err != nil {
		metrics.NormalizeFailures.Inc()
		a.logger.Warn("app: trap discarded",
			"source", dgram.Source.String(),
			"error", err.Error(),
		)
		return
	}

	matches := a.engine.Match(t)
	if len(matches) == 0 {
		a.logger.Debug("app: trap matched no rule",
			"trap_oid", t.TrapOID, "source", t.Source)
		return
	}

	now := time.Now()
	for _, m := range matches {
		for _, alert := range a.tracker.Process(m, now) {
			a.emit(alert)
		}
	}
}

// emit hands one rendered alert to the audit sink and the dispatcher. The
// dispatcher call blocks when its queue is full; during shutdown it returns
// false and the alert is dropped with a warning.
func (a *App) emit(alert models.OutboundAlert) {
	if a.auditSink != nil {
		if err := a.auditSink.Log(alert); err != nil {
			a.logger.Error("app: audit write failed", "error", err.Error())
		}
	}
	if !a.dispatcher.Enqueue(alert) {
		a.logger.Warn("app: alert dropped, dispatcher stopped",
			"fingerprint", alert.Fingerprint.String())
	}
}

func versionLabel(v gosnmp.SnmpVersion) string {
	switch v {
	case gosnmp.Version1:
		return "1"
	case gosnmp.Version2c:
		return "2c"
	default:
		return "3"
	}
}

func decoderUsers(users []config.V3User) []decoder.V3User {
	out := make([]decoder.V3User, 0, len(users))
	for _, u := range users {
		out = append(out, decoder.V3User{
			Name:           u.Username,
			AuthProtocol:   u.AuthenticationProtocol,
			AuthPassphrase: u.AuthenticationPassphrase,
			PrivProtocol:   u.PrivacyProtocol,
			PrivPassphrase: u.PrivacyPassphrase,
		})
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
