// Package audit appends every outbound alert to a local JSON Lines file.
//
// The sink sits beside the Alertmanager dispatcher: the application hands
// each rendered alert to both, so the audit file is a complete, replayable
// record of what was (or would have been) delivered. With delivery disabled
// it doubles as a dry-run output.
//
// Each line is one self-contained JSON object; the file is append-only and
// rotated by size (alerts.jsonl → alerts.jsonl.1 → ...).
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/common/model"

	"github.com/Kek5chen/snmp-trap-alertmanager/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Record
// ─────────────────────────────────────────────────────────────────────────────

// Record is the JSON shape of one audit line.
type Record struct {
	// LoggedAt is when the sink wrote the line, not when the trap arrived.
	LoggedAt    time.Time      `json:"logged_at"`
	Fingerprint string         `json:"fingerprint"`
	State       string         `json:"state"`
	Labels      model.LabelSet `json:"labels"`
	Annotations model.LabelSet `json:"annotations,omitempty"`
	StartsAt    time.Time      `json:"starts_at"`
	EndsAt      *time.Time     `json:"ends_at,omitempty"`
}

func recordOf(alert models.OutboundAlert, now time.Time) Record {
	rec := Record{
		LoggedAt:    now,
		Fingerprint: alert.Fingerprint.String(),
		State:       alert.State.String(),
		Labels:      alert.Labels,
		Annotations: alert.Annotations,
		StartsAt:    alert.StartsAt,
	}
	if !alert.EndsAt.IsZero() {
		ends := alert.EndsAt
		rec.EndsAt = &ends
	}
	return rec
}

// ─────────────────────────────────────────────────────────────────────────────
// Sink
// ─────────────────────────────────────────────────────────────────────────────

// Sink writes alert records to an io.Writer, one JSON object per line.
// It is safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	logger *slog.Logger
	now    func() time.Time
}

// New wraps an existing writer. The writer's lifetime belongs to the caller;
// Close on the sink does not close it.
func New(w io.Writer, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Sink{w: w, logger: logger, now: time.Now}
}

// Open creates a file-backed sink with size-based rotation. Close releases
// the file.
func Open(cfg RotateConfig, logger *slog.Logger) (*Sink, error) {
	rf, err := NewRotatingFile(cfg, logger)
	if err != nil {
		return nil, err
	}
	s := New(rf, logger)
	s.closer = rf
	return s, nil
}

// Log appends one alert as a JSON line.
func (s *Sink) Log(alert models.OutboundAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(recordOf(alert, s.now()))
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.w.Write(line); err != nil {
		s.logger.Error("audit: write failed", "error", err.Error(), "bytes", len(line))
		return fmt.Errorf("audit: write: %w", err)
	}

	s.logger.Debug("audit: logged alert",
		"fingerprint", alert.Fingerprint.String(),
		"state", alert.State.String())
	return nil
}

// Close releases the underlying file when the sink owns one.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
