// Package tracker owns the alert lifecycle state of the pipeline.
//
// It converts a stream of possibly-repeated rule matches into alert state
// transitions: first match fires, repeats inside the dedup window refresh
// silently, clearing matches and timeouts resolve. Records are partitioned
// across shards by fingerprint so concurrent workers serialize per
// fingerprint without a global lock; the background sweep takes the same
// shard locks, so fingerprint ordering holds for every writer.
package tracker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/common/model"

	"github.com/Kek5chen/snmp-trap-alertmanager/metrics"
	"github.com/Kek5chen/snmp-trap-alertmanager/models"
	"github.com/Kek5chen/snmp-trap-alertmanager/rules"
)

// sourceLabel carries the trap origin in the alert identity.
const sourceLabel = "source"

// Resolution causes, used as the metric label on resolved transitions.
const (
	CauseClear   = "clear"
	CauseTimeout = "timeout"
	CauseManual  = "manual"
)

// Renderer produces the outbound payload for a firing record. The tracker
// calls it under the record's shard lock so the stored payload and the
// record state never diverge.
type Renderer interface {
	Render(m rules.Match, rec Record) models.OutboundAlert
}

// Record is the exported view of one tracked alert.
type Record struct {
	Fingerprint model.Fingerprint `json:"fingerprint"`
	Rule        string            `json:"rule"`
	Source      string            `json:"source"`
	Severity    string            `json:"severity"`
	State       string            `json:"state"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	Count       uint64            `json:"count"`
}

// record is the internal mutable state, guarded by its shard's mutex.
type record struct {
	fingerprint model.Fingerprint
	rule        string
	source      string
	severity    models.Severity

	firstSeen time.Time
	lastSeen  time.Time
	lastEmit  time.Time
	count     uint64

	// Lifecycle parameters snapshot from the rule at creation time, so a
	// rule-file reload never changes the behaviour of an open alert.
	dedupWindow    time.Duration
	resolveTimeout time.Duration

	// lastPayload is resent verbatim (with EndsAt set) on resolve, because
	// Alertmanager matches alerts by exact label set.
	lastPayload models.OutboundAlert
}

func (r *record) view() Record {
	return Record{
		Fingerprint: r.fingerprint,
		Rule:        r.rule,
		Source:      r.source,
		Severity:    r.severity.String(),
		State:       models.StateFiring.String(),
		FirstSeen:   r.firstSeen,
		LastSeen:    r.lastSeen,
		Count:       r.count,
	}
}

type shard struct {
	mu      sync.Mutex
	records map[model.Fingerprint]*record
}

// ─────────────────────────────────────────────────────────────────────────────
// Tracker
// ─────────────────────────────────────────────────────────────────────────────

// Config tunes the tracker.
type Config struct {
	// Shards is the number of independent record partitions.
	Shards int
	// SweepInterval is how often Run scans for timed-out records.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 16
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	return c
}

// Tracker tracks alert records across shards.
type Tracker struct {
	cfg      Config
	shards   []*shard
	renderer Renderer
	logger   *slog.Logger
}

// New constructs a tracker. The renderer is required.
func New(cfg Config, renderer Renderer, logger *slog.Logger) *Tracker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{records: make(map[model.Fingerprint]*record)}
	}
	return &Tracker{cfg: cfg, shards: shards, renderer: renderer, logger: logger}
}

func (t *Tracker) shardFor(fp model.Fingerprint) *shard {
	return t.shards[uint64(fp)%uint64(len(t.shards))]
}

// Fingerprint computes the deterministic alert identity for a rule name,
// trap source, and captured bindings.
func Fingerprint(ruleName, source string, captures map[string]string) model.Fingerprint {
	ls := model.LabelSet{
		model.AlertNameLabel: model.LabelValue(ruleName),
		sourceLabel:          model.LabelValue(source),
	}
	for k, v := range captures {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	return ls.Fingerprint()
}

// Process applies one rule match at the given time and returns the alert
// payloads to emit, in transition order. A clearing match resolves the
// target rule's open records; any other match fires, refreshes, or
// deduplicates its own record.
func (t *Tracker) Process(m rules.Match, now time.Time) []models.OutboundAlert {
	if m.Rule.IsClearing() {
		return t.clear(m, now)
	}
	return t.fire(m, now)
}

func (t *Tracker) fire(m rules.Match, now time.Time) []models.OutboundAlert {
	fp := Fingerprint(m.Rule.Name, m.Trap.Source, m.Captures)
	sh := t.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[fp]
	if !ok {
		rec = &record{
			fingerprint:    fp,
			rule:           m.Rule.Name,
			source:         m.Trap.Source,
			severity:       m.Rule.Severity,
			firstSeen:      now,
			lastSeen:       now,
			lastEmit:       now,
			count:          1,
			dedupWindow:    m.Rule.DedupFor(),
			resolveTimeout: m.Rule.ResolveAfter(),
		}
		rec.lastPayload = t.renderer.Render(m, rec.view())
		rec.lastPayload.Fingerprint = fp
		sh.records[fp] = rec

		metrics.AlertsFiring.Inc()
		metrics.ActiveAlerts.Inc()
		t.logger.Info("alert firing",
			"rule", rec.rule, "source", rec.source, "fingerprint", fp.String())
		return []models.OutboundAlert{rec.lastPayload}
	}

	rec.count++
	rec.lastSeen = now
	if now.Sub(rec.lastEmit) < rec.dedupWindow {
		metrics.AlertsDeduplicated.Inc()
		return nil
	}

	// Dedup window elapsed: re-emit to refresh the downstream alert's
	// own expiry. The stored label set is kept verbatim so the refresh
	// hits the same Alertmanager alert; only the annotations are
	// re-rendered from the current trap.
	rec.lastEmit = now
	fresh := t.renderer.Render(m, rec.view())
	fresh.Labels = rec.lastPayload.Labels
	fresh.StartsAt = rec.lastPayload.StartsAt
	fresh.Fingerprint = fp
	rec.lastPayload = fresh
	metrics.AlertsFiring.Inc()
	return []models.OutboundAlert{rec.lastPayload}
}

// clear resolves the records the clearing match designates. The direct
// fingerprint (cleared rule name + same source + same captures) is tried
// first; when the clearing trap carries no captures, every record of the
// target rule from the same source is resolved instead.
func (t *Tracker) clear(m rules.Match, now time.Time) []models.OutboundAlert {
	target := m.Rule.Clears

	fp := Fingerprint(target, m.Trap.Source, m.Captures)
	if out, ok := t.resolve(fp, now, CauseClear); ok {
		return []models.OutboundAlert{out}
	}
	if len(m.Captures) > 0 {
		// A capture-specific clear with no live target is a no-op.
		return nil
	}

	var resolved []models.OutboundAlert
	for _, fp := range t.findAll(target, m.Trap.Source) {
		if out, ok := t.resolve(fp, now, CauseClear); ok {
			resolved = append(resolved, out)
		}
	}
	return resolved
}

// resolve transitions one record to Resolved, emits its closing payload
// exactly once, and removes it.
func (t *Tracker) resolve(fp model.Fingerprint, now time.Time, cause string) (models.OutboundAlert, bool) {
	sh := t.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[fp]
	if !ok {
		return models.OutboundAlert{}, false
	}
	if cause == CauseTimeout && now.Sub(rec.lastSeen) < rec.resolveTimeout {
		// A refresh raced the sweep's scan; the record stays open.
		return models.OutboundAlert{}, false
	}
	delete(sh.records, fp)

	out := rec.lastPayload
	out.State = models.StateResolved
	out.EndsAt = now

	metrics.ActiveAlerts.Dec()
	metrics.AlertsResolved.WithLabelValues(cause).Inc()
	t.logger.Info("alert resolved",
		"rule", rec.rule, "source", rec.source, "cause", cause,
		"count", rec.count, "fingerprint", fp.String())
	return out, true
}

// findAll lists fingerprints of open records for a rule/source pair.
func (t *Tracker) findAll(ruleName, source string) []model.Fingerprint {
	var fps []model.Fingerprint
	for _, sh := range t.shards {
		sh.mu.Lock()
		for fp, rec := range sh.records {
			if rec.rule == ruleName && rec.source == source {
				fps = append(fps, fp)
			}
		}
		sh.mu.Unlock()
	}
	return fps
}

// Sweep resolves every record whose last refresh is older than its resolve
// timeout. It returns the closing payloads to emit; callers run it
// periodically (see Run).
func (t *Tracker) Sweep(now time.Time) []models.OutboundAlert {
	var expired []model.Fingerprint
	for _, sh := range t.shards {
		sh.mu.Lock()
		for fp, rec := range sh.records {
			if now.Sub(rec.lastSeen) >= rec.resolveTimeout {
				expired = append(expired, fp)
			}
		}
		sh.mu.Unlock()
	}

	var resolved []models.OutboundAlert
	for _, fp := range expired {
		// Expiry is re-checked under the shard lock inside resolve.
		if out, ok := t.resolve(fp, now, CauseTimeout); ok {
			resolved = append(resolved, out)
		}
	}
	return resolved
}

// Run drives the background resolve-timeout sweep until ctx is cancelled,
// handing each synthesized closing payload to emit in transition order.
func (t *Tracker) Run(ctx context.Context, emit func(models.OutboundAlert)) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, out := range t.Sweep(now) {
				emit(out)
			}
		}
	}
}

// Clear manually resolves one record by fingerprint. Used by the admin API.
func (t *Tracker) Clear(fp model.Fingerprint, now time.Time) (models.OutboundAlert, bool) {
	return t.resolve(fp, now, CauseManual)
}

// Active lists all open records ordered by first-seen time.
func (t *Tracker) Active() []Record {
	var out []Record
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			out = append(out, rec.view())
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Len reports the number of open records.
func (t *Tracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}
