// Package render turns rule matches into outbound alert payloads.
//
// Rendering is pure: rule label/annotation templates are evaluated over the
// trap's data, varbinds become labels named via the OID table, and a
// rendering failure degrades to a fallback payload that still identifies
// the rule and trap. A match is never dropped for a template error.
package render

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/prometheus/common/model"

	"github.com/Kek5chen/snmp-trap-alertmanager/metrics"
	"github.com/Kek5chen/snmp-trap-alertmanager/models"
	"github.com/Kek5chen/snmp-trap-alertmanager/oidnames"
	"github.com/Kek5chen/snmp-trap-alertmanager/rules"
	"github.com/Kek5chen/snmp-trap-alertmanager/tracker"
)

// Data is the evaluation context rule and enrichment templates see.
type Data struct {
	Rule       string
	Severity   string
	Source     string
	Community  string
	TrapOID    string
	TrapName   string
	Version    string
	Count      uint64
	FirstSeen  time.Time
	ReceivedAt time.Time
	Captures   map[string]string

	trap  models.Trap
	names *oidnames.Table
}

// Var returns the string form of a varbind by OID, or "" when absent.
func (d Data) Var(oid string) string {
	v, ok := d.trap.Lookup(oid)
	if !ok {
		return ""
	}
	return v.String()
}

// VarName resolves an OID to its display name.
func (d Data) VarName(oid string) string {
	return d.names.Name(oid)
}

// Config tunes the renderer.
type Config struct {
	// CommunityLabel names the label carrying the trap community or v3
	// security name. Empty selects the default "community".
	CommunityLabel string
	// SkipVarbindLabels suppresses the automatic varbind-to-label
	// expansion; only identity labels and rule templates remain.
	SkipVarbindLabels bool
	// KeepLabelAffixes disables the common prefix/suffix truncation of
	// varbind label keys.
	KeepLabelAffixes bool
}

func (c Config) withDefaults() Config {
	if c.CommunityLabel == "" {
		c.CommunityLabel = "community"
	}
	return c
}

// Renderer renders matches into alert payloads. Safe for concurrent use.
type Renderer struct {
	cfg         Config
	names       *oidnames.Table
	enrichments []*Enrichment
	logger      *slog.Logger

	// templates caches compiled rule templates by source text; rule sets
	// are small and reload rarely, so the cache is never evicted.
	templates sync.Map
}

// New constructs a renderer. A nil OID table falls back to the built-in
// well-known names.
func New(cfg Config, names *oidnames.Table, enrichments []*Enrichment, logger *slog.Logger) *Renderer {
	if names == nil {
		names = oidnames.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{cfg: cfg.withDefaults(), names: names, enrichments: enrichments, logger: logger}
}

// Render produces the payload for one firing record.
func (r *Renderer) Render(m rules.Match, rec tracker.Record) models.OutboundAlert {
	data := Data{
		Rule:       rec.Rule,
		Severity:   rec.Severity,
		Source:     rec.Source,
		Community:  m.Trap.Community,
		TrapOID:    m.Trap.TrapOID,
		TrapName:   r.names.Name(m.Trap.TrapOID),
		Version:    m.Trap.Version,
		Count:      rec.Count,
		FirstSeen:  rec.FirstSeen,
		ReceivedAt: m.Trap.ReceivedAt,
		Captures:   m.Captures,
		trap:       m.Trap,
		names:      r.names,
	}

	labels := map[string]string{}
	severity := rec.Severity
	if !r.cfg.SkipVarbindLabels {
		vb := r.varbindLabels(m.Trap)
		if extracted, ok := extractSeverity(vb); ok {
			severity = extracted.String()
		}
		for k, v := range vb {
			labels[LabelKey(k)] = v
		}
	}
	data.Severity = severity

	failed := false
	for key, text := range m.Rule.Labels {
		value, err := r.renderTemplate(text, data)
		if err != nil {
			r.logger.Warn("label template failed",
				"rule", rec.Rule, "label", key, "error", err)
			failed = true
			continue
		}
		labels[LabelKey(key)] = value
	}

	annotations := map[string]string{}
	for key, text := range m.Rule.Annotations {
		value, err := r.renderTemplate(text, data)
		if err != nil {
			r.logger.Warn("annotation template failed",
				"rule", rec.Rule, "annotation", key, "error", err)
			failed = true
			continue
		}
		annotations[key] = value
	}

	// Identity labels are written last so templates and varbinds can never
	// shadow them; the fingerprint depends on them staying stable.
	for k, v := range m.Captures {
		labels[LabelKey(k)] = v
	}
	labels[model.AlertNameLabel] = CleanAlertName(rec.Rule)
	labels["severity"] = severity
	labels["source"] = rec.Source
	labels["fingerprint"] = tracker.Fingerprint(rec.Rule, rec.Source, m.Captures).String()
	if m.Trap.Community != "" {
		labels[r.cfg.CommunityLabel] = m.Trap.Community
	}

	if failed {
		metrics.RenderFallbacks.Inc()
		annotations["rendering_error"] = fmt.Sprintf(
			"one or more templates of rule %s failed; payload degraded to raw identifiers", rec.Rule)
	}
	if _, ok := annotations["summary"]; !ok {
		annotations["summary"] = fmt.Sprintf("%s trap from %s", data.TrapName, rec.Source)
	}

	r.applyEnrichments(labels, annotations, data)

	return models.OutboundAlert{
		State:       models.StateFiring,
		Labels:      toLabelSet(labels),
		Annotations: toLabelSet(annotations),
		StartsAt:    rec.FirstSeen,
	}
}

// varbindLabels expands the trap's variables into display-named labels,
// dropping empty values and truncating the common key affixes vendor MIBs
// repeat on every object.
func (r *Renderer) varbindLabels(trap models.Trap) map[string]string {
	out := make(map[string]string, len(trap.Variables))
	for oid, v := range trap.Variables {
		text := v.String()
		if text == "" {
			continue
		}
		out[r.names.Name(oid)] = text
	}
	if !r.cfg.KeepLabelAffixes && len(out) > 1 {
		TruncateCommonPrefix(out)
		TruncateCommonSuffix(out)
	}
	return out
}

// extractSeverity pulls a severity out of the varbind labels when one of
// them carries it, removing the label. Many vendor notifications ship
// their own severity object; it beats the rule's static one.
func extractSeverity(labels map[string]string) (models.Severity, bool) {
	for k, v := range labels {
		if !strings.Contains(strings.ToLower(k), "severity") {
			continue
		}
		sev, err := models.ParseSeverity(v)
		if err != nil {
			continue
		}
		delete(labels, k)
		return sev, true
	}
	return 0, false
}

func (r *Renderer) applyEnrichments(labels, annotations map[string]string, data Data) {
	name := labels[model.AlertNameLabel]
	for _, e := range r.enrichments {
		if !e.compiled.MatchString(name) {
			continue
		}
		for key, tmpl := range e.labels {
			value, err := executeTemplate(tmpl, data)
			if err != nil {
				r.logger.Warn("enrichment label failed", "label", key, "error", err)
				continue
			}
			labels[LabelKey(key)] = value
		}
		for key, tmpl := range e.annotations {
			value, err := executeTemplate(tmpl, data)
			if err != nil {
				r.logger.Warn("enrichment annotation failed", "annotation", key, "error", err)
				continue
			}
			annotations[key] = value
		}
		for _, key := range e.DropLabels {
			delete(labels, key)
		}
	}
}

func (r *Renderer) renderTemplate(text string, data Data) (string, error) {
	var tmpl *template.Template
	if cached, ok := r.templates.Load(text); ok {
		tmpl = cached.(*template.Template)
	} else {
		parsed, err := template.New("rule").Option("missingkey=error").Parse(text)
		if err != nil {
			return "", err
		}
		r.templates.Store(text, parsed)
		tmpl = parsed
	}
	return executeTemplate(tmpl, data)
}

func executeTemplate(tmpl *template.Template, data Data) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func toLabelSet(m map[string]string) model.LabelSet {
	out := make(model.LabelSet, len(m))
	for k, v := range m {
		out[model.LabelName(k)] = model.LabelValue(v)
	}
	return out
}
