// Package rules evaluates configured match rules against normalized traps.
//
// A rule names a trap OID (exact or prefix), optional varbind predicates,
// and the alerting behaviour for matches: severity, label/annotation
// templates, dedup window, resolve timeout, and an optional clears relation
// pointing at another rule whose open alerts a match resolves. Rule sets are
// immutable once compiled; hot reload swaps the whole snapshot atomically.
package rules

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Kek5chen/snmp-trap-alertmanager/models"
)

const (
	defaultDedupWindow    = 30 * time.Second
	defaultResolveTimeout = 30 * time.Minute
)

// Predicate is a single varbind condition. At least one of Equals, Regex,
// GT or LT must be set; all set conditions must hold for the predicate to
// pass. Named capture groups in Regex contribute to the match's captured
// bindings.
type Predicate struct {
	// OID names the varbind to test. Instance suffixes are tolerated:
	// a predicate on a column OID tests the lexically first instance.
	OID    string   `yaml:"oid"`
	Equals string   `yaml:"equals,omitempty"`
	Regex  string   `yaml:"regex,omitempty"`
	GT     *float64 `yaml:"gt,omitempty"`
	LT     *float64 `yaml:"lt,omitempty"`

	oid      string
	compiled *regexp.Regexp
}

// Rule is one entry of the rule file.
type Rule struct {
	// Name uniquely identifies the rule and becomes the alertname label.
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Exactly one of OID (exact match) or OIDPrefix (subtree match) is
	// required.
	OID       string `yaml:"oid,omitempty"`
	OIDPrefix string `yaml:"oid_prefix,omitempty"`

	Severity models.Severity `yaml:"severity,omitempty"`
	When     []Predicate     `yaml:"when,omitempty"`

	// Labels and Annotations are text/template strings rendered per match.
	Labels      map[string]string `yaml:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`

	// DedupWindow suppresses re-emission of an already-firing alert; a
	// repeat inside the window refreshes state without notifying again.
	DedupWindow string `yaml:"dedup_window,omitempty"`
	// ResolveTimeout closes an alert that has not been refreshed.
	ResolveTimeout string `yaml:"resolve_timeout,omitempty"`

	// Clears names another rule. A match on this rule resolves that
	// rule's open alerts with the same source and captures instead of
	// firing one of its own.
	Clears string `yaml:"clears,omitempty"`

	Enabled *bool `yaml:"enabled,omitempty"`

	oid            string
	prefix         bool
	dedupWindow    time.Duration
	resolveTimeout time.Duration
}

// IsEnabled reports whether the rule participates in matching.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// IsClearing reports whether rule matches resolve another rule's alerts.
func (r *Rule) IsClearing() bool { return r.Clears != "" }

// DedupFor returns the parsed dedup window.
func (r *Rule) DedupFor() time.Duration { return r.dedupWindow }

// ResolveAfter returns the parsed resolve timeout.
func (r *Rule) ResolveAfter() time.Duration { return r.resolveTimeout }

// MatchOID returns the normalized OID or prefix the rule matches on.
func (r *Rule) MatchOID() string { return r.oid }

// validate checks the rule and compiles its derived fields in place.
func (r *Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}

	switch {
	case r.OID != "" && r.OIDPrefix != "":
		return fmt.Errorf("rule %q: oid and oid_prefix are mutually exclusive", r.Name)
	case r.OID != "":
		r.oid = models.NormalizeOID(r.OID)
	case r.OIDPrefix != "":
		r.oid = models.NormalizeOID(r.OIDPrefix)
		r.prefix = true
	default:
		return fmt.Errorf("rule %q: one of oid or oid_prefix is required", r.Name)
	}

	for i := range r.When {
		p := &r.When[i]
		if p.OID == "" {
			return fmt.Errorf("rule %q: predicate %d: oid is required", r.Name, i)
		}
		p.oid = models.NormalizeOID(p.OID)
		if p.Equals == "" && p.Regex == "" && p.GT == nil && p.LT == nil {
			return fmt.Errorf("rule %q: predicate on %s has no condition", r.Name, p.OID)
		}
		if p.Regex != "" {
			compiled, err := regexp.Compile(p.Regex)
			if err != nil {
				return fmt.Errorf("rule %q: invalid regex %q: %w", r.Name, p.Regex, err)
			}
			p.compiled = compiled
		}
	}

	r.dedupWindow = defaultDedupWindow
	if r.DedupWindow != "" {
		d, err := time.ParseDuration(r.DedupWindow)
		if err != nil {
			return fmt.Errorf("rule %q: invalid dedup_window %q: %w", r.Name, r.DedupWindow, err)
		}
		if d < 0 {
			return fmt.Errorf("rule %q: dedup_window must not be negative", r.Name)
		}
		r.dedupWindow = d
	}

	r.resolveTimeout = defaultResolveTimeout
	if r.ResolveTimeout != "" {
		d, err := time.ParseDuration(r.ResolveTimeout)
		if err != nil {
			return fmt.Errorf("rule %q: invalid resolve_timeout %q: %w", r.Name, r.ResolveTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("rule %q: resolve_timeout must be positive", r.Name)
		}
		r.resolveTimeout = d
	}

	return nil
}

// matchesOID reports whether the trap OID satisfies the rule's OID clause.
func (r *Rule) matchesOID(trapOID string) bool {
	if r.prefix {
		return models.OIDHasPrefix(trapOID, r.oid)
	}
	return trapOID == r.oid
}

// evaluate tests every predicate against the trap's variables. A missing
// variable fails its predicate; it is never an error. Captured bindings
// from regex named groups are returned when all predicates pass.
func (r *Rule) evaluate(trap models.Trap) (map[string]string, bool) {
	if !r.matchesOID(trap.TrapOID) {
		return nil, false
	}

	var captures map[string]string
	for i := range r.When {
		p := &r.When[i]
		value, ok := trap.Lookup(p.oid)
		if !ok {
			return nil, false
		}
		text := value.String()

		if p.Equals != "" && text != p.Equals {
			return nil, false
		}
		if p.GT != nil || p.LT != nil {
			num, ok := value.Float()
			if !ok {
				return nil, false
			}
			if p.GT != nil && !(num > *p.GT) {
				return nil, false
			}
			if p.LT != nil && !(num < *p.LT) {
				return nil, false
			}
		}
		if p.compiled != nil {
			sub := p.compiled.FindStringSubmatch(text)
			if sub == nil {
				return nil, false
			}
			for gi, name := range p.compiled.SubexpNames() {
				if name == "" || gi >= len(sub) {
					continue
				}
				if captures == nil {
					captures = make(map[string]string)
				}
				captures[name] = sub[gi]
			}
		}
	}
	return captures, true
}
