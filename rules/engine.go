package rules

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Kek5chen/snmp-trap-alertmanager/metrics"
	"github.com/Kek5chen/snmp-trap-alertmanager/models"
)

// Match is one rule firing (or clearing) for one trap.
type Match struct {
	Rule     *Rule
	Trap     models.Trap
	Captures map[string]string
}

// Set is one immutable compiled rule-set snapshot.
type Set struct {
	Rules    []*Rule
	LoadedAt time.Time

	byName map[string]*Rule
}

// ByName looks a rule up by its unique name.
func (s *Set) ByName(name string) (*Rule, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// fileSchema is the top-level layout of the rule file.
type fileSchema struct {
	Rules []*Rule `yaml:"rules"`
}

// Parse compiles a rule file from raw YAML. The returned set is fully
// validated: unique names, compiled regexes, parsed durations, and clears
// relations that reference existing non-clearing rules.
func Parse(data []byte) (*Set, error) {
	var file fileSchema
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("rules: parse: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rules: no rules defined")
	}

	set := &Set{
		Rules:    file.Rules,
		LoadedAt: time.Now().UTC(),
		byName:   make(map[string]*Rule, len(file.Rules)),
	}
	for _, r := range file.Rules {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("rules: %w", err)
		}
		if _, dup := set.byName[r.Name]; dup {
			return nil, fmt.Errorf("rules: duplicate rule name %q", r.Name)
		}
		set.byName[r.Name] = r
	}
	for _, r := range file.Rules {
		if !r.IsClearing() {
			continue
		}
		target, ok := set.byName[r.Clears]
		if !ok {
			return nil, fmt.Errorf("rules: rule %q clears unknown rule %q", r.Name, r.Clears)
		}
		if target.IsClearing() {
			return nil, fmt.Errorf("rules: rule %q clears %q, which is itself a clearing rule", r.Name, r.Clears)
		}
	}
	return set, nil
}

// ParseFile reads and compiles a rule file.
func ParseFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return Parse(data)
}

// ─────────────────────────────────────────────────────────────────────────────
// Engine
// ─────────────────────────────────────────────────────────────────────────────

// Engine evaluates traps against the current rule-set snapshot. Match is
// safe for concurrent use; Reload swaps the snapshot atomically so in-flight
// evaluations always observe one consistent set.
type Engine struct {
	path     string
	logger   *slog.Logger
	snapshot atomic.Pointer[Set]
}

// NewEngine loads the rule file at path and returns a ready engine.
func NewEngine(path string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{path: path, logger: logger}
	set, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	e.snapshot.Store(set)
	logger.Info("rules loaded", "path", path, "rules", len(set.Rules))
	return e, nil
}

// NewEngineFromSet wraps an already-compiled set; used by tests and by
// callers that manage the file themselves.
func NewEngineFromSet(set *Set, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	e.snapshot.Store(set)
	return e
}

// Snapshot returns the current rule set.
func (e *Engine) Snapshot() *Set {
	return e.snapshot.Load()
}

// Reload re-reads the rule file and swaps the snapshot. A file that fails
// to compile leaves the previous snapshot in place.
func (e *Engine) Reload() error {
	set, err := ParseFile(e.path)
	if err != nil {
		return err
	}
	e.snapshot.Store(set)
	e.logger.Info("rules reloaded", "path", e.path, "rules", len(set.Rules))
	return nil
}

// Match evaluates the trap against every enabled rule in file order.
// All rules are tried; one trap may open one alert class and clear another.
// No match is an empty slice, never an error.
func (e *Engine) Match(trap models.Trap) []Match {
	set := e.snapshot.Load()
	if set == nil {
		return nil
	}

	var matches []Match
	for _, rule := range set.Rules {
		if !rule.IsEnabled() {
			continue
		}
		captures, ok := rule.evaluate(trap)
		if !ok {
			continue
		}
		metrics.RuleMatches.WithLabelValues(rule.Name).Inc()
		matches = append(matches, Match{Rule: rule, Trap: trap, Captures: captures})
	}
	return matches
}
