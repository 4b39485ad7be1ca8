package rules_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Kek5chen/snmp-trap-alertmanager/models"
	"github.com/Kek5chen/snmp-trap-alertmanager/rules"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

const testRuleFile = `
rules:
  - name: CiscoConfigChange
    oid: 1.3.6.1.4.1.9.0.2
    severity: warning
    dedup_window: 30s
    resolve_timeout: 5m
    annotations:
      summary: "configuration changed on {{ .Source }}"

  - name: LinkDown
    oid: .1.3.6.1.6.3.1.1.5.3
    severity: critical
    when:
      - oid: .1.3.6.1.2.1.2.2.1.2
        regex: "^(?P<iface>eth[0-9]+)$"
    labels:
      interface: "{{ .Captures.iface }}"

  - name: LinkUp
    oid: .1.3.6.1.6.3.1.1.5.4
    clears: LinkDown
    when:
      - oid: .1.3.6.1.2.1.2.2.1.2
        regex: "^(?P<iface>eth[0-9]+)$"

  - name: EnterpriseCatchAll
    oid_prefix: .1.3.6.1.4.1.9
    severity: info
`

func testSet(t *testing.T) *rules.Set {
	t.Helper()
	set, err := rules.Parse([]byte(testRuleFile))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return set
}

func trapWith(oid string, vars map[string]models.Value) models.Trap {
	return models.Trap{
		TrapOID:    models.NormalizeOID(oid),
		Source:     "10.0.0.1",
		ReceivedAt: time.Now().UTC(),
		Variables:  vars,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Parsing
// ─────────────────────────────────────────────────────────────────────────────

func TestParse_Compiles(t *testing.T) {
	set := testSet(t)

	if len(set.Rules) != 4 {
		t.Fatalf("rules = %d, want 4", len(set.Rules))
	}
	r, ok := set.ByName("CiscoConfigChange")
	if !ok {
		t.Fatal("CiscoConfigChange missing")
	}
	if r.DedupFor() != 30*time.Second {
		t.Errorf("dedup = %v, want 30s", r.DedupFor())
	}
	if r.ResolveAfter() != 5*time.Minute {
		t.Errorf("resolve timeout = %v, want 5m", r.ResolveAfter())
	}
	if r.MatchOID() != ".1.3.6.1.4.1.9.0.2" {
		t.Errorf("match OID = %q", r.MatchOID())
	}
	if r.Severity != models.SeverityWarning {
		t.Errorf("severity = %v, want warning", r.Severity)
	}

	clearing, _ := set.ByName("LinkUp")
	if !clearing.IsClearing() || clearing.Clears != "LinkDown" {
		t.Errorf("LinkUp clears = %q", clearing.Clears)
	}
}

func TestParse_Defaults(t *testing.T) {
	set, err := rules.Parse([]byte("rules:\n  - name: bare\n    oid: .1.3.1\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r := set.Rules[0]
	if r.Severity != models.SeverityCritical {
		t.Errorf("default severity = %v, want critical", r.Severity)
	}
	if r.DedupFor() != 30*time.Second {
		t.Errorf("default dedup = %v", r.DedupFor())
	}
	if r.ResolveAfter() != 30*time.Minute {
		t.Errorf("default resolve timeout = %v", r.ResolveAfter())
	}
	if !r.IsEnabled() {
		t.Error("rules default to enabled")
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty", "rules: []\n"},
		{"no name", "rules:\n  - oid: .1.3\n"},
		{"no oid", "rules:\n  - name: x\n"},
		{"both oid forms", "rules:\n  - name: x\n    oid: .1.3\n    oid_prefix: .1.4\n"},
		{"duplicate name", "rules:\n  - name: x\n    oid: .1.3\n  - name: x\n    oid: .1.4\n"},
		{"bad regex", "rules:\n  - name: x\n    oid: .1.3\n    when:\n      - oid: .1.5\n        regex: \"(\"\n"},
		{"empty predicate", "rules:\n  - name: x\n    oid: .1.3\n    when:\n      - oid: .1.5\n"},
		{"bad dedup", "rules:\n  - name: x\n    oid: .1.3\n    dedup_window: soon\n"},
		{"unknown clears", "rules:\n  - name: x\n    oid: .1.3\n    clears: nope\n"},
		{"clears a clearer", "rules:\n  - name: a\n    oid: .1.3\n  - name: b\n    oid: .1.4\n    clears: a\n  - name: c\n    oid: .1.5\n    clears: b\n"},
	}
	for _, c := range cases {
		if _, err := rules.Parse([]byte(c.yaml)); err == nil {
			t.Errorf("%s: Parse should fail", c.name)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Matching
// ─────────────────────────────────────────────────────────────────────────────

func TestMatch_ExactOID(t *testing.T) {
	engine := rules.NewEngineFromSet(testSet(t), nil)

	// Enterprise-specific trap .1.3.6.1.4.1.9.0.2: matches the exact rule
	// AND the prefix catch-all, in file order, with no short-circuit.
	matches := engine.Match(trapWith("1.3.6.1.4.1.9.0.2", nil))
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Rule.Name != "CiscoConfigChange" || matches[1].Rule.Name != "EnterpriseCatchAll" {
		t.Errorf("match order = %s, %s", matches[0].Rule.Name, matches[1].Rule.Name)
	}
}

func TestMatch_PredicateCaptures(t *testing.T) {
	engine := rules.NewEngineFromSet(testSet(t), nil)

	matches := engine.Match(trapWith(".1.3.6.1.6.3.1.1.5.3", map[string]models.Value{
		".1.3.6.1.2.1.2.2.1.2.5": models.StringValue("eth5"),
	}))
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if got := matches[0].Captures["iface"]; got != "eth5" {
		t.Errorf("capture iface = %q, want eth5", got)
	}
}

func TestMatch_MissingVariableFailsPredicate(t *testing.T) {
	engine := rules.NewEngineFromSet(testSet(t), nil)

	// LinkDown requires an ifDescr varbind; without it the rule must not
	// match, and the outcome is empty, not an error.
	matches := engine.Match(trapWith(".1.3.6.1.6.3.1.1.5.3", nil))
	if len(matches) != 0 {
		t.Fatalf("matches = %d, want 0", len(matches))
	}
}

func TestMatch_RegexMismatch(t *testing.T) {
	engine := rules.NewEngineFromSet(testSet(t), nil)

	matches := engine.Match(trapWith(".1.3.6.1.6.3.1.1.5.3", map[string]models.Value{
		".1.3.6.1.2.1.2.2.1.2.5": models.StringValue("GigabitEthernet0/1"),
	}))
	if len(matches) != 0 {
		t.Fatalf("matches = %d, want 0", len(matches))
	}
}

func TestMatch_NumericPredicates(t *testing.T) {
	set, err := rules.Parse([]byte(`
rules:
  - name: HighTemp
    oid: .1.3.6.1.4.1.2021.13.16
    when:
      - oid: .1.3.6.1.4.1.2021.13.16.2.1.3
        gt: 70
        lt: 200
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	engine := rules.NewEngineFromSet(set, nil)

	hot := trapWith(".1.3.6.1.4.1.2021.13.16", map[string]models.Value{
		".1.3.6.1.4.1.2021.13.16.2.1.3.1": models.IntValue(85),
	})
	if got := engine.Match(hot); len(got) != 1 {
		t.Errorf("85 > 70: matches = %d, want 1", len(got))
	}

	cool := trapWith(".1.3.6.1.4.1.2021.13.16", map[string]models.Value{
		".1.3.6.1.4.1.2021.13.16.2.1.3.1": models.IntValue(45),
	})
	if got := engine.Match(cool); len(got) != 0 {
		t.Errorf("45 > 70: matches = %d, want 0", len(got))
	}

	text := trapWith(".1.3.6.1.4.1.2021.13.16", map[string]models.Value{
		".1.3.6.1.4.1.2021.13.16.2.1.3.1": models.StringValue("warm"),
	})
	if got := engine.Match(text); len(got) != 0 {
		t.Errorf("non-numeric value: matches = %d, want 0", len(got))
	}
}

func TestMatch_PrefixBoundary(t *testing.T) {
	engine := rules.NewEngineFromSet(testSet(t), nil)

	// .1.3.6.1.4.1.90 is not inside the .1.3.6.1.4.1.9 subtree.
	if got := engine.Match(trapWith(".1.3.6.1.4.1.90.1", nil)); len(got) != 0 {
		t.Errorf("sibling arc matched: %d", len(got))
	}
	if got := engine.Match(trapWith(".1.3.6.1.4.1.9.42.1", nil)); len(got) != 1 {
		t.Errorf("subtree member matches = %d, want 1", len(got))
	}
}

func TestMatch_DisabledRuleSkipped(t *testing.T) {
	set, err := rules.Parse([]byte(`
rules:
  - name: off
    oid: .1.3.1
    enabled: false
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	engine := rules.NewEngineFromSet(set, nil)
	if got := engine.Match(trapWith(".1.3.1", nil)); len(got) != 0 {
		t.Errorf("disabled rule matched")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Reload
// ─────────────────────────────────────────────────────────────────────────────

func TestReload_SwapsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - name: first\n    oid: .1.3.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine, err := rules.NewEngine(path, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if len(engine.Match(trapWith(".1.3.1", nil))) != 1 {
		t.Fatal("initial rule should match")
	}

	if err := os.WriteFile(path, []byte("rules:\n  - name: second\n    oid: .1.3.2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := engine.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(engine.Match(trapWith(".1.3.1", nil))) != 0 {
		t.Error("old rule still matching after reload")
	}
	if len(engine.Match(trapWith(".1.3.2", nil))) != 1 {
		t.Error("new rule not matching after reload")
	}
}

func TestReload_BadFileKeepsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - name: keep\n    oid: .1.3.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine, err := rules.NewEngine(path, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if err := os.WriteFile(path, []byte("rules: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := engine.Reload(); err == nil {
		t.Fatal("Reload of broken file should error")
	}
	if len(engine.Match(trapWith(".1.3.1", nil))) != 1 {
		t.Error("previous snapshot lost after failed reload")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - name: first\n    oid: .1.3.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine, err := rules.NewEngine(path, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := engine.Watch(ctx); err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	// Give the watcher a moment to register before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("rules:\n  - name: second\n    oid: .1.3.2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(engine.Match(trapWith(".1.3.2", nil))) == 1 {
			cancel()
			<-done
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("rule change never picked up by watcher")
}

func TestWatch_RequiresFileBackedEngine(t *testing.T) {
	set, err := rules.Parse([]byte(testRuleFile))
	if err != nil {
		t.Fatal(err)
	}
	engine := rules.NewEngineFromSet(set, nil)
	if err := engine.Watch(context.Background()); err == nil {
		t.Error("expected error for engine without a file path")
	}
}
