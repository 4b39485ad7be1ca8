package models

import (
	"fmt"
	"strings"
)

// Severity classifies an alert for downstream routing. The zero value is
// SeverityCritical so that an unconfigured severity fails loud, not quiet.
type Severity uint8

const (
	SeverityCritical Severity = iota
	SeverityWarning
	SeverityInfo
)

// String returns the canonical lower-case severity label value.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "critical"
	}
}

// severityClasses maps substring families found in vendor trap payloads onto
// the three canonical severities. Vendors rarely agree on terminology, so
// classification is by substring rather than exact match.
var severityClasses = []struct {
	severity Severity
	words    []string
}{
	{SeverityCritical, []string{"crit", "error", "major", "high"}},
	{SeverityWarning, []string{"warn", "minor", "mid"}},
	{SeverityInfo, []string{"info", "normal", "debug", "low"}},
}

// ParseSeverity classifies a free-form severity string. Critical families are
// checked first so that e.g. "critical-warning" lands on the stronger class.
func ParseSeverity(s string) (Severity, error) {
	s = strings.ToLower(s)
	for _, class := range severityClasses {
		for _, w := range class.words {
			if strings.Contains(s, w) {
				return class.severity, nil
			}
		}
	}
	return SeverityCritical, fmt.Errorf("models: unknown severity %q", s)
}

// UnmarshalYAML lets rule files spell severities in vendor terms.
func (s *Severity) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	sev, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}
