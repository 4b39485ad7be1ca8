// Package oidnames resolves numeric OIDs to human-readable display names.
//
// The table is a flat YAML mapping loaded once at startup. Lookups fall back
// through parent OIDs so an instance such as .1.3.6.1.2.1.2.2.1.2.5 resolves
// via its column OID .1.3.6.1.2.1.2.2.1.2 when only the column is named. The
// table is read-only after Load; concurrent lookups need no locking.
package oidnames

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Kek5chen/snmp-trap-alertmanager/models"
)

// Table maps normalized OIDs to display names.
type Table struct {
	names map[string]string
}

// wellKnown seeds every table with the identifiers the bridge itself
// interprets, so rendered output is readable even with no file configured.
var wellKnown = map[string]string{
	".1.3.6.1.2.1.1.3.0":     "sysUpTime",
	".1.3.6.1.6.3.1.1.4.1.0": "snmpTrapOID",
	".1.3.6.1.6.3.1.1.5.1":   "coldStart",
	".1.3.6.1.6.3.1.1.5.2":   "warmStart",
	".1.3.6.1.6.3.1.1.5.3":   "linkDown",
	".1.3.6.1.6.3.1.1.5.4":   "linkUp",
	".1.3.6.1.6.3.1.1.5.5":   "authenticationFailure",
	".1.3.6.1.6.3.1.1.5.6":   "egpNeighborLoss",
	".1.3.6.1.2.1.2.2.1.1":   "ifIndex",
	".1.3.6.1.2.1.2.2.1.2":   "ifDescr",
	".1.3.6.1.2.1.2.2.1.7":   "ifAdminStatus",
	".1.3.6.1.2.1.2.2.1.8":   "ifOperStatus",
}

// New returns a table holding only the built-in well-known names.
func New() *Table {
	t := &Table{names: make(map[string]string, len(wellKnown))}
	for oid, name := range wellKnown {
		t.names[oid] = name
	}
	return t
}

// Load reads a YAML OID-to-name mapping and merges it over the built-in
// names. File entries win on conflict.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("oidnames: read %s: %w", path, err)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("oidnames: parse %s: %w", path, err)
	}

	t := New()
	for oid, name := range raw {
		if strings.TrimSpace(name) == "" {
			continue
		}
		t.names[models.NormalizeOID(oid)] = name
	}
	return t, nil
}

// Name resolves oid to a display name, walking up the OID tree until a
// named ancestor is found. A suffix trimmed during the walk is reattached
// so instances stay distinguishable ("ifDescr.5"). Unknown OIDs come back
// unchanged.
func (t *Table) Name(oid string) string {
	oid = models.NormalizeOID(oid)
	if name, ok := t.names[oid]; ok {
		return name
	}

	prefix := oid
	for {
		i := strings.LastIndexByte(prefix, '.')
		if i <= 0 {
			return oid
		}
		prefix = prefix[:i]
		if name, ok := t.names[prefix]; ok {
			return name + "." + strings.TrimPrefix(oid[len(prefix):], ".")
		}
	}
}

// Len reports the number of named OIDs, built-ins included.
func (t *Table) Len() int { return len(t.names) }
