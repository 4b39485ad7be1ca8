// Package models defines the core data structures shared across all layers of
// the trap-to-Alertmanager bridge. These types represent the canonical
// in-memory form of everything that flows through the pipeline; every other
// package depends on this package and nothing here depends on any other
// internal package.
package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// RawDatagram is a single UDP datagram exactly as it arrived on the trap
// socket. It is owned by the listener until handed to a pipeline worker and
// is never retained past decoding.
type RawDatagram struct {
	// Data is the raw packet bytes. The slice is a private copy; the
	// listener's read buffer is reused immediately after the copy.
	Data []byte

	// Source is the UDP peer the datagram arrived from.
	Source *net.UDPAddr

	// ReceivedAt is the wall-clock receipt time.
	ReceivedAt time.Time
}

// Trap is the canonical, normalized form of a received SNMP trap or inform.
// It is produced by snmp/trap.Normalize and consumed by the rule engine.
type Trap struct {
	// TrapOID is the effective notification identity, always present and
	// normalized with a leading dot. For v1 traps it is synthesised from the
	// enterprise OID and trap codes per RFC 3584 §3.1; for v2c/v3 it is the
	// value of the snmpTrapOID.0 varbind.
	TrapOID string `json:"trap_oid"`

	// Source is the sender identity: the v1 agent-address field when present,
	// otherwise the UDP peer address.
	Source string `json:"source"`

	// Community is the v1/v2c community string, or the v3 security name.
	Community string `json:"community"`

	// Version is "1", "2c", or "3".
	Version string `json:"version"`

	// Uptime is the agent uptime reported in the trap, when available.
	Uptime time.Duration `json:"uptime,omitempty"`

	// ReceivedAt is the wall-clock time the datagram was read off the socket.
	ReceivedAt time.Time `json:"received_at"`

	// Variables maps normalized varbind OIDs to their decoded values.
	// Duplicate OIDs within one trap are resolved last-wins at normalize time.
	Variables map[string]Value `json:"variables"`

	// VarbindCount is the number of varbinds carried by the PDU before
	// flattening, including any duplicates and the standard v2c/v3 header
	// varbinds (sysUpTime.0, snmpTrapOID.0).
	VarbindCount int `json:"varbind_count"`
}

// Lookup returns the value for the variable whose OID equals oid, or whose
// OID extends oid by an instance suffix (e.g. ifDescr vs ifDescr.5). Exact
// matches win; otherwise the lexically smallest matching OID is returned so
// the choice is deterministic.
func (t Trap) Lookup(oid string) (Value, bool) {
	oid = NormalizeOID(oid)
	if v, ok := t.Variables[oid]; ok {
		return v, true
	}

	prefix := oid + "."
	best := ""
	for k := range t.Variables {
		if strings.HasPrefix(k, prefix) && (best == "" || k < best) {
			best = k
		}
	}
	if best == "" {
		return Value{}, false
	}
	return t.Variables[best], true
}

// ValueKind enumerates the SNMP value type set carried in varbinds.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInteger
	KindString
	KindBytes
	KindOID
	KindIPAddress
	KindCounter32
	KindGauge32
	KindCounter64
	KindTimeTicks
)

// String returns the conventional SNMP name for the kind.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindInteger:
		return "Integer"
	case KindString:
		return "OctetString"
	case KindBytes:
		return "OctetString"
	case KindOID:
		return "ObjectIdentifier"
	case KindIPAddress:
		return "IpAddress"
	case KindCounter32:
		return "Counter32"
	case KindGauge32:
		return "Gauge32"
	case KindCounter64:
		return "Counter64"
	case KindTimeTicks:
		return "TimeTicks"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Value is a tagged variant over the SNMP varbind value types. Exactly one of
// the payload fields is meaningful, selected by Kind:
//
//	KindInteger                     → Int
//	KindCounter32/Gauge32/Counter64 → Uint
//	KindTimeTicks                   → Uint (hundredths of a second)
//	KindString/KindOID/KindIPAddress→ Str
//	KindBytes                       → Str (hex encoded, printability failed)
//	KindNull                        → none
type Value struct {
	Kind ValueKind `json:"kind"`
	Int  int64     `json:"int,omitempty"`
	Uint uint64    `json:"uint,omitempty"`
	Str  string    `json:"str,omitempty"`
}

// IntValue builds a KindInteger value.
func IntValue(v int64) Value { return Value{Kind: KindInteger, Int: v} }

// StringValue builds a KindString value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// BytesValue builds a value for a non-printable octet string. The payload is
// stored hex encoded.
func BytesValue(b []byte) Value {
	return Value{Kind: KindBytes, Str: fmt.Sprintf("%x", b)}
}

// OIDValue builds a KindOID value with a normalized OID payload.
func OIDValue(oid string) Value { return Value{Kind: KindOID, Str: NormalizeOID(oid)} }

// IPValue builds a KindIPAddress value.
func IPValue(ip string) Value { return Value{Kind: KindIPAddress, Str: ip} }

// UintValue builds a counter/gauge/ticks value of the given kind.
func UintValue(kind ValueKind, v uint64) Value { return Value{Kind: kind, Uint: v} }

// String renders the value for display and template substitution.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindCounter32, KindGauge32, KindCounter64, KindTimeTicks:
		return strconv.FormatUint(v.Uint, 10)
	default:
		return v.Str
	}
}

// Float returns the value as a float64 for numeric predicate comparison.
// String payloads that parse as numbers are accepted; everything else
// reports false.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case KindInteger:
		return float64(v.Int), true
	case KindCounter32, KindGauge32, KindCounter64, KindTimeTicks:
		return float64(v.Uint), true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// NormalizeOID ensures an OID string has a leading dot and no trailing dot.
func NormalizeOID(oid string) string {
	oid = strings.TrimSpace(oid)
	if oid == "" {
		return ""
	}
	if !strings.HasPrefix(oid, ".") {
		oid = "." + oid
	}
	return strings.TrimSuffix(oid, ".")
}

// OIDHasPrefix reports whether oid falls under prefix in the OID tree.
// A prefix matches itself and any descendant, but never a sibling that merely
// shares leading digits (.1.3.6.1.41 is not under .1.3.6.1.4).
func OIDHasPrefix(oid, prefix string) bool {
	oid = NormalizeOID(oid)
	prefix = NormalizeOID(prefix)
	if oid == prefix {
		return true
	}
	return strings.HasPrefix(oid, prefix+".")
}
