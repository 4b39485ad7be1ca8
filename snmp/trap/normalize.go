// Package trap converts decoded SNMP trap and inform packets into the
// canonical models.Trap representation. It owns the protocol-level
// differences between v1, v2c, and v3 traps but has no knowledge of UDP
// socket management or rule matching.
package trap

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/Kek5chen/snmp-trap-alertmanager/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Well-known OID constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	// oidSysUpTime is sysUpTime.0 — the first standard varbind in v2c/v3
	// trap PDUs.
	oidSysUpTime = ".1.3.6.1.2.1.1.3.0"

	// oidSnmpTrapOID is snmpTrapOID.0 — the second standard varbind in
	// v2c/v3 trap PDUs; its value is the actual trap OID.
	oidSnmpTrapOID = ".1.3.6.1.6.3.1.1.4.1.0"

	// genericTrapBase is the RFC 3584 §3.1 OID prefix for the six standard
	// v1 generic traps (coldStart .. egpNeighborLoss).
	genericTrapBase = ".1.3.6.1.6.3.1.1.5"
)

// ErrMissingTrapIdentity is returned when neither the v1 trap codes nor a
// snmpTrapOID.0 varbind yield a trap OID. Such a message has no notification
// identity and cannot be matched against rules.
var ErrMissingTrapIdentity = errors.New("trap: no trap identity in message")

// ─────────────────────────────────────────────────────────────────────────────
// Normalizer
// ─────────────────────────────────────────────────────────────────────────────

// Normalizer flattens decoded packets into models.Trap values. It is
// stateless and safe for concurrent use; the logger is only consulted for
// decode warnings such as duplicate varbind OIDs.
type Normalizer struct {
	logger *slog.Logger
}

// New constructs a Normalizer.
func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Normalizer{logger: logger}
}

// Normalize converts an authenticated gosnmp packet into a models.Trap.
// remoteAddr is the UDP peer; receivedAt is the socket read time.
//
// The effective trap OID is computed per version: v1 synthesises it from the
// enterprise OID and trap codes following RFC 3584 §3.1; v2c/v3 extract the
// mandatory snmpTrapOID.0 varbind verbatim. A message yielding no trap OID
// fails with ErrMissingTrapIdentity.
func (n *Normalizer) Normalize(pkt *gosnmp.SnmpPacket, remoteAddr *net.UDPAddr, receivedAt time.Time) (models.Trap, error) {
	if pkt == nil {
		return models.Trap{}, fmt.Errorf("trap: nil packet")
	}

	out := models.Trap{
		Source:       sourceAddress(pkt, remoteAddr),
		Community:    communityOf(pkt),
		Version:      versionString(pkt.Version),
		ReceivedAt:   receivedAt.UTC(),
		VarbindCount: len(pkt.Variables),
	}

	switch pkt.Version {
	case gosnmp.Version1:
		oid, err := v1TrapOID(pkt)
		if err != nil {
			return models.Trap{}, err
		}
		out.TrapOID = oid
		out.Uptime = ticksToDuration(uint64(pkt.Timestamp))
		out.Variables = n.flatten(pkt.Variables, out.Source)

	case gosnmp.Version2c, gosnmp.Version3:
		oid, uptime, payload, err := v2TrapHeader(pkt)
		if err != nil {
			return models.Trap{}, err
		}
		out.TrapOID = oid
		out.Uptime = uptime
		out.Variables = n.flatten(payload, out.Source)

	default:
		return models.Trap{}, fmt.Errorf("trap: unsupported SNMP version %v", pkt.Version)
	}

	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Trap identity
// ─────────────────────────────────────────────────────────────────────────────

// v1TrapOID synthesises the notification identity from a v1 trap PDU
// following the v1-to-v2 mapping of RFC 3584 §3.1:
//
//	generic 0-5 → standard OID .1.3.6.1.6.3.1.1.5.<generic+1>
//	generic 6   → enterprise-specific <enterprise>.0.<specific>
//
// Any other generic-trap code is outside the protocol and yields no
// identity.
func v1TrapOID(pkt *gosnmp.SnmpPacket) (string, error) {
	if pkt.GenericTrap < 0 || pkt.GenericTrap > 6 {
		return "", fmt.Errorf("%w: v1 generic-trap code %d out of range", ErrMissingTrapIdentity, pkt.GenericTrap)
	}
	if pkt.GenericTrap < 6 {
		return fmt.Sprintf("%s.%d", genericTrapBase, pkt.GenericTrap+1), nil
	}

	ent := models.NormalizeOID(pkt.Enterprise)
	if ent == "" {
		return "", fmt.Errorf("%w: enterprise-specific v1 trap without enterprise OID", ErrMissingTrapIdentity)
	}
	return fmt.Sprintf("%s.0.%d", ent, pkt.SpecificTrap), nil
}

// v2TrapHeader extracts the trap OID and uptime from a v2c/v3 PDU and
// returns the payload varbinds with the two standard header varbinds
// stripped. snmpTrapOID.0 is located by search rather than position to
// tolerate agents that omit sysUpTime.0.
func v2TrapHeader(pkt *gosnmp.SnmpPacket) (oid string, uptime time.Duration, payload []gosnmp.SnmpPDU, err error) {
	payload = make([]gosnmp.SnmpPDU, 0, len(pkt.Variables))

	for _, v := range pkt.Variables {
		switch models.NormalizeOID(v.Name) {
		case oidSysUpTime:
			uptime = ticksToDuration(gosnmp.ToBigInt(v.Value).Uint64())
		case oidSnmpTrapOID:
			raw := oidPayload(v.Value)
			if raw != "" {
				oid = models.NormalizeOID(raw)
			}
		default:
			payload = append(payload, v)
		}
	}

	if oid == "" {
		return "", 0, nil, fmt.Errorf("%w: no snmpTrapOID.0 varbind", ErrMissingTrapIdentity)
	}
	return oid, uptime, payload, nil
}

// oidPayload renders an OID-typed varbind value as a string.
func oidPayload(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Varbind flattening
// ─────────────────────────────────────────────────────────────────────────────

// flatten converts payload varbinds into the OID-keyed variable mapping.
// Duplicate OIDs within one trap are illegal per the SMI but appear in the
// wild; the later binding wins and a decode warning is logged — a duplicate
// is never a hard failure.
func (n *Normalizer) flatten(pdus []gosnmp.SnmpPDU, source string) map[string]models.Value {
	vars := make(map[string]models.Value, len(pdus))
	for _, pdu := range pdus {
		if isErrorPDU(pdu.Type) {
			continue
		}
		oid := models.NormalizeOID(pdu.Name)
		if _, dup := vars[oid]; dup {
			n.logger.Warn("trap: duplicate varbind OID — last value wins",
				"oid", oid,
				"source", source,
			)
		}
		vars[oid] = convertValue(pdu)
	}
	return vars
}

// isErrorPDU reports PDU types that signal a missing value rather than data.
func isErrorPDU(t gosnmp.Asn1BER) bool {
	return t == gosnmp.NoSuchObject || t == gosnmp.NoSuchInstance ||
		t == gosnmp.EndOfMibView
}

// convertValue maps a gosnmp PDU value onto the models.Value variant.
func convertValue(pdu gosnmp.SnmpPDU) models.Value {
	switch pdu.Type {
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			if isPrintable(b) {
				return models.StringValue(string(b))
			}
			return models.BytesValue(b)
		}
		return models.StringValue(fmt.Sprintf("%v", pdu.Value))

	case gosnmp.ObjectIdentifier:
		return models.OIDValue(oidPayload(pdu.Value))

	case gosnmp.IPAddress:
		return models.IPValue(fmt.Sprintf("%v", pdu.Value))

	case gosnmp.Integer:
		return models.IntValue(gosnmp.ToBigInt(pdu.Value).Int64())

	case gosnmp.Counter32:
		return models.UintValue(models.KindCounter32, gosnmp.ToBigInt(pdu.Value).Uint64())

	case gosnmp.Gauge32, gosnmp.Uinteger32:
		return models.UintValue(models.KindGauge32, gosnmp.ToBigInt(pdu.Value).Uint64())

	case gosnmp.Counter64:
		return models.UintValue(models.KindCounter64, gosnmp.ToBigInt(pdu.Value).Uint64())

	case gosnmp.TimeTicks:
		return models.UintValue(models.KindTimeTicks, gosnmp.ToBigInt(pdu.Value).Uint64())

	case gosnmp.Null:
		return models.Value{Kind: models.KindNull}

	default:
		return models.StringValue(fmt.Sprintf("%v", pdu.Value))
	}
}

// isPrintable reports whether all bytes are printable ASCII or common
// whitespace, i.e. safe to treat as a display string.
func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
		if c > 0x7e {
			return false
		}
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Source identity
// ─────────────────────────────────────────────────────────────────────────────

// sourceAddress prefers the explicit v1 agent-address field when present,
// since the UDP peer may be a relay rather than the faulting device.
func sourceAddress(pkt *gosnmp.SnmpPacket, remoteAddr *net.UDPAddr) string {
	if pkt.Version == gosnmp.Version1 && pkt.AgentAddress != "" {
		return pkt.AgentAddress
	}
	if remoteAddr != nil {
		return remoteAddr.IP.String()
	}
	return ""
}

// communityOf returns the v1/v2c community string, or the v3 USM security
// name — the closest v3 analogue for labelling purposes.
func communityOf(pkt *gosnmp.SnmpPacket) string {
	if pkt.Version != gosnmp.Version3 {
		return pkt.Community
	}
	if usm, ok := pkt.SecurityParameters.(*gosnmp.UsmSecurityParameters); ok && usm != nil {
		return usm.UserName
	}
	return ""
}

func versionString(v gosnmp.SnmpVersion) string {
	switch v {
	case gosnmp.Version1:
		return "1"
	case gosnmp.Version2c:
		return "2c"
	case gosnmp.Version3:
		return "3"
	default:
		return "unknown"
	}
}

// ticksToDuration converts SNMP TimeTicks (hundredths of a second).
func ticksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * 10 * time.Millisecond
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }
