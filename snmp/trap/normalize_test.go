package trap_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/Kek5chen/snmp-trap-alertmanager/models"
	"github.com/Kek5chen/snmp-trap-alertmanager/snmp/trap"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

var (
	testAddr = &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: 162}
	testTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
)

func pdu(name string, typ gosnmp.Asn1BER, value interface{}) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: name, Type: typ, Value: value}
}

func normalize(t *testing.T, pkt *gosnmp.SnmpPacket) models.Trap {
	t.Helper()
	result, err := trap.New(nil).Normalize(pkt, testAddr, testTime)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return result
}

// ─────────────────────────────────────────────────────────────────────────────
// v1 traps
// ─────────────────────────────────────────────────────────────────────────────

func TestNormalize_V1_GenericLinkDown(t *testing.T) {
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version1,
		Community: "public",
		PDUType:   gosnmp.Trap,
		SnmpTrap: gosnmp.SnmpTrap{
			Enterprise:   "1.3.6.1.4.1.9",
			AgentAddress: "10.0.0.1",
			GenericTrap:  2, // linkDown
			SpecificTrap: 0,
			Timestamp:    1234,
		},
		Variables: []gosnmp.SnmpPDU{
			pdu("1.3.6.1.2.1.2.2.1.1.5", gosnmp.Integer, 5),
		},
	}

	result := normalize(t, pkt)

	// Generic 2 maps to the well-known linkDown OID.
	if result.TrapOID != ".1.3.6.1.6.3.1.1.5.3" {
		t.Errorf("TrapOID = %q, want .1.3.6.1.6.3.1.1.5.3", result.TrapOID)
	}
	// v1 agent address wins over the UDP peer.
	if result.Source != "10.0.0.1" {
		t.Errorf("Source = %q, want 10.0.0.1", result.Source)
	}
	if result.Version != "1" {
		t.Errorf("Version = %q, want 1", result.Version)
	}
	if result.Community != "public" {
		t.Errorf("Community = %q, want public", result.Community)
	}
	if result.Uptime != 12340*time.Millisecond {
		t.Errorf("Uptime = %v, want 12.34s", result.Uptime)
	}
	if result.VarbindCount != 1 {
		t.Errorf("VarbindCount = %d, want 1", result.VarbindCount)
	}
	v, ok := result.Variables[".1.3.6.1.2.1.2.2.1.1.5"]
	if !ok || v.Int != 5 {
		t.Errorf("ifIndex variable = %v, %v", v, ok)
	}
	if !result.ReceivedAt.Equal(testTime) {
		t.Errorf("ReceivedAt = %v, want %v", result.ReceivedAt, testTime)
	}
}

func TestNormalize_V1_EnterpriseSpecific(t *testing.T) {
	pkt := &gosnmp.SnmpPacket{
		Version: gosnmp.Version1,
		PDUType: gosnmp.Trap,
		SnmpTrap: gosnmp.SnmpTrap{
			Enterprise:   "1.3.6.1.4.1.9",
			AgentAddress: "10.0.0.2",
			GenericTrap:  6,
			SpecificTrap: 2,
		},
	}

	result := normalize(t, pkt)

	// Enterprise-specific: <enterprise>.0.<specific>
	if result.TrapOID != ".1.3.6.1.4.1.9.0.2" {
		t.Errorf("TrapOID = %q, want .1.3.6.1.4.1.9.0.2", result.TrapOID)
	}
}

func TestNormalize_V1_MissingEnterprise(t *testing.T) {
	pkt := &gosnmp.SnmpPacket{
		Version: gosnmp.Version1,
		PDUType: gosnmp.Trap,
		SnmpTrap: gosnmp.SnmpTrap{
			GenericTrap:  6,
			SpecificTrap: 1,
		},
	}

	_, err := trap.New(nil).Normalize(pkt, testAddr, testTime)
	if !errors.Is(err, trap.ErrMissingTrapIdentity) {
		t.Fatalf("err = %v, want ErrMissingTrapIdentity", err)
	}
}

func TestNormalize_V1_GenericOutOfRange(t *testing.T) {
	// Generic-trap codes outside 0..6 are not in the protocol: they must
	// not be mapped onto the enterprise-specific form.
	for _, generic := range []int{-1, 7, 99} {
		pkt := &gosnmp.SnmpPacket{
			Version: gosnmp.Version1,
			PDUType: gosnmp.Trap,
			SnmpTrap: gosnmp.SnmpTrap{
				Enterprise:   "1.3.6.1.4.1.9",
				GenericTrap:  generic,
				SpecificTrap: 2,
			},
		}

		_, err := trap.New(nil).Normalize(pkt, testAddr, testTime)
		if !errors.Is(err, trap.ErrMissingTrapIdentity) {
			t.Errorf("generic %d: err = %v, want ErrMissingTrapIdentity", generic, err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// v2c traps
// ─────────────────────────────────────────────────────────────────────────────

func v2cPacket(vars ...gosnmp.SnmpPDU) *gosnmp.SnmpPacket {
	return &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: "public",
		PDUType:   gosnmp.SNMPv2Trap,
		Variables: vars,
	}
}

func TestNormalize_V2c_LinkDown(t *testing.T) {
	pkt := v2cPacket(
		pdu(".1.3.6.1.2.1.1.3.0", gosnmp.TimeTicks, uint32(500)),
		pdu(".1.3.6.1.6.3.1.1.4.1.0", gosnmp.ObjectIdentifier, ".1.3.6.1.6.3.1.1.5.3"),
		pdu(".1.3.6.1.2.1.2.2.1.1.5", gosnmp.Integer, 5),
		pdu(".1.3.6.1.2.1.2.2.1.2.5", gosnmp.OctetString, []byte("eth5")),
	)

	result := normalize(t, pkt)

	if result.TrapOID != ".1.3.6.1.6.3.1.1.5.3" {
		t.Errorf("TrapOID = %q, want linkDown", result.TrapOID)
	}
	if result.Source != "192.168.1.50" {
		t.Errorf("Source = %q, want UDP peer", result.Source)
	}
	if result.Uptime != 5*time.Second {
		t.Errorf("Uptime = %v, want 5s", result.Uptime)
	}
	// Header varbinds are stripped from the variable mapping.
	if len(result.Variables) != 2 {
		t.Errorf("Variables len = %d, want 2", len(result.Variables))
	}
	if result.VarbindCount != 4 {
		t.Errorf("VarbindCount = %d, want 4 (pre-flattening)", result.VarbindCount)
	}
	if v := result.Variables[".1.3.6.1.2.1.2.2.1.2.5"]; v.Str != "eth5" {
		t.Errorf("ifDescr = %v, want eth5", v)
	}
}

func TestNormalize_V2c_MissingTrapOID(t *testing.T) {
	pkt := v2cPacket(
		pdu(".1.3.6.1.2.1.1.3.0", gosnmp.TimeTicks, uint32(500)),
		pdu(".1.3.6.1.2.1.2.2.1.1.5", gosnmp.Integer, 5),
	)

	_, err := trap.New(nil).Normalize(pkt, testAddr, testTime)
	if !errors.Is(err, trap.ErrMissingTrapIdentity) {
		t.Fatalf("err = %v, want ErrMissingTrapIdentity", err)
	}
}

func TestNormalize_DuplicateVarbindLastWins(t *testing.T) {
	pkt := v2cPacket(
		pdu(".1.3.6.1.6.3.1.1.4.1.0", gosnmp.ObjectIdentifier, ".1.3.6.1.4.1.9.0.2"),
		pdu(".1.3.6.1.4.1.9.9.1.0", gosnmp.OctetString, []byte("first")),
		pdu(".1.3.6.1.4.1.9.9.1.0", gosnmp.OctetString, []byte("second")),
	)

	result := normalize(t, pkt)

	if len(result.Variables) != 1 {
		t.Fatalf("Variables len = %d, want 1", len(result.Variables))
	}
	if v := result.Variables[".1.3.6.1.4.1.9.9.1.0"]; v.Str != "second" {
		t.Errorf("duplicate OID value = %q, want second (last wins)", v.Str)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Value conversion
// ─────────────────────────────────────────────────────────────────────────────

func TestNormalize_ValueKinds(t *testing.T) {
	pkt := v2cPacket(
		pdu(".1.3.6.1.6.3.1.1.4.1.0", gosnmp.ObjectIdentifier, ".1.3.6.1.4.1.9.0.1"),
		pdu(".1.3.1", gosnmp.Integer, -3),
		pdu(".1.3.2", gosnmp.OctetString, []byte("text")),
		pdu(".1.3.3", gosnmp.OctetString, []byte{0x00, 0xff}),
		pdu(".1.3.4", gosnmp.Counter64, uint64(1<<40)),
		pdu(".1.3.5", gosnmp.IPAddress, "10.1.2.3"),
		pdu(".1.3.6", gosnmp.ObjectIdentifier, "1.3.6.1.2.1"),
		pdu(".1.3.7", gosnmp.Null, nil),
		pdu(".1.3.8", gosnmp.NoSuchObject, nil),
	)

	result := normalize(t, pkt)

	cases := []struct {
		oid  string
		kind models.ValueKind
		str  string
	}{
		{".1.3.1", models.KindInteger, "-3"},
		{".1.3.2", models.KindString, "text"},
		{".1.3.3", models.KindBytes, "00ff"},
		{".1.3.4", models.KindCounter64, "1099511627776"},
		{".1.3.5", models.KindIPAddress, "10.1.2.3"},
		{".1.3.6", models.KindOID, ".1.3.6.1.2.1"},
		{".1.3.7", models.KindNull, ""},
	}
	for _, c := range cases {
		v, ok := result.Variables[c.oid]
		if !ok {
			t.Errorf("variable %s missing", c.oid)
			continue
		}
		if v.Kind != c.kind {
			t.Errorf("%s kind = %v, want %v", c.oid, v.Kind, c.kind)
		}
		if v.String() != c.str {
			t.Errorf("%s String() = %q, want %q", c.oid, v.String(), c.str)
		}
	}

	// Error PDU types are skipped entirely.
	if _, ok := result.Variables[".1.3.8"]; ok {
		t.Error("NoSuchObject varbind should be skipped")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Edge cases
// ─────────────────────────────────────────────────────────────────────────────

func TestNormalize_NilPacket(t *testing.T) {
	if _, err := trap.New(nil).Normalize(nil, testAddr, testTime); err == nil {
		t.Fatal("Normalize(nil) should error")
	}
}

func TestNormalize_V3SecurityName(t *testing.T) {
	pkt := &gosnmp.SnmpPacket{
		Version: gosnmp.Version3,
		PDUType: gosnmp.SNMPv2Trap,
		SecurityParameters: &gosnmp.UsmSecurityParameters{
			UserName: "ops",
		},
		Variables: []gosnmp.SnmpPDU{
			pdu(".1.3.6.1.6.3.1.1.4.1.0", gosnmp.ObjectIdentifier, ".1.3.6.1.4.1.9.0.2"),
		},
	}

	result := normalize(t, pkt)

	if result.Community != "ops" {
		t.Errorf("Community = %q, want USM security name", result.Community)
	}
	if result.Version != "3" {
		t.Errorf("Version = %q, want 3", result.Version)
	}
}
