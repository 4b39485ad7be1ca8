// Package decoder turns raw trap datagram bytes into parsed SNMP packets.
//
// Pipeline position:
//
//	listener → [rawCh] → decoder → snmp/trap (normalizer)
//
// Decoding is pure parse-and-validate: no retries, no side effects beyond the
// returned result. Input is untrusted — every datagram first passes a bounded
// BER frame preflight (see types.go) before the gosnmp unmarshaller
// interprets any value, so fuzzed lengths and recursive nesting claims are
// rejected with a typed error instead of reaching the value parser.
//
// For SNMPv3, authentication and privacy are verified by gosnmp's USM
// implementation against the configured user table before the scoped PDU is
// interpreted; a message failing authentication yields an auth_failure error,
// never partially decoded data.
package decoder

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gosnmp/gosnmp"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// V3User describes one USM user the decoder accepts traps from.
type V3User struct {
	Name           string `yaml:"name"`
	AuthProtocol   string `yaml:"auth_protocol"` // md5, sha, sha224, sha256, sha384, sha512
	AuthPassphrase string `yaml:"auth_passphrase"`
	PrivProtocol   string `yaml:"priv_protocol"` // des, aes, aes192, aes256 — empty for authNoPriv
	PrivPassphrase string `yaml:"priv_passphrase"`
}

// Config controls decoder behaviour.
type Config struct {
	// Community, when non-empty, is enforced against v1/v2c traps. Traps
	// carrying a different community decode to an auth_failure error.
	Community string

	// V3Users is the USM user table for v3 traps. An empty table means v3
	// traps are rejected with unsupported_version.
	V3Users []V3User

	// MaxPacketSize caps accepted datagram size in bytes (default 65507,
	// the UDP maximum).
	MaxPacketSize int

	// MaxVarbinds caps the varbind count of a single PDU (default 256).
	MaxVarbinds int
}

func (c *Config) withDefaults() {
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = 65507
	}
	if c.MaxVarbinds <= 0 {
		c.MaxVarbinds = 256
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Decoder
// ─────────────────────────────────────────────────────────────────────────────

// Decoder converts raw datagram bytes into gosnmp packets. It is stateless
// once constructed and safe for concurrent use — the pipeline runs multiple
// worker goroutines over one instance, each building its own gosnmp session
// value per call because gosnmp mutates the session during unmarshalling.
type Decoder struct {
	cfg    Config
	usm    *gosnmp.SnmpV3SecurityParametersTable // nil when no v3 users
	logger *slog.Logger
}

// New constructs a Decoder. An invalid v3 user definition is a construction
// error: a misconfigured user table must not silently drop traps at runtime.
func New(cfg Config, logger *slog.Logger) (*Decoder, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	cfg.withDefaults()

	var usm *gosnmp.SnmpV3SecurityParametersTable
	if len(cfg.V3Users) > 0 {
		usm = gosnmp.NewSnmpV3SecurityParametersTable(gosnmp.NewLogger(slogAdapter{logger}))
		for _, u := range cfg.V3Users {
			sp, err := buildUsmParams(u)
			if err != nil {
				return nil, fmt.Errorf("decoder: v3 user %q: %w", u.Name, err)
			}
			if err := usm.Add(u.Name, sp); err != nil {
				return nil, fmt.Errorf("decoder: v3 user %q: %w", u.Name, err)
			}
		}
	}

	return &Decoder{cfg: cfg, usm: usm, logger: logger}, nil
}

// Decode parses one datagram. On success it returns the parsed packet with
// its PDU already authenticated (and decrypted for v3 authPriv). On failure
// it returns a *DecodeError carrying the failure category.
func (d *Decoder) Decode(data []byte) (*gosnmp.SnmpPacket, error) {
	if len(data) > d.cfg.MaxPacketSize {
		return nil, decodeErr(CategoryTooLarge, "datagram of %d bytes exceeds cap %d",
			len(data), d.cfg.MaxPacketSize)
	}

	// Structural preflight: framing, lengths, nesting, element caps.
	if err := validateFrame(data); err != nil {
		return nil, err
	}

	version, err := peekVersion(data)
	if err != nil {
		return nil, err
	}
	switch version {
	case 0, 1: // v1, v2c
	case 3:
		if d.usm == nil {
			return nil, decodeErr(CategoryUnsupportedVersion, "v3 trap received but no USM users configured")
		}
	default:
		return nil, decodeErr(CategoryUnsupportedVersion, "version tag %d", version)
	}

	pkt, err := d.session().UnmarshalTrap(data, true)
	if err != nil {
		return nil, classifyUnmarshalError(err)
	}
	if pkt == nil {
		return nil, decodeErr(CategoryMalformed, "unmarshal produced no packet")
	}

	if err := d.checkPacket(pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// session builds a fresh gosnmp value for a single UnmarshalTrap call.
// Version3 with the trap security parameters table handles all three
// versions simultaneously; without v3 users a plain v2c session decodes
// v1/v2c.
func (d *Decoder) session() *gosnmp.GoSNMP {
	s := &gosnmp.GoSNMP{
		Version: gosnmp.Version2c,
		Logger:  gosnmp.NewLogger(slogAdapter{d.logger}),
	}
	if d.usm != nil {
		s.Version = gosnmp.Version3
		s.SecurityModel = gosnmp.UserSecurityModel
		s.SecurityParameters = &gosnmp.UsmSecurityParameters{}
		s.TrapSecurityParametersTable = d.usm
	}
	return s
}

// checkPacket applies post-parse policy: PDU kind, community, varbind cap.
func (d *Decoder) checkPacket(pkt *gosnmp.SnmpPacket) error {
	switch pkt.PDUType {
	case gosnmp.Trap, gosnmp.SNMPv2Trap, gosnmp.InformRequest:
	default:
		return decodeErr(CategoryMalformed, "unexpected PDU type 0x%02x", byte(pkt.PDUType))
	}

	if d.cfg.Community != "" &&
		(pkt.Version == gosnmp.Version1 || pkt.Version == gosnmp.Version2c) &&
		pkt.Community != d.cfg.Community {
		return decodeErr(CategoryAuthFailure, "community mismatch from peer")
	}

	if len(pkt.Variables) > d.cfg.MaxVarbinds {
		return decodeErr(CategoryTooLarge, "%d varbinds exceed cap %d",
			len(pkt.Variables), d.cfg.MaxVarbinds)
	}
	return nil
}

// classifyUnmarshalError maps gosnmp parse errors onto the decode taxonomy.
// gosnmp reports failures as plain strings, so classification is by message
// content; anything unrecognised counts as malformed.
func classifyUnmarshalError(err error) *DecodeError {
	msg := strings.ToLower(err.Error())
	cat := CategoryMalformed
	switch {
	case strings.Contains(msg, "authentic"),
		strings.Contains(msg, "decrypt"),
		strings.Contains(msg, "unknown user"),
		strings.Contains(msg, "security parameters"):
		cat = CategoryAuthFailure
	case strings.Contains(msg, "truncated"),
		strings.Contains(msg, "end of data"),
		strings.Contains(msg, "length"):
		cat = CategoryTruncated
	case strings.Contains(msg, "version"):
		cat = CategoryUnsupportedVersion
	}
	return &DecodeError{Category: cat, Detail: "unmarshal", Err: err}
}

// ─────────────────────────────────────────────────────────────────────────────
// USM construction
// ─────────────────────────────────────────────────────────────────────────────

func buildUsmParams(u V3User) (*gosnmp.UsmSecurityParameters, error) {
	if u.Name == "" {
		return nil, fmt.Errorf("empty user name")
	}

	auth, err := authProtocol(u.AuthProtocol)
	if err != nil {
		return nil, err
	}
	priv, err := privProtocol(u.PrivProtocol)
	if err != nil {
		return nil, err
	}

	return &gosnmp.UsmSecurityParameters{
		UserName:                 u.Name,
		AuthenticationProtocol:   auth,
		AuthenticationPassphrase: u.AuthPassphrase,
		PrivacyProtocol:          priv,
		PrivacyPassphrase:        u.PrivPassphrase,
	}, nil
}

func authProtocol(name string) (gosnmp.SnmpV3AuthProtocol, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return gosnmp.NoAuth, nil
	case "md5":
		return gosnmp.MD5, nil
	case "sha":
		return gosnmp.SHA, nil
	case "sha224":
		return gosnmp.SHA224, nil
	case "sha256":
		return gosnmp.SHA256, nil
	case "sha384":
		return gosnmp.SHA384, nil
	case "sha512":
		return gosnmp.SHA512, nil
	default:
		return gosnmp.NoAuth, fmt.Errorf("unknown auth protocol %q", name)
	}
}

func privProtocol(name string) (gosnmp.SnmpV3PrivProtocol, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return gosnmp.NoPriv, nil
	case "des":
		return gosnmp.DES, nil
	case "aes":
		return gosnmp.AES, nil
	case "aes192":
		return gosnmp.AES192, nil
	case "aes256":
		return gosnmp.AES256, nil
	case "aes192c":
		return gosnmp.AES192C, nil
	case "aes256c":
		return gosnmp.AES256C, nil
	default:
		return gosnmp.NoPriv, fmt.Errorf("unknown privacy protocol %q", name)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// slogAdapter bridges slog.Logger to gosnmp's Printf-style Logger interface.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Print(v ...interface{}) {
	a.l.Debug(fmt.Sprint(v...))
}

func (a slogAdapter) Printf(format string, v ...interface{}) {
	a.l.Debug(fmt.Sprintf(format, v...))
}
