// Package config loads the trapalertd settings file.
//
// A single YAML file describes every tunable: the UDP listener, SNMP
// credentials, rule/enrichment/OID-table file locations, Alertmanager
// delivery, tracker behaviour, rendering, and the admin HTTP server. A few
// deployment-critical values can be overridden through environment
// variables:
//
//	TRAPALERTD_LISTEN_ADDR        → Settings.ListenAddr
//	TRAPALERTD_ALERTMANAGER_URL   → Settings.AlertmanagerURL
//	TRAPALERTD_RULES_FILE         → Settings.RulesFile
//	TRAPALERTD_COMMUNITY          → Settings.Community
//	TRAPALERTD_WEB_ADDR           → Settings.WebAddr
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ─────────────────────────────────────────────────────────────────────────────
// Settings
// ─────────────────────────────────────────────────────────────────────────────

// V3User holds one set of SNMPv3 USM credentials.
type V3User struct {
	// Username is the SNMPv3 security name.
	Username string `yaml:"username"`

	// AuthenticationProtocol is one of: md5, sha, sha224, sha256, sha384, sha512.
	AuthenticationProtocol string `yaml:"authentication_protocol"`

	// AuthenticationPassphrase is the passphrase for the chosen auth protocol.
	AuthenticationPassphrase string `yaml:"authentication_passphrase"`

	// PrivacyProtocol is one of: des, aes, aes192, aes256, aes192c, aes256c.
	PrivacyProtocol string `yaml:"privacy_protocol"`

	// PrivacyPassphrase is the passphrase for the chosen privacy protocol.
	PrivacyPassphrase string `yaml:"privacy_passphrase"`
}

// Settings is the fully-resolved configuration. Zero-valued optional fields
// in the YAML are filled with hard-coded fallbacks during resolution.
type Settings struct {
	// ListenAddr is the UDP address the trap listener binds (default "0.0.0.0:162").
	ListenAddr string
	// QueueSize bounds the raw-datagram queue between socket and workers.
	QueueSize int
	// Workers is the number of pipeline workers draining the queue.
	Workers int

	// Community is the required v1/v2c community; empty accepts any.
	Community string
	// MaxVarbinds caps varbinds per decoded trap.
	MaxVarbinds int
	// V3Users lists the accepted SNMPv3 USM users.
	V3Users []V3User

	// RulesFile locates the match-rule YAML (required).
	RulesFile string
	// EnrichmentsFile locates enrichment definitions (optional).
	EnrichmentsFile string
	// OIDNamesFile locates the OID display-name table (optional).
	OIDNamesFile string
	// WatchRules enables hot reload of the rule file.
	WatchRules bool

	// AlertmanagerURL is the delivery target base URL (required).
	AlertmanagerURL string
	// GeneratorURL is attached to outbound alerts (optional).
	GeneratorURL string
	// HTTPTimeout bounds one delivery POST.
	HTTPTimeout time.Duration
	// BatchSize and BatchDelay shape delivery batching.
	BatchSize  int
	BatchDelay time.Duration
	// MaxRetries bounds re-attempts per batch before overflow.
	MaxRetries int
	// DispatchQueueSize bounds the rendered-alert queue.
	DispatchQueueSize int
	// OverflowSize bounds the undeliverable-alert buffer.
	OverflowSize int

	// TrackerShards partitions alert records for concurrent access.
	TrackerShards int
	// SweepInterval is the resolve-timeout sweep period.
	SweepInterval time.Duration

	// CommunityLabel names the label carrying the community string.
	CommunityLabel string
	// SkipVarbindLabels disables varbind-to-label expansion.
	SkipVarbindLabels bool
	// KeepLabelAffixes disables common prefix/suffix truncation.
	KeepLabelAffixes bool

	// WebAddr is the admin/metrics HTTP listen address (default ":9164").
	WebAddr string

	// AuditFile, when set, appends every outbound alert as JSON lines.
	AuditFile string
	// AuditMaxBytes rotates the audit file at this size (0 disables).
	AuditMaxBytes int64
	// AuditMaxBackups caps rotated audit files (0 keeps all).
	AuditMaxBackups int
}

// ─────────────────────────────────────────────────────────────────────────────
// Raw YAML schema
// ─────────────────────────────────────────────────────────────────────────────

// rawSettings maps 1-to-1 with the settings YAML schema. Durations are
// spelled as strings ("2s", "1m30s") and parsed during resolution.
type rawSettings struct {
	Listen struct {
		Addr      string `yaml:"addr"`
		QueueSize int    `yaml:"queue_size"`
	} `yaml:"listen"`
	Workers int `yaml:"workers"`

	SNMP struct {
		Community   string   `yaml:"community"`
		MaxVarbinds int      `yaml:"max_varbinds"`
		V3Users     []V3User `yaml:"v3_users"`
	} `yaml:"snmp"`

	RulesFile       string `yaml:"rules_file"`
	EnrichmentsFile string `yaml:"enrichments_file"`
	OIDNamesFile    string `yaml:"oid_names_file"`
	WatchRules      *bool  `yaml:"watch_rules"`

	Alertmanager struct {
		URL          string `yaml:"url"`
		GeneratorURL string `yaml:"generator_url"`
		Timeout      string `yaml:"timeout"`
		BatchSize    int    `yaml:"batch_size"`
		BatchDelay   string `yaml:"batch_delay"`
		MaxRetries   int    `yaml:"max_retries"`
		QueueSize    int    `yaml:"queue_size"`
		OverflowSize int    `yaml:"overflow_size"`
	} `yaml:"alertmanager"`

	Tracker struct {
		Shards        int    `yaml:"shards"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"tracker"`

	Render struct {
		CommunityLabel    string `yaml:"community_label"`
		SkipVarbindLabels bool   `yaml:"skip_varbind_labels"`
		KeepLabelAffixes  bool   `yaml:"keep_label_affixes"`
	} `yaml:"render"`

	Web struct {
		Addr string `yaml:"addr"`
	} `yaml:"web"`

	Audit struct {
		File       string `yaml:"file"`
		MaxBytes   int64  `yaml:"max_bytes"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"audit"`
}

// Load reads, resolves, and validates the settings file, then applies the
// environment overrides.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse resolves settings from raw YAML. Exposed for tests.
func Parse(data []byte) (Settings, error) {
	var raw rawSettings
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Settings{}, fmt.Errorf("config: parse: %w", err)
	}

	s, err := raw.resolve()
	if err != nil {
		return Settings{}, err
	}
	s.applyEnv()
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (r rawSettings) resolve() (Settings, error) {
	s := Settings{
		ListenAddr:  r.Listen.Addr,
		QueueSize:   r.Listen.QueueSize,
		Workers:     r.Workers,
		Community:   r.SNMP.Community,
		MaxVarbinds: r.SNMP.MaxVarbinds,
		V3Users:     r.SNMP.V3Users,

		RulesFile:       r.RulesFile,
		EnrichmentsFile: r.EnrichmentsFile,
		OIDNamesFile:    r.OIDNamesFile,
		WatchRules:      r.WatchRules == nil || *r.WatchRules,

		AlertmanagerURL:   r.Alertmanager.URL,
		GeneratorURL:      r.Alertmanager.GeneratorURL,
		BatchSize:         r.Alertmanager.BatchSize,
		MaxRetries:        r.Alertmanager.MaxRetries,
		DispatchQueueSize: r.Alertmanager.QueueSize,
		OverflowSize:      r.Alertmanager.OverflowSize,

		TrackerShards: r.Tracker.Shards,

		CommunityLabel:    r.Render.CommunityLabel,
		SkipVarbindLabels: r.Render.SkipVarbindLabels,
		KeepLabelAffixes:  r.Render.KeepLabelAffixes,

		WebAddr: r.Web.Addr,

		AuditFile:       r.Audit.File,
		AuditMaxBytes:   r.Audit.MaxBytes,
		AuditMaxBackups: r.Audit.MaxBackups,
	}

	var err error
	if s.HTTPTimeout, err = durationOr(r.Alertmanager.Timeout, 10*time.Second); err != nil {
		return Settings{}, fmt.Errorf("config: alertmanager.timeout: %w", err)
	}
	if s.BatchDelay, err = durationOr(r.Alertmanager.BatchDelay, 2*time.Second); err != nil {
		return Settings{}, fmt.Errorf("config: alertmanager.batch_delay: %w", err)
	}
	if s.SweepInterval, err = durationOr(r.Tracker.SweepInterval, 15*time.Second); err != nil {
		return Settings{}, fmt.Errorf("config: tracker.sweep_interval: %w", err)
	}

	// ── Fallbacks ────────────────────────────────────────────────────────
	if s.ListenAddr == "" {
		s.ListenAddr = "0.0.0.0:162"
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 10_000
	}
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.MaxVarbinds <= 0 {
		s.MaxVarbinds = 256
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 64
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.DispatchQueueSize <= 0 {
		s.DispatchQueueSize = 1024
	}
	if s.OverflowSize <= 0 {
		s.OverflowSize = 4096
	}
	if s.TrackerShards <= 0 {
		s.TrackerShards = 16
	}
	if s.CommunityLabel == "" {
		s.CommunityLabel = "community"
	}
	if s.WebAddr == "" {
		s.WebAddr = ":9164"
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	s.ListenAddr = envOr("TRAPALERTD_LISTEN_ADDR", s.ListenAddr)
	s.AlertmanagerURL = envOr("TRAPALERTD_ALERTMANAGER_URL", s.AlertmanagerURL)
	s.RulesFile = envOr("TRAPALERTD_RULES_FILE", s.RulesFile)
	s.Community = envOr("TRAPALERTD_COMMUNITY", s.Community)
	s.WebAddr = envOr("TRAPALERTD_WEB_ADDR", s.WebAddr)
}

func (s *Settings) validate() error {
	if s.RulesFile == "" {
		return fmt.Errorf("config: rules_file is required")
	}
	if s.AlertmanagerURL == "" {
		return fmt.Errorf("config: alertmanager.url is required")
	}
	for i, u := range s.V3Users {
		if u.Username == "" {
			return fmt.Errorf("config: snmp.v3_users[%d]: username is required", i)
		}
	}
	return nil
}

func durationOr(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %q", raw)
	}
	return d, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
