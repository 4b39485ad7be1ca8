// Command trapalertd is the SNMP trap to Alertmanager bridge daemon.
//
// It loads a YAML settings file (path from -config or the
// TRAPALERTD_SETTINGS_FILE environment variable), builds the full pipeline,
// and runs until interrupted (SIGINT / SIGTERM). SIGHUP reloads the rule
// file without restarting.
//
// Usage:
//
//	trapalertd [flags]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kek5chen/snmp-trap-alertmanager/pkg/trapalertd/app"
	"github.com/Kek5chen/snmp-trap-alertmanager/pkg/trapalertd/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trapalertd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Flags ────────────────────────────────────────────────────────────
	var (
		cfgPath  string
		logLevel string
		logFmt   string

		// Settings overrides (defaults come from the settings file / env).
		listenAddr string
		amURL      string
		rulesFile  string
		webAddr    string
	)

	flag.StringVar(&cfgPath, "config", envOr("TRAPALERTD_SETTINGS_FILE", "/etc/trapalertd/settings.yaml"), "Path to the settings YAML file")
	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&logFmt, "log.fmt", "json", "Log format: json, text")

	flag.StringVar(&listenAddr, "listen.addr", "", "Override the trap listener UDP address")
	flag.StringVar(&amURL, "alertmanager.url", "", "Override the Alertmanager base URL")
	flag.StringVar(&rulesFile, "rules.file", "", "Override the rule file path")
	flag.StringVar(&webAddr, "web.addr", "", "Override the admin HTTP listen address")

	flag.Parse()

	// ── Logger ───────────────────────────────────────────────────────────
	logger, err := buildLogger(logLevel, logFmt)
	if err != nil {
		return err
	}

	// ── Settings ─────────────────────────────────────────────────────────
	settings, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyOverrides(&settings, listenAddr, amURL, rulesFile, webAddr)

	// ── Build and start ──────────────────────────────────────────────────
	application := app.New(settings, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	logger.Info("trapalertd: running — press Ctrl-C to stop")

	// SIGHUP reloads the rule file.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := application.Reload(); err != nil {
				logger.Error("trapalertd: rule reload failed", "error", err.Error())
			}
		case <-ctx.Done():
			logger.Info("trapalertd: received shutdown signal")
			application.Stop()
			return nil
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (expected json|text)", format)
	}

	return slog.New(handler), nil
}

func applyOverrides(s *config.Settings, listenAddr, amURL, rulesFile, webAddr string) {
	if listenAddr != "" {
		s.ListenAddr = listenAddr
	}
	if amURL != "" {
		s.AlertmanagerURL = amURL
	}
	if rulesFile != "" {
		s.RulesFile = rulesFile
	}
	if webAddr != "" {
		s.WebAddr = webAddr
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
