// Package alertmanager delivers rendered alerts to an Alertmanager
// instance: a thin HTTP client for the v2 ingestion endpoint and a
// batching dispatcher with retry, backoff, and bounded overflow.
package alertmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/Kek5chen/snmp-trap-alertmanager/models"
)

const alertsPath = "/api/v2/alerts"

// ClientConfig configures the Alertmanager client.
type ClientConfig struct {
	// URL is the Alertmanager base URL, e.g. http://alertmanager:9093.
	URL string
	// GeneratorURL is attached to every alert so receivers can link back
	// to this bridge. Optional.
	GeneratorURL string
	// Timeout bounds one POST including body read. Zero selects 10s.
	Timeout time.Duration
}

// Client posts alert batches to Alertmanager.
type Client struct {
	endpoint     string
	generatorURL string
	http         *http.Client
}

// NewClient validates the base URL and returns a ready client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("alertmanager: URL is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("alertmanager: invalid URL %q: %w", cfg.URL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("alertmanager: URL %q must be http or https", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint:     strings.TrimRight(cfg.URL, "/") + alertsPath,
		generatorURL: cfg.GeneratorURL,
		http:         &http.Client{Timeout: timeout},
	}, nil
}

// Push delivers one batch. Any non-2xx status is an error; the caller owns
// retries.
func (c *Client) Push(ctx context.Context, alerts []models.OutboundAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	wire := make([]model.Alert, len(alerts))
	for i, a := range alerts {
		wire[i] = a.WireAlert(c.generatorURL)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("alertmanager: encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alertmanager: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("alertmanager: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alertmanager: unexpected status %s", resp.Status)
	}
	return nil
}
