// Package listener implements the UDP socket owner of the trap pipeline.
//
// Pipeline position:
//
// UDP port 162  →  [Listener]  →  chan models.RawDatagram
//
//	         │
//	(decode happens downstream)
//	         ↓
//	snmp/decoder  →  snmp/trap  →  rules  →  tracker  →  transport
//
// The listener does nothing but read datagrams and push them onto its
// bounded output channel. When the channel is full the datagram is dropped
// and counted; the socket read loop never blocks on downstream work, so a
// trap burst cannot stall the receive path.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Kek5chen/snmp-trap-alertmanager/metrics"
	"github.com/Kek5chen/snmp-trap-alertmanager/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the Listener behaviour.
type Config struct {
	// ListenAddr is the UDP address to bind to (default "0.0.0.0:162").
	ListenAddr string

	// QueueSize is the capacity of the output channel (default 10000).
	QueueSize int

	// ReadBufferSize is the per-datagram read buffer. SNMP over UDP never
	// exceeds the 65507-byte UDP payload maximum (default 65507).
	ReadBufferSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ListenAddr == "" {
		out.ListenAddr = "0.0.0.0:162"
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 10_000
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = 65507
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Listener
// ─────────────────────────────────────────────────────────────────────────────

// Listener reads raw trap datagrams off a UDP socket and feeds the decode
// pipeline through its output channel.
type Listener struct {
	cfg    Config
	logger *slog.Logger

	output chan models.RawDatagram

	conn *net.UDPConn

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Listener with the given configuration.
func New(cfg Config, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	c := cfg.withDefaults()
	return &Listener{
		cfg:    c,
		logger: logger,
		output: make(chan models.RawDatagram, c.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Output returns the read-only channel delivering received datagrams.
// The channel is closed when the Listener stops.
func (l *Listener) Output() <-chan models.RawDatagram {
	return l.output
}

// ListenAddr returns the address the listener is bound to. Before Start it
// is the configured address; after a successful Start it is the resolved
// socket address (useful when the port was 0).
func (l *Listener) ListenAddr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.LocalAddr().String()
	}
	return l.cfg.ListenAddr
}

// Start binds the socket and launches the read loop. It returns once the
// socket is bound; cancel ctx or call Stop to terminate.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("listener: already running")
	}

	addr, err := net.ResolveUDPAddr("udp", l.cfg.ListenAddr)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("listener: resolve %s: %w", l.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("listener: bind %s: %w", l.cfg.ListenAddr, err)
	}
	l.conn = conn
	l.running = true
	l.mu.Unlock()

	l.logger.Info("listener: listening", "addr", conn.LocalAddr().String())

	go l.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-l.stopCh:
		}
	}()
	return nil
}

// Stop closes the socket and the output channel. Safe to call repeatedly.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}
	l.running = false

	l.conn.Close()
	close(l.stopCh)

	// Wait for the read loop to exit before closing output so that no
	// further writes happen after close.
	<-l.doneCh
	close(l.output)

	l.logger.Info("listener: stopped")
}

// readLoop runs until the socket is closed. Every datagram is copied out of
// the shared read buffer before handoff; the buffer is reused immediately.
func (l *Listener) readLoop() {
	defer close(l.doneCh)

	buf := make([]byte, l.cfg.ReadBufferSize)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("listener: read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		metrics.DatagramsReceived.Inc()

		data := make([]byte, n)
		copy(data, buf[:n])
		dg := models.RawDatagram{
			Data:       data,
			Source:     remote,
			ReceivedAt: time.Now().UTC(),
		}

		select {
		case l.output <- dg:
			metrics.ReceiveQueueDepth.Set(float64(len(l.output)))
		default:
			metrics.DatagramsDropped.Inc()
			l.logger.Warn("listener: queue full — datagram dropped",
				"remote", remote, "bytes", n)
		}
	}
}

type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }
