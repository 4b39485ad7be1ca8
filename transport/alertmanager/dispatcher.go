package alertmanager

import (
	"context"
	"log/slog"
	"time"

	"github.com/Kek5chen/snmp-trap-alertmanager/metrics"
	"github.com/Kek5chen/snmp-trap-alertmanager/models"
)

// Config tunes the dispatcher.
type Config struct {
	// BatchSize caps alerts per POST.
	BatchSize int
	// BatchDelay is the longest a non-empty batch waits for more alerts.
	BatchDelay time.Duration
	// MaxRetries is the number of re-attempts after a failed delivery
	// before the batch is parked in the overflow buffer.
	MaxRetries int
	// QueueSize bounds the inbound alert queue; enqueue blocks when full,
	// backpressuring the pipeline workers.
	QueueSize int
	// OverflowSize bounds the buffer holding undeliverable alerts across
	// batches. The oldest entries are evicted (and counted) when full.
	OverflowSize int
	// BackoffInitial and BackoffMax bound the retry delay.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ShutdownGrace bounds the final delivery attempt after cancellation.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 2 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.OverflowSize <= 0 {
		c.OverflowSize = 4096
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// Dispatcher batches alerts off its queue and delivers them. Alerts that
// exhaust their retries are parked in a bounded overflow buffer and resent
// ahead of newer alerts on the next cycle, preserving per-fingerprint
// order under recovery from an outage.
type Dispatcher struct {
	cfg    Config
	client *Client
	logger *slog.Logger

	queue    chan models.OutboundAlert
	overflow []models.OutboundAlert
	done     chan struct{}
}

// NewDispatcher constructs a dispatcher around an existing client.
func NewDispatcher(cfg Config, client *Client, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		client: client,
		logger: logger,
		queue:  make(chan models.OutboundAlert, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Enqueue hands one alert to the dispatcher, blocking while the queue is
// full. It returns false once the dispatcher has shut down.
func (d *Dispatcher) Enqueue(a models.OutboundAlert) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.queue <- a:
		return true
	case <-d.done:
		return false
	}
}

// Run delivers until ctx is cancelled, then makes one final bounded attempt
// to flush whatever is queued or parked.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		batch, ok := d.nextBatch(ctx)
		if !ok {
			d.flushOnShutdown(batch)
			return
		}
		if len(batch) > 0 {
			d.deliver(ctx, batch)
		}
	}
}

// nextBatch assembles the next batch: parked overflow first, then queued
// alerts until the batch fills or the batch delay expires. ok is false
// when ctx was cancelled; the partial batch is still returned.
func (d *Dispatcher) nextBatch(ctx context.Context) ([]models.OutboundAlert, bool) {
	batch := d.takeOverflow(d.cfg.BatchSize)

	if len(batch) == 0 {
		// Nothing pending: block for the first alert.
		select {
		case a := <-d.queue:
			batch = append(batch, a)
		case <-ctx.Done():
			return batch, false
		}
	}

	delay := time.NewTimer(d.cfg.BatchDelay)
	defer delay.Stop()
	for len(batch) < d.cfg.BatchSize {
		select {
		case a := <-d.queue:
			batch = append(batch, a)
		case <-delay.C:
			return batch, true
		case <-ctx.Done():
			return batch, false
		}
	}
	return batch, true
}

// deliver posts one batch, retrying with backoff. A batch that exhausts
// its retries is parked, never silently dropped.
func (d *Dispatcher) deliver(ctx context.Context, batch []models.OutboundAlert) {
	bo := newBackoff(d.cfg.BackoffInitial, d.cfg.BackoffMax)

	for attempt := 0; ; attempt++ {
		err := d.client.Push(ctx, batch)
		if err == nil {
			metrics.DispatchBatches.WithLabelValues("ok").Inc()
			d.logger.Debug("batch delivered", "alerts", len(batch), "attempts", attempt+1)
			return
		}

		if attempt >= d.cfg.MaxRetries || ctx.Err() != nil {
			metrics.DispatchBatches.WithLabelValues("failed").Inc()
			d.logger.Error("batch delivery failed, parking in overflow",
				"alerts", len(batch), "attempts", attempt+1, "error", err)
			d.park(batch)
			return
		}

		metrics.DispatchRetries.Inc()
		wait := bo.next()
		d.logger.Warn("delivery attempt failed, backing off",
			"attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
}

// park appends a failed batch to the overflow buffer, evicting the oldest
// entries when the bound is hit. Evictions are the pipeline's only data
// loss and every one is counted.
func (d *Dispatcher) park(batch []models.OutboundAlert) {
	d.overflow = append(d.overflow, batch...)
	if excess := len(d.overflow) - d.cfg.OverflowSize; excess > 0 {
		metrics.DispatchEvictions.Add(float64(excess))
		d.logger.Error("overflow full, evicting oldest alerts", "evicted", excess)
		d.overflow = append(d.overflow[:0:0], d.overflow[excess:]...)
	}
	metrics.DispatchOverflowDepth.Set(float64(len(d.overflow)))
}

func (d *Dispatcher) takeOverflow(n int) []models.OutboundAlert {
	if len(d.overflow) == 0 {
		return nil
	}
	if n > len(d.overflow) {
		n = len(d.overflow)
	}
	batch := append([]models.OutboundAlert(nil), d.overflow[:n]...)
	d.overflow = append(d.overflow[:0:0], d.overflow[n:]...)
	metrics.DispatchOverflowDepth.Set(float64(len(d.overflow)))
	return batch
}

// flushOnShutdown drains the queue into the partial batch and gives the
// whole backlog one bounded delivery attempt.
func (d *Dispatcher) flushOnShutdown(batch []models.OutboundAlert) {
	for {
		select {
		case a := <-d.queue:
			batch = append(batch, a)
			continue
		default:
		}
		break
	}
	batch = append(d.takeOverflow(len(d.overflow)), batch...)
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer cancel()
	if err := d.client.Push(ctx, batch); err != nil {
		metrics.DispatchBatches.WithLabelValues("failed").Inc()
		d.logger.Error("final flush failed", "alerts", len(batch), "error", err)
		return
	}
	metrics.DispatchBatches.WithLabelValues("ok").Inc()
	d.logger.Info("final flush delivered", "alerts", len(batch))
}
