package alertmanager_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/model"

	"github.com/Kek5chen/snmp-trap-alertmanager/metrics"
	"github.com/Kek5chen/snmp-trap-alertmanager/models"
	"github.com/Kek5chen/snmp-trap-alertmanager/transport/alertmanager"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// fakeAlertmanager records every batch it receives and serves a scripted
// status sequence, defaulting to 200 once the script runs out.
type fakeAlertmanager struct {
	mu       sync.Mutex
	statuses []int
	batches  [][]model.Alert
	requests int
}

func (f *fakeAlertmanager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests++
	status := http.StatusOK
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	var batch []model.Alert
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.batches = append(f.batches, batch)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeAlertmanager) delivered() [][]model.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]model.Alert(nil), f.batches...)
}

func (f *fakeAlertmanager) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func alertNamed(name string, state models.AlertState) models.OutboundAlert {
	a := models.OutboundAlert{
		State:    state,
		Labels:   model.LabelSet{model.AlertNameLabel: model.LabelValue(name)},
		StartsAt: time.Now().UTC(),
	}
	a.Fingerprint = a.Labels.Fingerprint()
	if state == models.StateResolved {
		a.EndsAt = time.Now().UTC()
	}
	return a
}

func testClient(t *testing.T, url string) *alertmanager.Client {
	t.Helper()
	client, err := alertmanager.NewClient(alertmanager.ClientConfig{
		URL:          url,
		GeneratorURL: "http://trapalertd.internal",
		Timeout:      2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func fastConfig() alertmanager.Config {
	return alertmanager.Config{
		BatchSize:      8,
		BatchDelay:     20 * time.Millisecond,
		MaxRetries:     3,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		ShutdownGrace:  time.Second,
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// ─────────────────────────────────────────────────────────────────────────────
// Client
// ─────────────────────────────────────────────────────────────────────────────

func TestClient_Push(t *testing.T) {
	fake := &fakeAlertmanager{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := testClient(t, srv.URL)
	err := client.Push(context.Background(), []models.OutboundAlert{
		alertNamed("LinkDown", models.StateFiring),
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	batches := fake.delivered()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("delivered = %v", batches)
	}
	got := batches[0][0]
	if got.Labels[model.AlertNameLabel] != "LinkDown" {
		t.Errorf("alertname = %q", got.Labels[model.AlertNameLabel])
	}
	if got.GeneratorURL != "http://trapalertd.internal" {
		t.Errorf("generatorURL = %q", got.GeneratorURL)
	}
	if !got.EndsAt.IsZero() {
		t.Error("firing alert has endsAt")
	}
}

func TestClient_PushEmptyIsNoop(t *testing.T) {
	fake := &fakeAlertmanager{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	if err := testClient(t, srv.URL).Push(context.Background(), nil); err != nil {
		t.Fatalf("Push(nil): %v", err)
	}
	if fake.attempts() != 0 {
		t.Errorf("empty push hit the server %d times", fake.attempts())
	}
}

func TestClient_NonSuccessStatus(t *testing.T) {
	fake := &fakeAlertmanager{statuses: []int{http.StatusServiceUnavailable}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	err := testClient(t, srv.URL).Push(context.Background(), []models.OutboundAlert{
		alertNamed("X", models.StateFiring),
	})
	if err == nil {
		t.Fatal("Push should fail on 503")
	}
}

func TestNewClient_Rejects(t *testing.T) {
	for _, url := range []string{"", "ftp://x", "://bad"} {
		if _, err := alertmanager.NewClient(alertmanager.ClientConfig{URL: url}); err == nil {
			t.Errorf("NewClient(%q) should fail", url)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatcher
// ─────────────────────────────────────────────────────────────────────────────

func TestDispatcher_DeliversBatch(t *testing.T) {
	fake := &fakeAlertmanager{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	d := alertmanager.NewDispatcher(fastConfig(), testClient(t, srv.URL), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Enqueue(alertNamed("A", models.StateFiring))
	d.Enqueue(alertNamed("B", models.StateFiring))

	waitFor(t, 2*time.Second, func() bool {
		total := 0
		for _, b := range fake.delivered() {
			total += len(b)
		}
		return total == 2
	})
	cancel()
}

func TestDispatcher_RetriesThenDeliversExactlyOnce(t *testing.T) {
	// 503 for 3 consecutive attempts, then 200: the batch arrives exactly
	// once and 3 retry attempts are observable on the wire.
	fake := &fakeAlertmanager{statuses: []int{503, 503, 503}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	d := alertmanager.NewDispatcher(fastConfig(), testClient(t, srv.URL), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Enqueue(alertNamed("Flaky", models.StateFiring))

	waitFor(t, 5*time.Second, func() bool { return len(fake.delivered()) == 1 })
	cancel()

	if got := fake.attempts(); got != 4 {
		t.Errorf("attempts = %d, want 4 (3 failures + 1 success)", got)
	}
	batches := fake.delivered()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("delivered = %v, want the batch exactly once", batches)
	}
}

func TestDispatcher_OverflowResentFirst(t *testing.T) {
	// First batch exhausts retries and is parked; once the endpoint
	// recovers, the parked Firing goes out before the newer Resolved for
	// the same fingerprint.
	fake := &fakeAlertmanager{statuses: []int{503}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = -1 // no retries: fail straight to overflow
	d := alertmanager.NewDispatcher(cfg, testClient(t, srv.URL), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(alertNamed("Pair", models.StateFiring))
	waitFor(t, 2*time.Second, func() bool { return fake.attempts() >= 1 })

	d.Enqueue(alertNamed("Pair", models.StateResolved))
	waitFor(t, 2*time.Second, func() bool {
		total := 0
		for _, b := range fake.delivered() {
			total += len(b)
		}
		return total == 2
	})

	var flat []model.Alert
	for _, b := range fake.delivered() {
		flat = append(flat, b...)
	}
	if !flat[0].EndsAt.IsZero() {
		t.Error("resolved delivered before the parked firing")
	}
	if flat[1].EndsAt.IsZero() {
		t.Error("second delivery should be the resolved alert")
	}
}

func TestDispatcher_OverflowEvictsOldest(t *testing.T) {
	// A parked batch larger than the overflow cap evicts its oldest
	// entries, counted, and only the newest survive to delivery once the
	// endpoint recovers.
	fake := &fakeAlertmanager{statuses: []int{503}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = -1 // no retries: fail straight to overflow
	cfg.OverflowSize = 2
	d := alertmanager.NewDispatcher(cfg, testClient(t, srv.URL), nil)

	evictionsBefore := testutil.ToFloat64(metrics.DispatchEvictions)

	// Queue all four before Run so they fail as one batch.
	for _, name := range []string{"A", "B", "C", "D"} {
		d.Enqueue(alertNamed(name, models.StateFiring))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		total := 0
		for _, b := range fake.delivered() {
			total += len(b)
		}
		return total == 2
	})

	var flat []model.Alert
	for _, b := range fake.delivered() {
		flat = append(flat, b...)
	}
	if flat[0].Labels[model.AlertNameLabel] != "C" || flat[1].Labels[model.AlertNameLabel] != "D" {
		t.Errorf("delivered %v, want the two newest (C, D)", flat)
	}

	if got := testutil.ToFloat64(metrics.DispatchEvictions) - evictionsBefore; got != 2 {
		t.Errorf("evictions = %v, want 2", got)
	}

	// The evicted A and B never arrive.
	time.Sleep(100 * time.Millisecond)
	total := 0
	for _, b := range fake.delivered() {
		total += len(b)
	}
	if total != 2 {
		t.Errorf("delivered %d alerts, want exactly 2", total)
	}
}

func TestDispatcher_FlushOnShutdown(t *testing.T) {
	fake := &fakeAlertmanager{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := fastConfig()
	cfg.BatchDelay = time.Hour // nothing delivers until shutdown
	d := alertmanager.NewDispatcher(cfg, testClient(t, srv.URL), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Enqueue(alertNamed("Late", models.StateFiring))
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	total := 0
	for _, b := range fake.delivered() {
		total += len(b)
	}
	if total != 1 {
		t.Errorf("flushed alerts = %d, want 1", total)
	}
}

func TestDispatcher_EnqueueAfterShutdown(t *testing.T) {
	fake := &fakeAlertmanager{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	d := alertmanager.NewDispatcher(fastConfig(), testClient(t, srv.URL), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if d.Enqueue(alertNamed("TooLate", models.StateFiring)) {
		t.Error("Enqueue should report shutdown")
	}
}
