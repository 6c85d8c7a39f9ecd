package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nowplaying/internal/chat"
	"nowplaying/internal/eventbus"
	"nowplaying/internal/presence"
	"nowplaying/internal/task/engine"
)

// value returns the sample of family name whose labels match, or -1.
func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	fams, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
	next:
		for _, s := range f.GetMetric() {
			got := map[string]string{}
			for _, lp := range s.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			switch {
			case s.GetCounter() != nil:
				return s.GetCounter().GetValue()
			case s.GetGauge() != nil:
				return s.GetGauge().GetValue()
			}
		}
	}
	return -1
}

func TestObserve(t *testing.T) {
	t.Parallel()
	m := New()
	events := []eventbus.Event{
		{Type: eventbus.PresenceTick, Data: presence.TickEvent{Result: presence.ResultDelivered}},
		{Type: eventbus.PresenceTick, Data: presence.TickEvent{Result: presence.ResultDelivered}},
		{Type: eventbus.PresenceTick, Data: presence.TickEvent{Result: presence.ResultFailed}},
		{Type: eventbus.PresenceTier, Data: presence.TierEvent{From: "reduced", To: "active"}},
		{Type: eventbus.PresenceDelivered, Data: presence.DeliveryEvent{Viewers: 3, Gone: 1}},
		{Type: eventbus.PresencePruned, Data: presence.PruneEvent{Removed: 1}},
		{Type: eventbus.PresenceTeardown, Data: presence.TeardownEvent{}},
		{Type: eventbus.ChatDelivered, Data: chat.DeliveredEvent{Members: 4, Gone: 2}},
		{Type: eventbus.TaskDropped, Data: engine.TaskEvent{Error: "queue_full"}},
		{Type: eventbus.TaskSkipped, Data: engine.TaskEvent{Error: "overlap_skip"}},
		{Type: eventbus.SocketOpened},
		{Type: eventbus.SocketOpened},
		{Type: eventbus.SocketClosed},
		{Type: "unrelated", Data: 42},
	}
	for _, ev := range events {
		m.Observe(ev)
	}

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"nowplaying_ticks_total", map[string]string{"result": "delivered"}, 2},
		{"nowplaying_ticks_total", map[string]string{"result": "failed"}, 1},
		{"nowplaying_tier_changes_total", map[string]string{"tier": "active"}, 1},
		{"nowplaying_deliveries_total", map[string]string{"kind": "presence"}, 2},
		{"nowplaying_deliveries_total", map[string]string{"kind": "chat"}, 2},
		{"nowplaying_gone_handles_total", nil, 3},
		{"nowplaying_teardowns_total", nil, 1},
		{"nowplaying_tasks_dropped_total", map[string]string{"reason": "queue_full"}, 1},
		{"nowplaying_tasks_dropped_total", map[string]string{"reason": "overlap_skip"}, 1},
		{"nowplaying_ws_connections", nil, 1},
	}
	for _, tt := range tests {
		if got := value(t, m, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, bus)
		close(done)
	}()

	// Publish until the subscriber is attached.
	deadline := time.Now().Add(2 * time.Second)
	for value(t, m, "nowplaying_teardowns_total", nil) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("event never observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.PresenceTeardown})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestHandlerRefreshesGauges(t *testing.T) {
	t.Parallel()
	m := New()
	srv := httptest.NewServer(m.Handler(func() { m.SetJobs(7) }))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "nowplaying_jobs 7") {
		t.Fatalf("scrape missing jobs gauge:\n%s", body)
	}
}
