package systemd

import (
	"context"
	"testing"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready = (%v, %v), want (false, nil)", sent, err)
	}
	if sent, err := Status("polling"); sent || err != nil {
		t.Fatalf("Status = (%v, %v), want (false, nil)", sent, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Watchdog(ctx); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}
