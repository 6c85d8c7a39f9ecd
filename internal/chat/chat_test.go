package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"nowplaying/internal/eventbus"
	"nowplaying/internal/fanout"
	"nowplaying/internal/registry"
	"nowplaying/internal/storage"
	logx "nowplaying/pkg/logx"
)

type roomSink struct {
	mu   sync.Mutex
	gone map[string]bool
	got  map[string][]Message
}

func (s *roomSink) Send(_ context.Context, h string, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone[h] {
		return fanout.ErrGone
	}
	if h == "flaky" {
		return errors.New("write timeout")
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	s.got[h] = append(s.got[h], m)
	return nil
}

func newTestService(t *testing.T) (*Service, *registry.Registry, *roomSink) {
	t.Helper()
	st := storage.NewMemory(0)
	t.Cleanup(func() { _ = st.Close() })
	reg := registry.New(st, logx.Nop())
	out := &roomSink{gone: map[string]bool{}, got: map[string][]Message{}}
	return New(reg, fanout.New(fanout.Config{}, out, logx.Nop()), eventbus.New(), logx.Nop()), reg, out
}

func TestBroadcastPrunesGone(t *testing.T) {
	t.Parallel()
	svc, reg, out := newTestService(t)
	ctx := context.Background()
	for _, h := range []string{"a", "b", "c", "flaky"} {
		if err := svc.Join(ctx, "r1", h); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	out.gone["b"] = true

	gone, err := svc.Broadcast(ctx, "r1", Message{From: "u1", Text: "hi"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(gone) != 1 || gone[0] != "b" {
		t.Fatalf("gone = %v, want [b]", gone)
	}
	set, _ := reg.Load(ctx, Key("r1"))
	if set.Len() != 3 {
		t.Fatalf("members = %v, want a, c, flaky", set.Handles)
	}
	for _, h := range []string{"a", "c"} {
		if len(out.got[h]) != 1 {
			t.Fatalf("%s got %d messages", h, len(out.got[h]))
		}
		m := out.got[h][0]
		if m.Type != MessageType || m.Room != "r1" || m.Text != "hi" || m.At.IsZero() {
			t.Fatalf("message = %+v", m)
		}
	}
}

func TestBroadcastEdges(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if gone, err := svc.Broadcast(ctx, "empty", Message{Text: "hi"}); err != nil || gone != nil {
		t.Fatalf("empty room = (%v, %v)", gone, err)
	}
	if _, err := svc.Broadcast(ctx, "r1", Message{Text: "  "}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
	if _, err := svc.Broadcast(ctx, "", Message{Text: "hi"}); err == nil {
		t.Fatal("expected room error")
	}
	if err := svc.Join(ctx, "", "a"); err == nil {
		t.Fatal("expected room error")
	}
}

func TestRoomsDoNotCollideWithSubjects(t *testing.T) {
	t.Parallel()
	svc, reg, _ := newTestService(t)
	ctx := context.Background()
	if err := svc.Join(ctx, "u1", "a"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	set, err := reg.Load(ctx, "u1")
	if err != nil || set != nil {
		t.Fatalf("subject u1 = (%+v, %v), want absent", set, err)
	}
	if err := svc.Leave(ctx, "u1", "a"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
}
