package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, "presence.")
	defer unsub()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: PresenceTier, Data: "active"})

	select {
	case e := <-ch:
		if e.Type != PresenceTier {
			t.Fatalf("Type = %q, want %q", e.Type, PresenceTier)
		}
		if e.Time.IsZero() {
			t.Fatal("expected Publish to stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TaskFinished})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: TaskFailed})
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	for i := 0; i < 200; i++ {
		_, unsub := b.Subscribe(1)
		var wg sync.WaitGroup
		for p := 0; p < 50; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.Publish(Event{Type: "task.started"})
			}()
		}
		unsub()
		wg.Wait()
	}
}
