package bus

import (
	"context"
	"testing"
	"time"

	"github.com/kilodev/cloudagent/internal/common/logger"
)

func busLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}
	return log
}

func waitForEvent(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(busLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("execution.started", func(_ context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ev := NewEvent("execution.started", "test", map[string]interface{}{"execution_id": "exec_1"})
	if err := b.Publish(context.Background(), "execution.started", ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := waitForEvent(t, received)
	if got.Type != "execution.started" {
		t.Fatalf("type = %q", got.Type)
	}
	if got.Data["execution_id"] != "exec_1" {
		t.Fatalf("data = %v", got.Data)
	}
}

func TestMemoryBusWildcardSubjects(t *testing.T) {
	b := NewMemoryEventBus(busLogger(t))
	defer b.Close()

	single := make(chan *Event, 4)
	multi := make(chan *Event, 4)

	if _, err := b.Subscribe("execution.*", func(_ context.Context, ev *Event) error {
		single <- ev
		return nil
	}); err != nil {
		t.Fatalf("subscribe single: %v", err)
	}
	if _, err := b.Subscribe("execution.>", func(_ context.Context, ev *Event) error {
		multi <- ev
		return nil
	}); err != nil {
		t.Fatalf("subscribe multi: %v", err)
	}

	_ = b.Publish(context.Background(), "execution.started", NewEvent("execution.started", "test", nil))
	_ = b.Publish(context.Background(), "execution.job.completed", NewEvent("execution.job.completed", "test", nil))

	// The single-token wildcard only matches the first subject.
	waitForEvent(t, single)
	select {
	case ev := <-single:
		t.Fatalf("single-token wildcard matched %q", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}

	// The multi-token wildcard matches both.
	waitForEvent(t, multi)
	waitForEvent(t, multi)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(busLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("job.started", func(_ context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if sub.IsValid() {
		t.Fatal("subscription still valid after unsubscribe")
	}

	_ = b.Publish(context.Background(), "job.started", NewEvent("job.started", "test", nil))
	select {
	case <-received:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(busLogger(t))
	if !b.IsConnected() {
		t.Fatal("new bus should be connected")
	}

	b.Close()

	if b.IsConnected() {
		t.Fatal("closed bus should not be connected")
	}
	if err := b.Publish(context.Background(), "x", NewEvent("x", "test", nil)); err == nil {
		t.Fatal("publish on a closed bus should fail")
	}
	if _, err := b.Subscribe("x", func(context.Context, *Event) error { return nil }); err == nil {
		t.Fatal("subscribe on a closed bus should fail")
	}
}
