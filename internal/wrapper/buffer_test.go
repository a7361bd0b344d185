package wrapper

import (
	"fmt"
	"testing"

	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

func TestEventBufferBoundAndLossFlag(t *testing.T) {
	buf := NewEventBuffer(1000)

	for i := 0; i < 1001; i++ {
		ev := v1.NewStreamEvent(v1.StreamEventKilocode, []byte(fmt.Sprintf(`{"seq":%d}`, i)))
		added := buf.Add(ev)
		if i < 1000 && !added {
			t.Fatalf("event %d rejected below capacity", i)
		}
		if i == 1000 && added {
			t.Fatal("event past capacity was accepted")
		}
	}

	if buf.Len() != 1000 {
		t.Fatalf("expected 1000 retained events, got %d", buf.Len())
	}
	if !buf.Overflowed() {
		t.Fatal("overflowed flag not set after dropping an event")
	}

	events := buf.Drain()
	if len(events) != 1000 {
		t.Fatalf("drain returned %d events, want 1000", len(events))
	}
	// First 1000 retained, in arrival order.
	for i, ev := range events {
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if string(ev.Data) != want {
			t.Fatalf("event %d out of order: got %s, want %s", i, ev.Data, want)
		}
	}
}

func TestEventBufferDrainResets(t *testing.T) {
	buf := NewEventBuffer(2)
	buf.Add(v1.NewStreamEvent(v1.StreamEventStatus, nil))
	buf.Add(v1.NewStreamEvent(v1.StreamEventStatus, nil))
	buf.Add(v1.NewStreamEvent(v1.StreamEventStatus, nil)) // dropped

	if !buf.Overflowed() {
		t.Fatal("expected overflow")
	}

	buf.Drain()

	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer after drain, got %d", buf.Len())
	}
	if buf.Overflowed() {
		t.Fatal("overflowed flag survived drain")
	}
	if !buf.Add(v1.NewStreamEvent(v1.StreamEventStatus, nil)) {
		t.Fatal("buffer rejected event after drain")
	}
}
