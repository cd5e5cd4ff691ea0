package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "zenspace.rooms.abc", func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, "zenspace.rooms.abc", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "hello" {
			t.Errorf("Expected 'hello', got %q", string(msg.Data))
		}
		if msg.Subject != "zenspace.rooms.abc" {
			t.Errorf("Expected subject 'zenspace.rooms.abc', got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcards(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var single, tail atomic.Int32

	sub1, err := bus.Subscribe(ctx, "zenspace.rooms.*", func(msg *Message) { single.Add(1) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub1.Unsubscribe()
	sub2, err := bus.Subscribe(ctx, "zenspace.>", func(msg *Message) { tail.Add(1) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub2.Unsubscribe()

	bus.Publish(ctx, "zenspace.rooms.a", []byte("1"))
	bus.Publish(ctx, "zenspace.rooms.b", []byte("2"))
	bus.Publish(ctx, "zenspace.rooms.b.extra", []byte("3"))
	bus.Publish(ctx, "other.rooms.a", []byte("4"))

	time.Sleep(100 * time.Millisecond)

	if single.Load() != 2 {
		t.Errorf("single-token wildcard got %d messages, want 2", single.Load())
	}
	if tail.Load() != 3 {
		t.Errorf("tail wildcard got %d messages, want 3", tail.Load())
	}
}

func TestMemoryBus_PreservesOrder(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	got := make(chan byte, 50)
	sub, _ := bus.Subscribe(ctx, "ordered", func(msg *Message) { got <- msg.Data[0] })
	defer sub.Unsubscribe()

	for i := 0; i < 50; i++ {
		bus.Publish(ctx, "ordered", []byte{byte(i)})
	}
	for i := 0; i < 50; i++ {
		select {
		case b := <-got:
			if b != byte(i) {
				t.Fatalf("message %d arrived as %d", i, b)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, _ := bus.Subscribe(ctx, "test", func(msg *Message) { received.Add(1) })

	bus.Publish(ctx, "test", []byte("1"))
	time.Sleep(50 * time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()

	bus.Publish(ctx, "test", []byte("2"))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 message after unsubscribe, got %d", received.Load())
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"foo", "foo", true},
		{"foo", "bar", false},
		{"foo.*", "foo.bar", true},
		{"foo.*", "foo.bar.baz", false},
		{"foo.>", "foo.bar", true},
		{"foo.>", "foo.bar.baz", true},
		{"*.bar", "foo.bar", true},
		{"*.bar", "foo.baz", false},
		{"zenspace.rooms.*", "zenspace.rooms", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.subject, func(t *testing.T) {
			if got := matchSubject(tt.pattern, tt.subject); got != tt.want {
				t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
			}
		})
	}
}

func TestMemoryBus_ClosedOperations(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	ctx := context.Background()
	if err := bus.Publish(ctx, "test", []byte("data")); err != ErrClosed {
		t.Errorf("Expected ErrClosed on publish, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "test", nil); err != ErrClosed {
		t.Errorf("Expected ErrClosed on subscribe, got %v", err)
	}
	if err := bus.Close(); err != ErrClosed {
		t.Errorf("Expected ErrClosed on second close, got %v", err)
	}
}
