package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

func waitFor(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func collect(ch chan *domain.Message) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	clinicID := "clinic-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		if _, err := bus.Subscribe(ctx, clinicID, domain.TopicCheckResult, collect(got)); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, clinicID, domain.TopicCheckResult, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		msg := waitFor(t, got)
		if string(msg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
		}
		if msg.ClinicID != clinicID {
			t.Errorf("expected clinicID '%s', got '%s'", clinicID, msg.ClinicID)
		}
		if msg.ID == "" || msg.Timestamp == 0 {
			t.Errorf("expected envelope id and timestamp, got %+v", msg)
		}
	})

	t.Run("ClinicIsolation", func(t *testing.T) {
		var other atomic.Int32
		mine := make(chan *domain.Message, 1)

		bus.Subscribe(ctx, "clinic-001", "isolation.topic", collect(mine))
		bus.Subscribe(ctx, "clinic-002", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			other.Add(1)
			return nil
		})

		bus.Publish(ctx, "clinic-001", "isolation.topic", []byte("x"))
		waitFor(t, mine)

		time.Sleep(20 * time.Millisecond)
		if other.Load() != 0 {
			t.Errorf("clinic-002 received %d messages for clinic-001", other.Load())
		}
	})

	t.Run("AllClinics", func(t *testing.T) {
		got := make(chan *domain.Message, 2)
		bus.Subscribe(ctx, AllClinics, domain.TopicRecheckRequested, collect(got))

		bus.Publish(ctx, "clinic-001", domain.TopicRecheckRequested, nil)
		bus.Publish(ctx, "clinic-002", domain.TopicRecheckRequested, nil)

		seen := map[string]bool{}
		seen[waitFor(t, got).ClinicID] = true
		seen[waitFor(t, got).ClinicID] = true
		if !seen["clinic-001"] || !seen["clinic-002"] {
			t.Errorf("expected both clinics, got %v", seen)
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, _ := bus.Subscribe(ctx, clinicID, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if sub.Topic() != "unsub.topic" {
			t.Errorf("unexpected topic %s", sub.Topic())
		}

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		bus.Publish(ctx, clinicID, "unsub.topic", nil)

		time.Sleep(20 * time.Millisecond)
		if count.Load() != 0 {
			t.Errorf("expected no delivery after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("RequiresClinicID", func(t *testing.T) {
		if err := bus.Publish(ctx, "", "t", nil); !errors.Is(err, ErrClinicRequired) {
			t.Errorf("expected ErrClinicRequired, got %v", err)
		}
		if err := bus.Publish(ctx, AllClinics, "t", nil); !errors.Is(err, ErrClinicRequired) {
			t.Errorf("publishing to all clinics should be rejected, got %v", err)
		}
		if _, err := bus.Subscribe(ctx, "", "t", nil); !errors.Is(err, ErrClinicRequired) {
			t.Errorf("expected ErrClinicRequired, got %v", err)
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "clinic-001", "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := bus.Publish(ctx, "clinic-001", "close.topic", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	const messageCount = 100

	var received atomic.Int32
	done := make(chan struct{})

	bus.Subscribe(ctx, "clinic-load", "load.topic", func(ctx context.Context, msg *domain.Message) error {
		if received.Add(1) == messageCount {
			close(done)
		}
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "clinic-load", "load.topic", []byte("msg"))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestMakeSubject(t *testing.T) {
	tests := []struct {
		clinic string
		want   string
	}{
		{"clinic-001", "receiptcheck.clinic-001.receiptcheck.check.result"},
		{"tokyo.main", "receiptcheck.tokyo_main.receiptcheck.check.result"},
		{AllClinics, "receiptcheck.*.receiptcheck.check.result"},
	}
	for _, tt := range tests {
		if got := makeSubject(tt.clinic, domain.TopicCheckResult); got != tt.want {
			t.Errorf("makeSubject(%q) = %s, want %s", tt.clinic, got, tt.want)
		}
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
