package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitk/bitk/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("issue.abc.log", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("issue.log", "engine", map[string]interface{}{"issue_id": "abc"})
	if err := bus.Publish(ctx, "issue.abc.log", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != event.ID {
			t.Errorf("Expected event %s, got %s", event.ID, got.ID)
		}
		if got.Data["issue_id"] != "abc" {
			t.Errorf("Expected issue_id abc, got %v", got.Data["issue_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestMemoryEventBus_NoMatchNoDelivery(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	received := make(chan *Event, 1)
	_, err := bus.Subscribe("issue.abc.log", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent("issue.log", "engine", nil)
	if err := bus.Publish(context.Background(), "issue.other.log", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-received:
		t.Fatal("Received event for non-matching subject")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	received := make(chan string, 4)
	_, err := bus.Subscribe("issue.*.state", func(ctx context.Context, event *Event) error {
		received <- event.Data["issue_id"].(string)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		ev := NewEvent("issue.state", "engine", map[string]interface{}{"issue_id": id})
		if err := bus.Publish(ctx, "issue."+id+".state", ev); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	// Two-token tail must not match the single-token wildcard.
	if err := bus.Publish(ctx, "issue.a.b.state", NewEvent("issue.state", "engine", map[string]interface{}{"issue_id": "nested"})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-received:
			got[id] = true
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for wildcard events")
		}
	}
	if !got["a"] || !got["b"] {
		t.Errorf("Expected events for a and b, got %v", got)
	}
	select {
	case id := <-received:
		t.Errorf("Unexpected extra delivery: %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var count atomic.Int32
	done := make(chan struct{}, 2)
	_, err := bus.Subscribe("issue.>", func(ctx context.Context, event *Event) error {
		count.Add(1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = bus.Publish(ctx, "issue.a.log", NewEvent("issue.log", "engine", nil))
	_ = bus.Publish(ctx, "issue.a.b.state", NewEvent("issue.state", "engine", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for > wildcard events")
		}
	}
	if count.Load() != 2 {
		t.Errorf("Expected 2 deliveries, got %d", count.Load())
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("issue.x.settled", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if !sub.IsValid() {
		t.Error("Expected subscription to be valid")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(context.Background(), "issue.x.settled", NewEvent("issue.settled", "engine", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-received:
		t.Fatal("Received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	var count atomic.Int32

	for i := 0; i < 3; i++ {
		_, err := bus.Subscribe("issue.updated", func(ctx context.Context, event *Event) error {
			count.Add(1)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if err := bus.Publish(context.Background(), "issue.updated", NewEvent("issue.updated", "engine", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for all subscribers")
	}
	if count.Load() != 3 {
		t.Errorf("Expected 3 deliveries, got %d", count.Load())
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	sub, err := bus.Subscribe("issue.y.log", func(ctx context.Context, event *Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalidated by close")
	}
	if err := bus.Publish(context.Background(), "issue.y.log", NewEvent("issue.log", "engine", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe("issue.y.log", func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}

func TestMemoryEventBus_ConcurrentPublish(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	const publishers = 8
	const perPublisher = 25

	var count atomic.Int32
	done := make(chan struct{}, publishers*perPublisher)
	_, err := bus.Subscribe("issue.*.log", func(ctx context.Context, event *Event) error {
		count.Add(1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_ = bus.Publish(context.Background(), "issue.z.log", NewEvent("issue.log", "engine", nil))
			}
		}()
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for i := 0; i < publishers*perPublisher; i++ {
		select {
		case <-done:
		case <-deadline:
			t.Fatalf("Timed out after %d deliveries", i)
		}
	}
	if got := count.Load(); got != publishers*perPublisher {
		t.Errorf("Expected %d deliveries, got %d", publishers*perPublisher, got)
	}
}

func TestMemoryEventBus_DeliveryOrder(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var got []int

	_, err := bus.Subscribe("issue.abc.log", func(ctx context.Context, event *Event) error {
		got = append(got, event.Data["seq"].(int))
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		event := NewEvent("issue.log", "engine", map[string]interface{}{"seq": i})
		if err := bus.Publish(ctx, "issue.abc.log", event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// Delivery happens on the publisher's goroutine, so everything has
	// arrived by now and must be in publish order.
	if len(got) != n {
		t.Fatalf("Expected %d events, got %d", n, len(got))
	}
	for i, seq := range got {
		if seq != i {
			t.Fatalf("Event %d delivered out of order: got seq %d", i, seq)
		}
	}
}

func TestMemoryEventBus_SettledAfterTerminalState(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(label string) EventHandler {
		return func(ctx context.Context, event *Event) error {
			mu.Lock()
			order = append(order, label+":"+event.Data["value"].(string))
			mu.Unlock()
			return nil
		}
	}

	if _, err := bus.Subscribe("issue.abc.state", record("state")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe("issue.abc.settled", record("settled")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// The settlement path publishes the terminal state and the settled
	// event back-to-back; a subscriber must never see them reversed.
	for i := 0; i < 500; i++ {
		mu.Lock()
		order = order[:0]
		mu.Unlock()

		publish := func(subject, value string) {
			event := NewEvent("issue.state", "engine", map[string]interface{}{"value": value})
			if err := bus.Publish(ctx, subject, event); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}
		publish("issue.abc.state", "running")
		publish("issue.abc.state", "completed")
		publish("issue.abc.settled", "completed")

		mu.Lock()
		want := []string{"state:running", "state:completed", "settled:completed"}
		if len(order) != len(want) {
			mu.Unlock()
			t.Fatalf("Iteration %d: expected %d deliveries, got %d", i, len(want), len(order))
		}
		for j := range want {
			if order[j] != want[j] {
				mu.Unlock()
				t.Fatalf("Iteration %d: delivery %d = %q, want %q", i, j, order[j], want[j])
			}
		}
		mu.Unlock()
	}
}
