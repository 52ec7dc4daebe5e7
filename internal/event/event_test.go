package event

import (
	"context"
	"sync"
	"testing"
)

func TestTypeTopic(t *testing.T) {
	cases := []struct {
		typ  Type
		want Topic
	}{
		{TypeInsert, TopicDataInserted},
		{TypeUpdate, TopicDataUpdated},
		{TypeDelete, TopicDataDeleted},
	}
	for _, c := range cases {
		if got := c.typ.Topic(); got != c.want {
			t.Errorf("Topic(%s) = %s, want %s", c.typ, got, c.want)
		}
	}
}

func TestBusRoutesByTopic(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var inserted, deleted []Change

	bus.Subscribe(TopicDataInserted, func(_ context.Context, ch Change) {
		mu.Lock()
		inserted = append(inserted, ch)
		mu.Unlock()
	})
	bus.Subscribe(TopicDataDeleted, func(_ context.Context, ch Change) {
		mu.Lock()
		deleted = append(deleted, ch)
		mu.Unlock()
	})

	ctx := context.Background()
	bus.PublishSync(ctx, Change{Source: "contracts", Type: TypeInsert, DocumentKey: "c1"})
	bus.PublishSync(ctx, Change{Source: "contracts", Type: TypeDelete, DocumentKey: "c2"})
	bus.PublishSync(ctx, Change{Source: "contracts", Type: TypeUpdate, DocumentKey: "c3"})

	if len(inserted) != 1 || inserted[0].DocumentKey != "c1" {
		t.Errorf("inserted = %+v, want exactly c1", inserted)
	}
	if len(deleted) != 1 || deleted[0].DocumentKey != "c2" {
		t.Errorf("deleted = %+v, want exactly c2", deleted)
	}
}

func TestBusContainsHandlerPanic(t *testing.T) {
	bus := NewBus()

	var called bool
	bus.Subscribe(TopicDataInserted, func(_ context.Context, _ Change) {
		panic("boom")
	})
	bus.Subscribe(TopicDataInserted, func(_ context.Context, _ Change) {
		called = true
	})

	bus.PublishSync(context.Background(), Change{Source: "users", Type: TypeInsert})

	if !called {
		t.Error("second handler was not invoked after first panicked")
	}
}

func TestDispatcherFiltersBySource(t *testing.T) {
	d := NewDispatcher()

	contracts := NewBus()
	users := NewBus()

	var mu sync.Mutex
	got := map[string]int{}
	record := func(name string) Handler {
		return func(_ context.Context, _ Change) {
			mu.Lock()
			got[name]++
			mu.Unlock()
		}
	}
	contracts.Subscribe(TopicDataInserted, record("contracts"))
	users.Subscribe(TopicDataInserted, record("users"))

	d.Register("contracts", contracts)
	d.Register("users", users)

	ctx := context.Background()
	d.DispatchSync(ctx, Change{Source: "contracts", Type: TypeInsert})
	d.DispatchSync(ctx, Change{Source: "contracts", Type: TypeInsert})
	d.DispatchSync(ctx, Change{Source: "users", Type: TypeInsert})

	if got["contracts"] != 2 {
		t.Errorf("contracts bus received %d events, want 2", got["contracts"])
	}
	if got["users"] != 1 {
		t.Errorf("users bus received %d events, want 1", got["users"])
	}
}

func TestDispatcherUnregister(t *testing.T) {
	d := NewDispatcher()
	bus := NewBus()

	var count int
	bus.Subscribe(TopicDataUpdated, func(_ context.Context, _ Change) { count++ })

	d.Register("consents", bus)
	d.DispatchSync(context.Background(), Change{Source: "consents", Type: TypeUpdate})
	d.Unregister("consents", bus)
	d.DispatchSync(context.Background(), Change{Source: "consents", Type: TypeUpdate})

	if count != 1 {
		t.Errorf("bus received %d events, want 1 (none after Unregister)", count)
	}
}

func TestUnregisterLeavesDispatchSnapshotIntact(t *testing.T) {
	d := NewDispatcher()
	a, b := NewBus(), NewBus()
	d.Register("contracts", a)
	d.Register("contracts", b)

	// Dispatch snapshots the registration slice under the read lock and
	// iterates it afterwards; Unregister must not write into that array.
	snapshot := d.routes[TypeInsert]["contracts"]
	d.Unregister("contracts", a)

	if len(snapshot) != 2 || snapshot[0] != a || snapshot[1] != b {
		t.Fatalf("Unregister mutated a slice a concurrent Dispatch may hold: %v", snapshot)
	}

	remaining := d.routes[TypeInsert]["contracts"]
	if len(remaining) != 1 || remaining[0] != b {
		t.Fatalf("unexpected registrations after Unregister: %v", remaining)
	}
}
