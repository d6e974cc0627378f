package buspro

import (
	"testing"
)

func TestDispatcher_ExactThenCatchAll(t *testing.T) {
	d := NewDispatcher()

	var order []string
	d.Subscribe(1, 5, 1, func(Event) { order = append(order, "exact-a") })
	d.Subscribe(1, 5, 1, func(Event) { order = append(order, "exact-b") })
	d.SubscribeAll(func(Event) { order = append(order, "all") })
	d.Subscribe(1, 5, 2, func(Event) { order = append(order, "other-channel") })

	d.Publish(Event{Subnet: 1, Device: 5, Channel: 1})

	want := []string{"exact-a", "exact-b", "all"}
	if len(order) != len(want) {
		t.Fatalf("handlers invoked = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher()

	calls := 0
	id := d.Subscribe(1, 5, 1, func(Event) { calls++ })

	d.Publish(Event{Subnet: 1, Device: 5, Channel: 1})
	d.Unsubscribe(1, 5, 1, id)
	d.Publish(Event{Subnet: 1, Device: 5, Channel: 1})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if keys := d.SubscriberKeys(); len(keys) != 0 {
		t.Errorf("SubscriberKeys() = %v, want empty", keys)
	}
}

func TestDispatcher_UnsubscribeAll(t *testing.T) {
	d := NewDispatcher()

	calls := 0
	id := d.SubscribeAll(func(Event) { calls++ })

	d.Publish(Event{Subnet: 2, Device: 3, Channel: 4})
	d.UnsubscribeAll(id)
	d.Publish(Event{Subnet: 2, Device: 3, Channel: 4})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDispatcher_PanicIsolation(t *testing.T) {
	d := NewDispatcher()

	survived := false
	d.Subscribe(1, 5, 1, func(Event) { panic("handler bug") })
	d.Subscribe(1, 5, 1, func(Event) { survived = true })

	d.Publish(Event{Subnet: 1, Device: 5, Channel: 1})

	if !survived {
		t.Error("handler after panicking one did not run")
	}
}

func TestDispatcher_SubscriberKeys(t *testing.T) {
	d := NewDispatcher()

	d.Subscribe(1, 5, 1, func(Event) {})
	d.Subscribe(1, 5, 2, func(Event) {})
	d.Subscribe(2, 9, 1, func(Event) {})
	// Catch-all handlers carry no key.
	d.SubscribeAll(func(Event) {})

	keys := d.SubscriberKeys()
	if len(keys) != 3 {
		t.Fatalf("len(SubscriberKeys()) = %d, want 3", len(keys))
	}

	seen := make(map[DeviceChannel]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, want := range []DeviceChannel{
		{Subnet: 1, Device: 5, Channel: 1},
		{Subnet: 1, Device: 5, Channel: 2},
		{Subnet: 2, Device: 9, Channel: 1},
	} {
		if !seen[want] {
			t.Errorf("SubscriberKeys() missing %v", want)
		}
	}
}
