package buspro

import (
	"fmt"
	"sync"
)

// Event is what dispatcher subscribers receive: either a raw telegram
// that matched no pending request, or a decoded status update. Exactly
// one of Telegram/Status is set.
type Event struct {
	Subnet  uint8
	Device  uint8
	Channel int

	Telegram *Telegram
	Status   *StatusUpdate
}

// EventHandler is invoked synchronously during Publish. A handler that
// panics is recovered and logged; remaining handlers still run.
type EventHandler func(Event)

// subscriberKey identifies one logical device channel.
type subscriberKey struct {
	subnet  uint8
	device  uint8
	channel int
}

type subscriber struct {
	id      uint64
	handler EventHandler
}

// Dispatcher fans events out to registered subscribers. Handlers for
// the exact device+channel key run first, in registration order, then
// catch-all handlers. No ordering is guaranteed between handlers of
// different keys.
//
// Safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	subs     map[subscriberKey][]subscriber
	catchAll []subscriber

	logger   Logger
	loggerMu sync.RWMutex
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[subscriberKey][]subscriber)}
}

// Subscribe registers a handler for one device channel and returns a
// handle for Unsubscribe. Handles must be released when the subscribing
// entity goes away, or they leak.
func (d *Dispatcher) Subscribe(subnet, device uint8, channel int, handler EventHandler) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	key := subscriberKey{subnet: subnet, device: device, channel: channel}
	d.subs[key] = append(d.subs[key], subscriber{id: d.nextID, handler: handler})
	return d.nextID
}

// SubscribeAll registers a catch-all handler invoked for every event.
// Used by discovery collection windows and the MQTT bridge.
func (d *Dispatcher) SubscribeAll(handler EventHandler) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.catchAll = append(d.catchAll, subscriber{id: d.nextID, handler: handler})
	return d.nextID
}

// Unsubscribe removes the handler with the given handle from a device
// channel. Unknown handles are ignored.
func (d *Dispatcher) Unsubscribe(subnet, device uint8, channel int, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := subscriberKey{subnet: subnet, device: device, channel: channel}
	d.subs[key] = removeSubscriber(d.subs[key], id)
	if len(d.subs[key]) == 0 {
		delete(d.subs, key)
	}
}

// UnsubscribeAll removes a catch-all handler by handle.
func (d *Dispatcher) UnsubscribeAll(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.catchAll = removeSubscriber(d.catchAll, id)
}

func removeSubscriber(subs []subscriber, id uint64) []subscriber {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish delivers the event to every handler registered for its exact
// device+channel key, then to catch-all handlers, synchronously in
// registration order.
func (d *Dispatcher) Publish(ev Event) {
	key := subscriberKey{subnet: ev.Subnet, device: ev.Device, channel: ev.Channel}

	d.mu.RLock()
	handlers := make([]subscriber, 0, len(d.subs[key])+len(d.catchAll))
	handlers = append(handlers, d.subs[key]...)
	handlers = append(handlers, d.catchAll...)
	d.mu.RUnlock()

	for _, s := range handlers {
		d.invoke(s, ev)
	}
}

// invoke runs one handler with panic isolation, so a faulty subscriber
// cannot starve the rest.
func (d *Dispatcher) invoke(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logError("event handler panic", fmt.Errorf("subscriber %d: %v", s.id, r))
		}
	}()
	s.handler(ev)
}

// SubscriberKeys returns the distinct device+channel keys currently
// subscribed. Used by the polling scheduler to decide what to poll.
func (d *Dispatcher) SubscriberKeys() []DeviceChannel {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]DeviceChannel, 0, len(d.subs))
	for k := range d.subs {
		keys = append(keys, DeviceChannel{Subnet: k.subnet, Device: k.device, Channel: k.channel})
	}
	return keys
}

// DeviceChannel identifies one pollable device channel.
type DeviceChannel struct {
	Subnet  uint8
	Device  uint8
	Channel int
}

// SetLogger sets the logger for this dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

func (d *Dispatcher) logError(msg string, err error) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
