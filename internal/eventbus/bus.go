// Package eventbus delivers device lifecycle events to subscribers with
// per-subscription filtering and a bounded replay ring.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// DefaultRingCapacity bounds the replay ring when no capacity is given.
const DefaultRingCapacity = 1000

// Handler consumes one event. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(domain.Event)

// Filter selects which events reach a subscription. Empty fields match
// everything; populated fields are OR within the field, AND across
// fields.
type Filter struct {
	Types       []domain.EventType
	Categories  []domain.EventCategory
	DeviceNames []string
	Sources     []string
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev domain.Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, ev.Type) {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, ev.Type.Category()) {
		return false
	}
	if len(f.DeviceNames) > 0 && !containsString(f.DeviceNames, ev.DeviceName) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, ev.Source) {
		return false
	}
	return true
}

func containsType(list []domain.EventType, t domain.EventType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsCategory(list []domain.EventCategory, c domain.EventCategory) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Stats is a point-in-time view of bus activity.
type Stats struct {
	Emitted       uint64            `json:"emitted"`
	Dropped       uint64            `json:"dropped"`
	RingSize      int               `json:"ringSize"`
	Subscribers   int               `json:"subscribers"`
	EmittedByType map[string]uint64 `json:"emittedByType"`
}

type subscription struct {
	id      uint64
	filter  Filter
	handler Handler
	ch      chan domain.Event
	active  atomic.Bool
}

// Config holds bus tuning knobs.
type Config struct {
	RingCapacity int
}

// Bus is an in-process event fan-out with a bounded replay ring.
// Emission is synchronous: callbacks run on the emitting goroutine, so
// ordering per subscription follows emission order.
type Bus struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	subs    []*subscription
	nextID  uint64
	closed  bool
	byTopic map[string]uint64

	ring []domain.Event
	head int // index of oldest entry
	size int

	seq     atomic.Uint64
	emitted atomic.Uint64
	dropped atomic.Uint64
}

// New creates an event bus.
func New(cfg Config, logger zerolog.Logger) *Bus {
	capacity := cfg.RingCapacity
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Bus{
		logger:  logger.With().Str("component", "eventbus").Logger(),
		ring:    make([]domain.Event, capacity),
		byTopic: make(map[string]uint64),
	}
}

// Subscribe registers a handler for all events. It returns the
// subscription id used for Unsubscribe.
func (b *Bus) Subscribe(h Handler) uint64 {
	return b.SubscribeFiltered(h, Filter{})
}

// SubscribeFiltered registers a handler for events passing the filter.
func (b *Bus) SubscribeFiltered(h Handler, f Filter) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, filter: f, handler: h}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)
	return sub.id
}

// SubscribeChannel registers a buffered channel subscription for
// consumers that pull events from their own goroutine, such as the
// websocket stream and the MQTT bridge. When the buffer is full the
// event is dropped and counted; delivery never blocks Emit.
func (b *Bus) SubscribeChannel(buffer int, f Filter) (<-chan domain.Event, uint64) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, filter: f, ch: ch}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)
	return ch, sub.id
}

// Unsubscribe removes a subscription. After it returns the handler will
// not be invoked again and a channel subscription's channel is closed.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id != id {
			continue
		}
		sub.active.Store(false)
		b.subs = append(b.subs[:i], b.subs[i+1:]...)
		if sub.ch != nil {
			close(sub.ch)
		}
		return true
	}
	return false
}

// Emit stamps the event, appends it to the replay ring, and delivers it
// to matching subscriptions. The subscriber list is snapshotted under
// the lock and released before any handler runs, so handlers may
// re-enter bus APIs without deadlock. Handler panics are logged, never
// propagated.
func (b *Bus) Emit(ev domain.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ev.Sequence = b.seq.Add(1)
	b.ringAppend(ev)
	b.byTopic[ev.Type.Topic()]++
	snapshot := make([]*subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	b.emitted.Add(1)

	for _, sub := range snapshot {
		if !sub.active.Load() || !sub.filter.Matches(ev) {
			continue
		}
		if sub.ch != nil {
			select {
			case sub.ch <- ev:
			default:
				b.dropped.Add(1)
			}
			continue
		}
		b.invoke(sub, ev)
	}
}

func (b *Bus) invoke(sub *subscription, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Uint64("subscription_id", sub.id).
				Str("event_type", ev.Type.Topic()).
				Interface("panic", r).
				Msg("Event handler panic recovered")
		}
	}()
	sub.handler(ev)
}

func (b *Bus) ringAppend(ev domain.Event) {
	if b.size < len(b.ring) {
		b.ring[(b.head+b.size)%len(b.ring)] = ev
		b.size++
		return
	}
	// Full: overwrite the oldest slot.
	b.ring[b.head] = ev
	b.head = (b.head + 1) % len(b.ring)
}

// Drain removes and returns up to max events from the ring, oldest
// first. max <= 0 drains everything buffered.
func (b *Bus) Drain(max int) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]domain.Event, n)
	for i := 0; i < n; i++ {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	b.head = (b.head + n) % len(b.ring)
	b.size -= n
	return out
}

// Recent returns up to max buffered events, oldest first, without
// consuming them.
func (b *Bus) Recent(max int) []domain.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]domain.Event, n)
	// Tail of the ring: the most recent n events.
	start := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.ring[(b.head+start+i)%len(b.ring)]
	}
	return out
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	byTopic := make(map[string]uint64, len(b.byTopic))
	for k, v := range b.byTopic {
		byTopic[k] = v
	}
	ringSize := b.size
	subscribers := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Emitted:       b.emitted.Load(),
		Dropped:       b.dropped.Load(),
		RingSize:      ringSize,
		Subscribers:   subscribers,
		EmittedByType: byTopic,
	}
}

// Close deactivates all subscriptions and drops future emissions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
		if sub.ch != nil {
			close(sub.ch)
		}
	}
	b.subs = nil
}
