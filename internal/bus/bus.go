// Package bus implements the in-memory pulse broker: publish with
// normalization/signing/persistence/fan-out, ingestion of pre-signed
// remote events, and priority-filtered subscriptions with replay-on-
// subscribe semantics.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/history"
	"github.com/sentientos/glow/internal/pulse"
)

// Handler is invoked once per delivered event, synchronously, from the
// publisher's goroutine.
type Handler func(pulse.Event)

type subscriber struct {
	id         uint64
	handler    Handler
	priorities map[pulse.Priority]struct{}
}

func (s *subscriber) accepts(p pulse.Priority) bool {
	if s.priorities == nil {
		return true
	}
	_, ok := s.priorities[p]
	return ok
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	id  uint64

	mu     sync.Mutex
	active bool
}

// Active reports whether Unsubscribe has not yet been called.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Unsubscribe atomically detaches the handler. A subscription that has been
// unsubscribed never receives another event.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	s.bus.unsubscribe(s.id)
}

// Bus is the single process-wide broker. The zero value is not usable; use
// New. A Bus owns its in-memory FIFO queue and subscriber list exclusively;
// nothing outside this package ever touches either directly.
type Bus struct {
	envelope *envelope.Envelope
	history  *history.Store

	mu          sync.Mutex
	queue       []pulse.Event
	subscribers []*subscriber
	nextID      uint64
}

// New constructs a Bus backed by the given envelope (signing/verification)
// and history store (persistence).
func New(env *envelope.Envelope, hist *history.Store) *Bus {
	return &Bus{envelope: env, history: hist}
}

// Publish normalizes, signs, persists, and fans out event. Normalization
// failures and persistence failures are surfaced synchronously to the
// caller; on either, the event is rejected and no subscriber observes it.
func (b *Bus) Publish(e pulse.Event) (pulse.Event, error) {
	normalized, err := b.normalize(e)
	if err != nil {
		return pulse.Event{}, err
	}
	normalized.SourcePeer = pulse.LocalPeer
	normalized.Signature = ""

	sig, err := b.envelope.Sign(normalized)
	if err != nil {
		return pulse.Event{}, err
	}
	normalized.Signature = sig

	if err := b.history.Append(normalized); err != nil {
		return pulse.Event{}, fmt.Errorf("persist pulse event: %w", err)
	}

	b.enqueueAndFanOut(normalized)
	return normalized.Clone(), nil
}

// Ingest accepts a pre-signed event from source_peer (local federation
// ingestion path) without re-signing. The caller (federation.Link) is
// responsible for having already verified the signature against the peer's
// key; Ingest itself only requires that a non-empty signature is present.
func (b *Bus) Ingest(e pulse.Event, sourcePeer string) (pulse.Event, error) {
	normalized, err := b.normalizeKeepSignature(e)
	if err != nil {
		return pulse.Event{}, err
	}
	if normalized.Signature == "" {
		return pulse.Event{}, &pulse.SchemaViolation{Field: "signature", Reason: "federated pulse events require a signature"}
	}
	if sourcePeer == "" {
		return pulse.Event{}, &pulse.SchemaViolation{Field: "source_peer", Reason: "ingest requires a source peer"}
	}
	normalized.SourcePeer = sourcePeer

	if err := b.history.Append(normalized); err != nil {
		return pulse.Event{}, fmt.Errorf("persist pulse event: %w", err)
	}

	b.enqueueAndFanOut(normalized)
	return normalized.Clone(), nil
}

func (b *Bus) enqueueAndFanOut(e pulse.Event) {
	b.mu.Lock()
	stored := e.Clone()
	b.queue = append(b.queue, stored)
	subs := make([]*subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.accepts(e.Priority) {
			sub.handler(e.Clone())
		}
	}
}

func (b *Bus) normalize(e pulse.Event) (pulse.Event, error) {
	normalized, err := b.normalizeKeepSignature(e)
	if err != nil {
		return pulse.Event{}, err
	}
	normalized.Signature = ""
	return normalized, nil
}

func (b *Bus) normalizeKeepSignature(e pulse.Event) (pulse.Event, error) {
	if e.Payload == nil {
		return pulse.Event{}, &pulse.SchemaViolation{Field: "payload", Reason: "must be a map"}
	}
	normalized := pulse.ApplyDefaults(e)
	if err := pulse.Validate(normalized); err != nil {
		return pulse.Event{}, err
	}
	return normalized, nil
}

// Subscribe registers handler. With no priorities given, handler receives
// every event. With priorities given, delivery is gated by membership; an
// unlisted priority must never be observed, even transiently. Any events
// already queued that match the filter are replayed to handler immediately,
// from the calling goroutine, before Subscribe returns.
func (b *Bus) Subscribe(handler Handler, priorities ...pulse.Priority) *Subscription {
	var filter map[pulse.Priority]struct{}
	if len(priorities) > 0 {
		filter = make(map[pulse.Priority]struct{}, len(priorities))
		for _, p := range priorities {
			filter[p] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscriber{id: b.nextID, handler: handler, priorities: filter}
	b.subscribers = append(b.subscribers, sub)

	var replay []pulse.Event
	for _, e := range b.queue {
		if sub.accepts(e.Priority) {
			replay = append(replay, e.Clone())
		}
	}
	b.mu.Unlock()

	for _, e := range replay {
		handler(e)
	}

	return &Subscription{bus: b, id: sub.id, active: true}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Replay delegates to the history store.
func (b *Bus) Replay(since *time.Time) ([]pulse.Event, error) {
	return b.history.Replay(since)
}

// PendingEvents returns a snapshot of the in-memory queue without consuming it.
func (b *Bus) PendingEvents() []pulse.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]pulse.Event, len(b.queue))
	for i, e := range b.queue {
		out[i] = e.Clone()
	}
	return out
}

// ConsumeEvents removes and returns up to count events from the queue (all
// of them if count <= 0).
func (b *Bus) ConsumeEvents(count int) []pulse.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count <= 0 || count >= len(b.queue) {
		out := b.queue
		b.queue = nil
		return out
	}
	out := make([]pulse.Event, count)
	copy(out, b.queue[:count])
	b.queue = b.queue[count:]
	return out
}

// Verify delegates to the envelope (peer-aware signature verification).
func (b *Bus) Verify(e pulse.Event) bool {
	return b.envelope.Verify(e)
}

// Reset clears the queue and subscriber list. Used only at process restart
// or in tests; production code should prefer constructing a fresh Bus.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.subscribers = nil
}
