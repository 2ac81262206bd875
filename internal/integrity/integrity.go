// Package integrity implements the integrity daemon: it re-verifies every
// broadcast event and raises a critical pulse the moment one fails to
// verify.
package integrity

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sentientos/glow/internal/bus"
	"github.com/sentientos/glow/internal/pulse"
)

// Daemon subscribes to every pulse and checks its signature.
type Daemon struct {
	bus *bus.Bus

	mu      sync.Mutex
	invalid []pulse.Event
	sub     *bus.Subscription
}

// New constructs an integrity daemon bound to bus.
func New(b *bus.Bus) *Daemon {
	return &Daemon{bus: b}
}

// Start subscribes to all events. Idempotent: calling Start twice without an
// intervening Stop is a no-op.
func (d *Daemon) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil && d.sub.Active() {
		return
	}
	d.sub = d.bus.Subscribe(d.handle)
}

// Stop unsubscribes. No ledger writes happen anywhere in this daemon.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		d.sub.Unsubscribe()
		d.sub = nil
	}
}

// InvalidEvents returns a snapshot of every event this daemon has flagged.
func (d *Daemon) InvalidEvents() []pulse.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]pulse.Event, len(d.invalid))
	copy(out, d.invalid)
	return out
}

func (d *Daemon) handle(e pulse.Event) {
	if d.bus.Verify(e) {
		log.Debug().Str("event_type", e.EventType).Str("source_peer", e.SourcePeer).Msg("pulse signature verified")
		return
	}

	d.mu.Lock()
	d.invalid = append(d.invalid, e)
	d.mu.Unlock()

	_, err := d.bus.Publish(pulse.Event{
		Timestamp:    e.Timestamp,
		SourceDaemon: "integrity_daemon",
		EventType:    "integrity_violation",
		Priority:     pulse.PriorityCritical,
		Payload: map[string]any{
			"original_event_type": e.EventType,
			"original_source":     e.SourceDaemon,
			"reason":              "signature_mismatch",
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("integrity daemon failed to publish integrity_violation pulse")
	}
}
