// Package daemonmgr implements the supervisory daemon registry: per-daemon
// start/stop lifecycle, restart with outcome tracking, a critical-priority
// pulse subscription that turns a "restart_daemon" action into a local
// restart honoring federated-scope trust checks, and a StopAll that stops
// every registered daemon concurrently via errgroup at process shutdown.
package daemonmgr

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sentientos/glow/internal/bus"
	"github.com/sentientos/glow/internal/federation"
	"github.com/sentientos/glow/internal/ledger"
	"github.com/sentientos/glow/internal/pulse"
)

// StartFunc starts a daemon and returns a handle used to check liveness and
// to stop it later.
type StartFunc func() (Instance, error)

// StopFunc stops a running instance.
type StopFunc func(Instance) error

// Instance is whatever a registered daemon's StartFunc returns. A StartFunc
// may return a nil Instance (no liveness probe), in which case the daemon is
// considered alive once started.
type Instance interface {
	IsAlive() bool
}

// Status is the most recently observed lifecycle state of one daemon.
type Status struct {
	Name        string
	Running     bool
	LastRestart time.Time
	LastReason  string
	LastOutcome string
	LastError   string
}

type record struct {
	start    StartFunc
	stop     StopFunc
	instance Instance
	status   Status
}

// Manager is the process-wide daemon registry. The zero value is not
// usable; use New.
type Manager struct {
	bus    *bus.Bus
	fed    *federation.Link
	ledger *ledger.Ledger

	mu       sync.Mutex
	registry map[string]*record

	subMu sync.Mutex
	sub   *bus.Subscription
}

// New constructs a Manager. ledgerPath is the daemon-restart ledger;
// callers choose the path via configuration.
func New(b *bus.Bus, fed *federation.Link, ledgerPath string) *Manager {
	return &Manager{
		bus:      b,
		fed:      fed,
		ledger:   ledger.Open(ledgerPath),
		registry: map[string]*record{},
	}
}

// Register adds a daemon under name. Registering the same name twice is an
// error.
func (m *Manager) Register(name string, start StartFunc, stop StopFunc) (Status, error) {
	if start == nil || stop == nil {
		return Status{}, fmt.Errorf("daemonmgr: register %q: start and stop must both be non-nil", name)
	}
	m.ensureSubscription()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[name]; exists {
		return Status{}, fmt.Errorf("daemonmgr: daemon %q is already registered", name)
	}
	rec := &record{start: start, stop: stop, status: Status{Name: name}}
	m.registry[name] = rec
	log.Debug().Str("daemon", name).Msg("registered daemon")
	return rec.status, nil
}

// Restart stops the previous instance (if any) and starts a new one,
// recording the outcome to the ledger and publishing a daemon_restart pulse
// event. reason, requestedBy, and scope are normalized the way the original
// implementation does: empty reason becomes "unspecified", empty
// requestedBy becomes "local", and scope is "federated" only for an exact
// case-insensitive match, otherwise "local".
func (m *Manager) Restart(name string, reason, requestedBy, scope string) (bool, error) {
	reasonText := normalizeReason(reason)
	scopeValue := normalizeScope(scope)
	initiator := normalizePeer(requestedBy)
	m.ensureSubscription()

	m.mu.Lock()
	rec, ok := m.registry[name]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("daemonmgr: daemon %q is not registered", name)
	}
	previous := rec.instance
	m.mu.Unlock()

	var stopErr, startErr string
	stopSucceeded := true

	if previous != nil {
		if err := rec.stop(previous); err != nil {
			stopSucceeded = false
			stopErr = "stop_failed:" + err.Error()
			log.Error().Err(err).Str("daemon", name).Msg("error stopping daemon during restart")
		}
	}

	var next Instance
	alive := false
	if stopSucceeded {
		started, err := rec.start()
		if err != nil {
			startErr = "start_failed:" + err.Error()
			log.Error().Err(err).Str("daemon", name).Msg("error starting daemon during restart")
		} else {
			next = started
			alive = isAlive(next)
		}
	} else {
		next = previous
	}

	if stopSucceeded && next != nil && !alive && startErr == "" {
		startErr = "daemon_not_alive"
	}

	success := stopSucceeded && alive && startErr == ""
	outcome := "failure"
	if success {
		outcome = "success"
	}
	errDetail := startErr
	if errDetail == "" {
		errDetail = stopErr
	}

	timestamp := time.Now().UTC()

	m.mu.Lock()
	rec.status.Running = success
	rec.status.LastRestart = timestamp
	rec.status.LastReason = reasonText
	rec.status.LastOutcome = outcome
	rec.status.LastError = errDetail
	if success {
		rec.instance = next
	} else if !stopSucceeded {
		rec.instance = previous
	} else {
		rec.instance = nil
	}
	m.mu.Unlock()

	m.logRestart(name, reasonText, outcome, errDetail, timestamp, initiator, scopeValue)
	m.publishRestartEvent(name, reasonText, outcome, errDetail, timestamp, initiator, scopeValue)

	return success, nil
}

// Status returns the recorded status for name.
func (m *Manager) Status(name string) (Status, error) {
	m.ensureSubscription()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.registry[name]
	if !ok {
		return Status{}, fmt.Errorf("daemonmgr: daemon %q is not registered", name)
	}
	return rec.status, nil
}

// StopAll stops every registered daemon that currently has a running
// instance, concurrently, and returns the first error encountered (if any);
// every Stop is still attempted even after one fails. Used at process
// shutdown, where the registered daemons are independent and stopping them
// one at a time only adds up their shutdown latencies for no benefit.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	type pending struct {
		name     string
		stop     StopFunc
		instance Instance
	}
	var work []pending
	for name, rec := range m.registry {
		if rec.instance == nil {
			continue
		}
		work = append(work, pending{name: name, stop: rec.stop, instance: rec.instance})
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range work {
		p := p
		g.Go(func() error {
			if err := p.stop(p.instance); err != nil {
				log.Error().Err(err).Str("daemon", p.name).Msg("error stopping daemon during shutdown")
				return fmt.Errorf("stop %q: %w", p.name, err)
			}
			m.mu.Lock()
			if rec, ok := m.registry[p.name]; ok {
				rec.instance = nil
				rec.status.Running = false
			}
			m.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Reset clears the registry and detaches the pulse subscription. Used at
// process shutdown and in tests.
func (m *Manager) Reset() {
	m.subMu.Lock()
	if m.sub != nil && m.sub.Active() {
		m.sub.Unsubscribe()
	}
	m.sub = nil
	m.subMu.Unlock()

	m.mu.Lock()
	m.registry = map[string]*record{}
	m.mu.Unlock()
}

func (m *Manager) ensureSubscription() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.sub != nil && m.sub.Active() {
		return
	}
	m.sub = m.bus.Subscribe(m.handlePulseEvent, pulse.PriorityCritical)
}

// handlePulseEvent turns a critical "restart_daemon" action into a restart.
// A federated-scope request must originate from a federation peer that is
// both configured and signature-verified; anything else (including a local
// echo of our own federated request) is ignored, matching the original's
// anti-loop behavior.
func (m *Manager) handlePulseEvent(e pulse.Event) {
	if e.EventType == "" {
		return
	}
	action, _ := e.Payload["action"].(string)
	if strings.ToLower(action) != "restart_daemon" {
		return
	}
	target := stringField(e.Payload, "daemon", "daemon_name", "target")
	if target == "" {
		return
	}
	scopeValue := normalizeScope(stringAny(e.Payload["scope"]))
	sourcePeer := normalizePeer(e.SourcePeer)

	var requester string
	if scopeValue == "federated" {
		if sourcePeer == "" || sourcePeer == pulse.LocalPeer {
			return
		}
		if !m.isTrustedPeer(sourcePeer) {
			log.Warn().Str("daemon", target).Str("peer", sourcePeer).Msg("rejected federated restart from untrusted peer")
			return
		}
		if m.fed == nil || !m.fed.IsEnabled() {
			return
		}
		if !m.bus.Verify(e) {
			log.Warn().Str("daemon", target).Str("peer", sourcePeer).Msg("rejected federated restart with invalid signature")
			return
		}
		requester = sourcePeer
	} else {
		requester = "local"
	}

	reasonValue := stringAny(e.Payload["reason"])
	if reasonValue == "" {
		reasonValue = e.EventType
	}

	if _, err := m.Restart(target, reasonValue, requester, scopeValue); err != nil {
		log.Warn().Err(err).Str("daemon", target).Msg("restart request for unregistered daemon")
	}
}

func (m *Manager) isTrustedPeer(peer string) bool {
	if peer == "" || peer == pulse.LocalPeer || m.fed == nil {
		return false
	}
	if !m.fed.IsEnabled() {
		return false
	}
	for _, name := range m.fed.Peers() {
		if name == peer {
			return true
		}
	}
	return false
}

func (m *Manager) logRestart(name, reason, outcome, errDetail string, timestamp time.Time, initiator, scope string) {
	entry := map[string]any{
		"timestamp":   timestamp.Format(time.RFC3339),
		"daemon":      name,
		"reason":      reason,
		"outcome":     outcome,
		"scope":       scope,
		"source_peer": initiator,
	}
	if errDetail != "" {
		entry["error"] = errDetail
	}
	if err := m.ledger.Append(entry); err != nil {
		log.Error().Err(err).Str("daemon", name).Msg("failed to write daemon restart entry to ledger")
	}
}

func (m *Manager) publishRestartEvent(name, reason, outcome, errDetail string, timestamp time.Time, initiator, scope string) {
	payload := map[string]any{
		"daemon_name":  name,
		"daemon":       name,
		"reason":       reason,
		"outcome":      outcome,
		"scope":        scope,
		"requested_by": initiator,
	}
	if errDetail != "" {
		payload["error"] = errDetail
	}
	priority := pulse.PriorityInfo
	if outcome != "success" {
		priority = pulse.PriorityCritical
	}
	event := pulse.Event{
		Timestamp:    timestamp.Format(time.RFC3339),
		SourceDaemon: "daemon_manager",
		EventType:    "daemon_restart",
		Priority:     priority,
		Payload:      payload,
	}
	if _, err := m.bus.Publish(event); err != nil {
		log.Error().Err(err).Str("daemon", name).Msg("failed to publish daemon restart event")
	}
}

func isAlive(instance Instance) bool {
	if instance == nil {
		return true
	}
	return instance.IsAlive()
}

func normalizeReason(reason string) string {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return "unspecified"
	}
	return trimmed
}

func normalizeScope(scope string) string {
	if strings.EqualFold(strings.TrimSpace(scope), "federated") {
		return "federated"
	}
	return "local"
}

func normalizePeer(peer string) string {
	trimmed := strings.TrimSpace(peer)
	if trimmed == "" {
		return "local"
	}
	return trimmed
}

func stringField(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringAny(payload[k]); v != "" {
			return v
		}
	}
	return ""
}

func stringAny(v any) string {
	s, _ := v.(string)
	return s
}
