// Package monitoring implements the monitoring daemon: windowed
// aggregation of event counts, anomaly threshold evaluation, signed
// metrics snapshots, and a query surface over them.
package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentientos/glow/internal/bus"
	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/ledger"
	"github.com/sentientos/glow/internal/pulse"
)

// Config configures a Daemon.
type Config struct {
	Windows          []WindowConfig
	Thresholds       []Threshold
	MetricsPath      string // e.g. $MONITORING_GLOW_ROOT/metrics.jsonl
	AlertsPath       string // e.g. $MONITORING_GLOW_ROOT/alerts.jsonl
	AuditLedgerPath  string // e.g. $SENTIENTOS_LOG_DIR/monitoring_alerts.jsonl
	SnapshotInterval time.Duration
}

// Daemon aggregates bus traffic into rolling windows, evaluates anomaly
// thresholds, and periodically emits signed snapshots.
type Daemon struct {
	bus      *bus.Bus
	envelope *envelope.Envelope
	cfg      Config

	metricsLedger *ledger.Ledger
	alertsLedger  *ledger.Ledger
	auditLedger   *ledger.Ledger

	mu          sync.Mutex
	byWindow    map[string][]entry
	overall     Overall
	veilPending map[string]struct{}
	manifests   []ManifestUpdateRef
	firing      map[string]struct{} // thresholdName -> currently firing on this window span
	latest      Snapshot

	sub        *bus.Subscription
	stopTicker chan struct{}
}

const maxManifestHistory = 20

// New constructs a monitoring Daemon.
func New(b *bus.Bus, env *envelope.Envelope, cfg Config) *Daemon {
	if len(cfg.Windows) == 0 {
		cfg.Windows = DefaultWindows()
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Minute
	}
	return &Daemon{
		bus:           b,
		envelope:      env,
		cfg:           cfg,
		metricsLedger: ledger.Open(cfg.MetricsPath),
		alertsLedger:  ledger.Open(cfg.AlertsPath),
		auditLedger:   ledger.Open(cfg.AuditLedgerPath),
		byWindow:      map[string][]entry{},
		veilPending:   map[string]struct{}{},
		firing:        map[string]struct{}{},
		overall: Overall{
			ByPriority:      map[string]int{},
			BySource:        map[string]int{},
			ByEventType:     map[string]int{},
			PerSourceMatrix: map[string]map[string]map[string]int{},
		},
	}
}

// Start subscribes to all events and begins the periodic snapshot timer.
func (d *Daemon) Start() {
	d.mu.Lock()
	if d.sub != nil && d.sub.Active() {
		d.mu.Unlock()
		return
	}
	d.stopTicker = make(chan struct{})
	d.mu.Unlock()

	d.sub = d.bus.Subscribe(d.handle)

	go d.snapshotLoop()
}

// Stop unsubscribes and halts the snapshot timer.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if d.sub != nil {
		d.sub.Unsubscribe()
		d.sub = nil
	}
	stopCh := d.stopTicker
	d.stopTicker = nil
	d.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
}

func (d *Daemon) snapshotLoop() {
	d.mu.Lock()
	stopCh := d.stopTicker
	d.mu.Unlock()
	if stopCh == nil {
		return
	}
	ticker := time.NewTicker(d.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.PersistSnapshot(); err != nil {
				log.Error().Err(err).Msg("monitoring daemon failed to persist snapshot")
			}
		case <-stopCh:
			return
		}
	}
}

func (d *Daemon) handle(e pulse.Event) {
	now := pulse.ParseTimestamp(e.Timestamp)
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ent := entry{at: now, priority: string(e.Priority), source: e.SourceDaemon, eventType: e.EventType}

	d.mu.Lock()
	tracked := d.cfg.Windows
	for _, th := range d.cfg.Thresholds {
		label := windowLabelFor(tracked, th.Window)
		known := false
		for _, w := range tracked {
			if w.Label == label {
				known = true
				break
			}
		}
		if !known {
			tracked = append(tracked[:len(tracked):len(tracked)], WindowConfig{Label: label, Duration: th.Window})
		}
	}
	for _, w := range tracked {
		cutoff := now.Add(-w.Duration)
		list := d.byWindow[w.Label]
		filtered := list[:0]
		for _, existing := range list {
			if !existing.at.Before(cutoff) {
				filtered = append(filtered, existing)
			}
		}
		d.byWindow[w.Label] = append(filtered, ent)
	}

	d.overall.ByPriority[ent.priority]++
	d.overall.BySource[ent.source]++
	d.overall.ByEventType[ent.eventType]++
	if d.overall.PerSourceMatrix[ent.source] == nil {
		d.overall.PerSourceMatrix[ent.source] = map[string]map[string]int{}
	}
	if d.overall.PerSourceMatrix[ent.source][ent.priority] == nil {
		d.overall.PerSourceMatrix[ent.source][ent.priority] = map[string]int{}
	}
	d.overall.PerSourceMatrix[ent.source][ent.priority][ent.eventType]++

	d.trackVeil(e)
	d.trackManifest(e)
	d.mu.Unlock()

	d.evaluateThresholds(e, ent)
}

func (d *Daemon) trackVeil(e pulse.Event) {
	patchID, _ := e.Payload["patch_id"].(string)
	if patchID == "" {
		return
	}
	switch e.EventType {
	case "veil_request":
		d.veilPending[patchID] = struct{}{}
	case "veil_confirmed", "veil_rejected":
		delete(d.veilPending, patchID)
	}
}

func (d *Daemon) trackManifest(e pulse.Event) {
	if e.EventType != "manifest_update" {
		return
	}
	var files []string
	if raw, ok := e.Payload["files"].([]any); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok {
				files = append(files, s)
			}
		}
	}
	sig, _ := e.Payload["signature"].(string)
	d.manifests = append(d.manifests, ManifestUpdateRef{Timestamp: e.Timestamp, Files: files, Signature: sig})
	if len(d.manifests) > maxManifestHistory {
		d.manifests = d.manifests[len(d.manifests)-maxManifestHistory:]
	}
}

// evaluateThresholds counts matches for each configured threshold in its
// window and, on a fresh breach, publishes monitor_alert and appends to
// both the alerts ledger and the audit ledger.
func (d *Daemon) evaluateThresholds(latest pulse.Event, ent entry) {
	for _, th := range d.cfg.Thresholds {
		if !th.matches(ent) {
			continue
		}
		cutoff := ent.at.Add(-th.Window)

		d.mu.Lock()
		observed := 0
		for _, e := range d.byWindow[windowLabelFor(d.cfg.Windows, th.Window)] {
			if !e.at.Before(cutoff) && th.matches(e) {
				observed++
			}
		}
		firingKey := th.Name
		alreadyFiring := false
		if _, ok := d.firing[firingKey]; ok {
			alreadyFiring = true
		}
		breached := observed > th.Limit
		if breached && !alreadyFiring {
			d.firing[firingKey] = struct{}{}
		} else if !breached {
			delete(d.firing, firingKey)
		}
		shouldAlert := breached && !alreadyFiring
		d.mu.Unlock()

		if !shouldAlert {
			continue
		}

		anomaly := Anomaly{
			Name: th.Name, SourceDaemon: th.SourceDaemon, EventType: th.EventType,
			Priority: th.Priority, WindowSeconds: int(th.Window.Seconds()),
			Threshold: th.Limit, Observed: observed,
		}
		d.recordAnomaly(anomaly, ent)
	}
}

func windowLabelFor(windows []WindowConfig, d time.Duration) string {
	for _, w := range windows {
		if w.Duration == d {
			return w.Label
		}
	}
	// thresholds may name a window not in the configured set; track it
	// under its own synthetic label so evaluation still works.
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

func (d *Daemon) recordAnomaly(a Anomaly, ent entry) {
	_, err := d.bus.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "monitoring_daemon",
		EventType:    "monitor_alert",
		Priority:     pulse.PriorityCritical,
		Payload: map[string]any{
			"source_daemon":  ent.source,
			"priority":       ent.priority,
			"window_seconds": a.WindowSeconds,
			"threshold":      a.Threshold,
			"observed":       a.Observed,
			"event_type":     ent.eventType,
			"name":           a.Name,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("monitoring daemon failed to publish monitor_alert")
	}

	if err := d.alertsLedger.Append(a); err != nil {
		log.Error().Err(err).Msg("monitoring daemon failed to append alerts ledger")
	}
	if err := d.auditLedger.Append(map[string]any{
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"source_daemon":  ent.source,
		"priority":       ent.priority,
		"window_seconds": a.WindowSeconds,
		"threshold":      a.Threshold,
		"observed":       a.Observed,
		"event_type":     ent.eventType,
		"name":           a.Name,
	}); err != nil {
		log.Error().Err(err).Msg("monitoring daemon failed to append monitoring_alerts audit ledger")
	}
}

// CurrentMetrics returns a freshly computed snapshot without persisting it.
func (d *Daemon) CurrentMetrics() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.computeSnapshotLocked()
}

func (d *Daemon) computeSnapshotLocked() Snapshot {
	windows := map[string]WindowCounts{}
	now := time.Now().UTC()
	for _, w := range d.cfg.Windows {
		cutoff := now.Add(-w.Duration)
		wc := WindowCounts{
			WindowSeconds:   int(w.Duration.Seconds()),
			PerDaemon:       map[string]int{},
			Matrix:          map[string]map[string]int{},
			PerSourceMatrix: map[string]map[string]map[string]int{},
		}
		var earliest, latest time.Time
		for _, e := range d.byWindow[w.Label] {
			if e.at.Before(cutoff) {
				continue
			}
			wc.TotalEvents++
			wc.PerDaemon[e.source]++
			if wc.Matrix[e.priority] == nil {
				wc.Matrix[e.priority] = map[string]int{}
			}
			wc.Matrix[e.priority][e.eventType]++
			if wc.PerSourceMatrix[e.source] == nil {
				wc.PerSourceMatrix[e.source] = map[string]map[string]int{}
			}
			if wc.PerSourceMatrix[e.source][e.priority] == nil {
				wc.PerSourceMatrix[e.source][e.priority] = map[string]int{}
			}
			wc.PerSourceMatrix[e.source][e.priority][e.eventType]++
			if earliest.IsZero() || e.at.Before(earliest) {
				earliest = e.at
			}
			if e.at.After(latest) {
				latest = e.at
			}
		}
		if wc.TotalEvents > 0 {
			minutes := w.Duration.Minutes()
			if minutes > 0 {
				wc.RatePerMinute = float64(wc.TotalEvents) / minutes
			}
			hours := w.Duration.Hours()
			if hours > 0 {
				wc.RatePerHour = float64(wc.TotalEvents) / hours
			}
		}
		windows[w.Label] = wc
	}

	veil := make([]string, 0, len(d.veilPending))
	for id := range d.veilPending {
		veil = append(veil, id)
	}
	sort.Strings(veil)

	manifests := make([]ManifestUpdateRef, len(d.manifests))
	copy(manifests, d.manifests)

	return Snapshot{
		Timestamp:       now.Format(time.RFC3339),
		Overall:         cloneOverall(d.overall),
		Windows:         windows,
		Anomalies:       nil,
		VeilPending:     veil,
		ManifestUpdates: manifests,
	}
}

func cloneOverall(o Overall) Overall {
	out := Overall{
		ByPriority:      map[string]int{},
		BySource:        map[string]int{},
		ByEventType:     map[string]int{},
		PerSourceMatrix: map[string]map[string]map[string]int{},
	}
	for k, v := range o.ByPriority {
		out.ByPriority[k] = v
	}
	for k, v := range o.BySource {
		out.BySource[k] = v
	}
	for k, v := range o.ByEventType {
		out.ByEventType[k] = v
	}
	for source, byPriority := range o.PerSourceMatrix {
		out.PerSourceMatrix[source] = map[string]map[string]int{}
		for priority, byType := range byPriority {
			out.PerSourceMatrix[source][priority] = map[string]int{}
			for typ, count := range byType {
				out.PerSourceMatrix[source][priority][typ] = count
			}
		}
	}
	return out
}

// PersistSnapshot computes the current metrics, signs them, appends the
// signed record to the metrics ledger, and publishes a monitor_summary info
// pulse carrying the same record. Called by the snapshot timer or directly
// by tests/operators.
func (d *Daemon) PersistSnapshot() error {
	d.mu.Lock()
	snap := d.computeSnapshotLocked()
	d.mu.Unlock()

	snap.Signature = ""
	canonical, err := envelope.CanonicalizeExcluding(snap, "signature")
	if err != nil {
		return err
	}
	sig, err := d.envelope.SignBytes(canonical)
	if err != nil {
		return err
	}
	snap.Signature = sig

	d.mu.Lock()
	d.latest = snap
	d.mu.Unlock()

	if err := d.metricsLedger.Append(snap); err != nil {
		return err
	}

	payload, err := snapshotPayload(snap)
	if err != nil {
		return err
	}
	_, err = d.bus.Publish(pulse.Event{
		Timestamp:    snap.Timestamp,
		SourceDaemon: "monitoring_daemon",
		EventType:    "monitor_summary",
		Priority:     pulse.PriorityInfo,
		Payload:      payload,
	})
	return err
}

func snapshotPayload(snap Snapshot) (map[string]any, error) {
	raw, err := jsonRoundtrip(snap)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// QueryFilters mirrors query.EventFilters's closed set without importing
// the query package (kept decoupled so monitoring has no dependency on the
// pulse-query subsystem's path-safety/audit concerns).
type QueryFilters struct {
	Priority     string
	SourceDaemon string
	EventType    string
}

// QueryResult is the response shape for the monitoring daemon's local
// query surface.
type QueryResult struct {
	Window            string       `json:"window"`
	Filters           QueryFilters `json:"filters"`
	Summary           WindowCounts `json:"summary"`
	Anomalies         []Anomaly    `json:"anomalies"`
	VerifiedSnapshots []string     `json:"verified_snapshots"`
}

// Query filters the most recently persisted snapshot by
// {priority, source_daemon, event_type}, recomputing totals from the
// snapshot's per-daemon matrix. Only snapshots whose signatures verify are
// used; if the latest in-memory snapshot has never been signed, Query
// signs and records one first.
func (d *Daemon) Query(windowLabel string, filters QueryFilters) (QueryResult, error) {
	d.mu.Lock()
	snap := d.latest
	d.mu.Unlock()
	if snap.Signature == "" {
		if err := d.PersistSnapshot(); err != nil {
			return QueryResult{}, err
		}
		d.mu.Lock()
		snap = d.latest
		d.mu.Unlock()
	}

	canonical, err := envelope.CanonicalizeExcluding(snap, "signature")
	if err != nil {
		return QueryResult{}, err
	}
	if !d.envelope.VerifyLocalBytes(canonical, snap.Signature) {
		return QueryResult{}, &pulse.InvalidSignature{SourcePeer: "local", Reason: "metrics snapshot signature mismatch"}
	}

	window, ok := snap.Windows[windowLabel]
	if !ok {
		return QueryResult{}, &pulse.WindowUnavailable{Window: windowLabel}
	}

	if filters.Priority != "" || filters.SourceDaemon != "" || filters.EventType != "" {
		window = recomputeFromMatrix(window, filters)
	}

	return QueryResult{
		Window:            windowLabel,
		Filters:           filters,
		Summary:           window,
		Anomalies:         snap.Anomalies,
		VerifiedSnapshots: []string{snap.Timestamp},
	}, nil
}

// recomputeFromMatrix recomputes a window's filtered total honoring all
// three QueryFilters dimensions. When SourceDaemon is set it walks
// PerSourceMatrix (source -> priority -> event_type); otherwise it walks the
// source-independent Matrix (priority -> event_type).
func recomputeFromMatrix(window WindowCounts, filters QueryFilters) WindowCounts {
	total := 0
	if filters.SourceDaemon != "" {
		for priority, byType := range window.PerSourceMatrix[filters.SourceDaemon] {
			if filters.Priority != "" && filters.Priority != priority {
				continue
			}
			for eventType, count := range byType {
				if filters.EventType != "" && filters.EventType != eventType {
					continue
				}
				total += count
			}
		}
	} else {
		for priority, byType := range window.Matrix {
			if filters.Priority != "" && filters.Priority != priority {
				continue
			}
			for eventType, count := range byType {
				if filters.EventType != "" && filters.EventType != eventType {
					continue
				}
				total += count
			}
		}
	}
	out := window
	out.TotalEvents = total
	return out
}
