package monitoring

import "time"

// WindowConfig names a rolling aggregation window.
type WindowConfig struct {
	Label    string
	Duration time.Duration
}

// DefaultWindows returns the default rolling window set: 1m, 10m, 1h, 24h.
func DefaultWindows() []WindowConfig {
	return []WindowConfig{
		{Label: "1m", Duration: time.Minute},
		{Label: "10m", Duration: 10 * time.Minute},
		{Label: "1h", Duration: time.Hour},
		{Label: "24h", Duration: 24 * time.Hour},
	}
}

// Threshold is an anomaly threshold: when the observed count within Window
// for matching events exceeds Limit, the daemon emits a critical
// monitor_alert pulse.
type Threshold struct {
	Name         string
	Priority     string
	Limit        int
	Window       time.Duration
	SourceDaemon string // optional; "" matches any
	EventType    string // optional; "" matches any
}

func (t Threshold) matches(e entry) bool {
	if t.Priority != "" && t.Priority != e.priority {
		return false
	}
	if t.SourceDaemon != "" && t.SourceDaemon != e.source {
		return false
	}
	if t.EventType != "" && t.EventType != e.eventType {
		return false
	}
	return true
}

type entry struct {
	at        time.Time
	priority  string
	source    string
	eventType string
}

// WindowCounts holds the aggregated counters for a single rolling window.
type WindowCounts struct {
	WindowSeconds   int                                  `json:"window_seconds"`
	TotalEvents     int                                  `json:"total_events"`
	RatePerMinute   float64                              `json:"rate_per_minute"`
	RatePerHour     float64                              `json:"rate_per_hour"`
	PerDaemon       map[string]int                       `json:"per_daemon"`
	Matrix          map[string]map[string]int            `json:"matrix"`           // priority -> event_type -> count
	PerSourceMatrix map[string]map[string]map[string]int `json:"per_source_matrix"` // source_daemon -> priority -> event_type -> count
}

// Overall holds the all-time (in-memory window-independent) totals.
type Overall struct {
	ByPriority      map[string]int                       `json:"by_priority"`
	BySource        map[string]int                       `json:"by_source_daemon"`
	ByEventType     map[string]int                       `json:"by_event_type"`
	Matrix          map[string]map[string]int            `json:"matrix"` // not filled by the Daemon; per-source priority -> event_type counts are in PerSourceMatrix
	PerSourceMatrix map[string]map[string]map[string]int `json:"per_source_matrix"`
}

// Anomaly records one threshold breach.
type Anomaly struct {
	Name         string `json:"name"`
	SourceDaemon string `json:"source_daemon,omitempty"`
	EventType    string `json:"event_type,omitempty"`
	Priority     string `json:"priority"`
	WindowSeconds int   `json:"window_seconds"`
	Threshold    int    `json:"threshold"`
	Observed     int    `json:"observed"`
}

// ManifestUpdateRef is a bounded recent-updates entry tracked from
// manifest_update pulses.
type ManifestUpdateRef struct {
	Timestamp string   `json:"timestamp"`
	Files     []string `json:"files"`
	Signature string   `json:"signature"`
}

// Snapshot is the signed metrics summary persisted on each tick.
type Snapshot struct {
	Timestamp       string                     `json:"timestamp"`
	Overall         Overall                    `json:"overall"`
	Windows         map[string]WindowCounts    `json:"windows"`
	Anomalies       []Anomaly                  `json:"anomalies"`
	VeilPending     []string                   `json:"veil_pending"`
	ManifestUpdates []ManifestUpdateRef        `json:"manifest_updates"`
	Signature       string                     `json:"signature,omitempty"`
}
