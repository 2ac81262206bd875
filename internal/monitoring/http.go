package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sentientos/glow/internal/pulse"
	"github.com/sentientos/glow/internal/query"
)

// HTTPServer is the optional HTTP query surface: plain JSON query
// endpoints delegating to the query service for path-safety and audit
// logging, a websocket stream of the daemon's current (unsigned) metrics
// snapshot, and a Prometheus metrics page.
type HTTPServer struct {
	daemon   *Daemon
	query    *query.Service
	enabled  bool
	registry *prometheus.Registry

	upgrader websocket.Upgrader

	eventsTotal  *prometheus.CounterVec
	veilPending  prometheus.Gauge
	anomaliesHit *prometheus.CounterVec
}

// NewHTTPServer constructs the HTTP surface. When enabled is false, the
// query endpoints answer 403 and nothing is served but the Prometheus
// metrics page.
func NewHTTPServer(d *Daemon, q *query.Service, enabled bool, registry *prometheus.Registry) *HTTPServer {
	s := &HTTPServer{
		daemon:   d,
		query:    q,
		enabled:  enabled,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glow_monitor_events_total",
			Help: "Pulse events observed by the monitoring daemon.",
		}, []string{"priority"}),
		veilPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "glow_monitor_veil_pending",
			Help: "Number of patches currently pending operator confirmation.",
		}),
		anomaliesHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glow_monitor_anomalies_total",
			Help: "Anomaly threshold breaches observed.",
		}, []string{"name"}),
	}
	if registry != nil {
		registry.MustRegister(s.eventsTotal, s.veilPending, s.anomaliesHit)
	}
	return s
}

// RecordEvent increments the per-priority event counter. The Daemon's event
// handler does not call it; nothing in this module feeds these counters.
func (s *HTTPServer) RecordEvent(priority string) {
	s.eventsTotal.WithLabelValues(priority).Inc()
}

// RecordAnomaly updates the anomaly counter and the veil-pending gauge.
func (s *HTTPServer) RecordAnomaly(name string, veilPendingCount int) {
	s.anomaliesHit.WithLabelValues(name).Inc()
	s.veilPending.Set(float64(veilPendingCount))
}

// Mux builds the HTTP handler for the query surface.
func (s *HTTPServer) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/query/events", s.handleQueryEvents)
	mux.HandleFunc("/query/metrics", s.handleQueryMetrics)
	mux.HandleFunc("/query/stream", s.handleStream)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

func (s *HTTPServer) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	if !s.enabled {
		http.Error(w, "monitoring query surface disabled", http.StatusForbidden)
		return
	}
	q := r.URL.Query()
	since, err := resolveSince(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filters := query.EventFilters{
		Priority:     q.Get("priority"),
		SourceDaemon: q.Get("source_daemon"),
		EventType:    q.Get("event_type"),
	}
	events, err := s.query.QueryEvents(since, filters, requesterFromRequest(r))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, map[string]any{"count": len(events), "filters": filters, "events": events})
}

func (s *HTTPServer) handleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.enabled {
		http.Error(w, "monitoring query surface disabled", http.StatusForbidden)
		return
	}
	q := r.URL.Query()
	window := q.Get("window")
	if window == "" {
		window = "1m"
	}
	filters := query.EventFilters{
		Priority:     q.Get("priority"),
		SourceDaemon: q.Get("source_daemon"),
		EventType:    q.Get("event_type"),
	}
	result, err := s.query.QueryMetrics(window, filters, requesterFromRequest(r))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, result)
}

// handleStream upgrades to a websocket and pushes the current metrics
// snapshot to the client on a fixed tick.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.enabled {
		http.Error(w, "monitoring query surface disabled", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("monitoring stream upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		snap := s.daemon.CurrentMetrics()
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

func resolveSince(q url.Values) (time.Time, error) {
	if last := q.Get("last"); last != "" {
		dur, err := query.ParseWindow(last)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-dur), nil
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	return time.Time{}, nil
}

func requesterFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Glow-Requester"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode monitoring query response")
	}
}

func writeQueryError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var denied *pulse.PermissionDenied
	var badWindow *pulse.InvalidWindow
	var noWindow *pulse.WindowUnavailable
	switch {
	case errors.As(err, &denied):
		status = http.StatusForbidden
	case errors.As(err, &badWindow):
		status = http.StatusBadRequest
	case errors.As(err, &noWindow):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
