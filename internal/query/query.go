// Package query implements the pulse-query subsystem: a narrow,
// read-only, signature-gated surface over history and metrics snapshots,
// with path-safety rules and a result cap.
package query

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/history"
	"github.com/sentientos/glow/internal/ledger"
	"github.com/sentientos/glow/internal/pulse"
)

// MaxEventResults bounds the number of events a single query_events call
// can return.
const MaxEventResults = 10000

var windowPattern = regexp.MustCompile(`^(?:last\s+)?(\d+)(s|m|h|d)$`)

// ParseWindow accepts "Ns|Nm|Nh|Nd" with an optional "last " prefix.
func ParseWindow(expr string) (time.Duration, error) {
	trimmed := strings.ToLower(strings.TrimSpace(expr))
	m := windowPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return 0, &pulse.InvalidWindow{Expr: expr}
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, &pulse.InvalidWindow{Expr: expr}
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, &pulse.InvalidWindow{Expr: expr}
}

var deniedSegments = []string{"vow", "newlegacy"}

// CheckPathSafety rejects a path if any segment equals "vow" or "newlegacy"
// (case-insensitive) or contains the substring "privileged".
func CheckPathSafety(path string) error {
	clean := filepath.Clean(path)
	for _, segment := range strings.Split(clean, string(filepath.Separator)) {
		lower := strings.ToLower(segment)
		if lower == "" {
			continue
		}
		for _, denied := range deniedSegments {
			if lower == denied {
				return &pulse.PermissionDenied{Path: path, Reason: "segment " + segment + " is denylisted"}
			}
		}
		if strings.Contains(lower, "privileged") {
			return &pulse.PermissionDenied{Path: path, Reason: "segment " + segment + " contains privileged"}
		}
	}
	return nil
}

// EventFilters is the closed set of allowed filter keys for query_events /
// query_metrics.
type EventFilters struct {
	Priority     string
	SourceDaemon string
	EventType    string
}

func (f EventFilters) matches(e pulse.Event) bool {
	if f.Priority != "" && string(e.Priority) != f.Priority {
		return false
	}
	if f.SourceDaemon != "" && e.SourceDaemon != f.SourceDaemon {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	return true
}

// Service is the narrow read-only query surface.
type Service struct {
	history     *history.Store
	historyRoot string
	envelope    *envelope.Envelope
	metricsPath string
	audit       *ledger.Ledger
}

// New constructs a query Service. auditLedgerPath is CODEX_LEDGER_PATH.
func New(hist *history.Store, historyRoot string, env *envelope.Envelope, metricsPath, auditLedgerPath string) *Service {
	return &Service{
		history:     hist,
		historyRoot: historyRoot,
		envelope:    env,
		metricsPath: metricsPath,
		audit:       ledger.Open(auditLedgerPath),
	}
}

// QueryEvents streams history files whose date >= since.Date(), requiring
// source_peer in {"local", ""} and a verifying signature, filtering by since
// and filters, capped at MaxEventResults.
func (s *Service) QueryEvents(since time.Time, filters EventFilters, requester string) ([]pulse.Event, error) {
	if err := CheckPathSafety(s.historyRoot); err != nil {
		return nil, err
	}

	events, err := s.history.Replay(&since)
	if err != nil {
		return nil, err
	}

	var out []pulse.Event
	for _, e := range events {
		if e.SourcePeer != "" && e.SourcePeer != pulse.LocalPeer {
			continue
		}
		if e.Signature == "" || !s.envelope.Verify(e) {
			continue
		}
		if !filters.matches(e) {
			continue
		}
		out = append(out, e)
		if len(out) >= MaxEventResults {
			break
		}
	}

	s.audit.Append(map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"requester": requester,
		"query":     "events",
		"filters":   filters,
		"count":     len(out),
	})
	return out, nil
}

// MetricsResult is the response shape for query_metrics.
type MetricsResult struct {
	Window            string   `json:"window"`
	Filters           EventFilters `json:"filters"`
	Summary           map[string]any `json:"summary"`
	Anomalies         []any    `json:"anomalies"`
	VerifiedSnapshots []string `json:"verified_snapshots"`
}

// QueryMetrics loads every signed snapshot from the metrics ledger,
// discards any whose signature fails to verify, resolves windowLabel
// (exact label match or a parseable duration expression matching a known
// window_seconds), and returns the filtered summary for the freshest
// matching snapshot.
func (s *Service) QueryMetrics(windowLabel string, filters EventFilters, requester string) (MetricsResult, error) {
	if err := CheckPathSafety(s.metricsPath); err != nil {
		return MetricsResult{}, err
	}

	snapshots, err := s.loadVerifiedSnapshots()
	if err != nil {
		return MetricsResult{}, err
	}

	var matched map[string]any
	var matchedTimestamp string
	var windowSeconds *int

	if dur, parseErr := ParseWindow(windowLabel); parseErr == nil {
		secs := int(dur.Seconds())
		windowSeconds = &secs
	}

	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		windows, _ := snap["windows"].(map[string]any)
		if windows == nil {
			continue
		}
		if w, ok := windows[windowLabel].(map[string]any); ok {
			matched = w
			matchedTimestamp, _ = snap["timestamp"].(string)
			break
		}
		if windowSeconds != nil {
			for _, raw := range windows {
				wc, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if secsVal, ok := wc["window_seconds"].(float64); ok && int(secsVal) == *windowSeconds {
					matched = wc
					matchedTimestamp, _ = snap["timestamp"].(string)
					break
				}
			}
		}
		if matched != nil {
			break
		}
	}

	if matched == nil {
		return MetricsResult{}, &pulse.WindowUnavailable{Window: windowLabel}
	}

	summary := applyMetricsFilters(matched, filters)

	var anomalies []any
	if len(snapshots) > 0 {
		if a, ok := snapshots[len(snapshots)-1]["anomalies"].([]any); ok {
			anomalies = a
		}
	}

	result := MetricsResult{
		Window:            windowLabel,
		Filters:           filters,
		Summary:           summary,
		Anomalies:         anomalies,
		VerifiedSnapshots: []string{matchedTimestamp},
	}

	s.audit.Append(map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"requester": requester,
		"query":     "metrics",
		"filters":   filters,
		"count":     1,
	})
	return result, nil
}

// applyMetricsFilters recomputes totals from a window's matrix when filters
// are present; otherwise returns the window's summary as-is. When
// SourceDaemon is set it walks per_source_matrix (source -> priority ->
// event_type) so the daemon filter is actually honored instead of being
// silently dropped; otherwise it walks the source-independent matrix
// (priority -> event_type), matching monitoring.recomputeFromMatrix.
func applyMetricsFilters(window map[string]any, filters EventFilters) map[string]any {
	if filters.Priority == "" && filters.SourceDaemon == "" && filters.EventType == "" {
		return window
	}
	total := 0
	if filters.SourceDaemon != "" {
		perSource, _ := window["per_source_matrix"].(map[string]any)
		bySource, _ := perSource[filters.SourceDaemon].(map[string]any)
		total = sumMatrix(bySource, filters)
	} else {
		matrix, _ := window["matrix"].(map[string]any)
		total = sumMatrix(matrix, filters)
	}
	out := map[string]any{}
	for k, v := range window {
		out[k] = v
	}
	out["filtered_total"] = total
	return out
}

func sumMatrix(matrix map[string]any, filters EventFilters) int {
	total := 0
	for priority, byType := range matrix {
		if filters.Priority != "" && filters.Priority != priority {
			continue
		}
		typed, ok := byType.(map[string]any)
		if !ok {
			continue
		}
		for eventType, count := range typed {
			if filters.EventType != "" && filters.EventType != eventType {
				continue
			}
			if n, ok := count.(float64); ok {
				total += int(n)
			}
		}
	}
	return total
}

func (s *Service) loadVerifiedSnapshots() ([]map[string]any, error) {
	f, err := os.Open(s.metricsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var snap map[string]any
		if err := json.Unmarshal([]byte(line), &snap); err != nil {
			continue
		}
		sig, _ := snap["signature"].(string)
		if sig == "" {
			continue
		}
		withoutSig := map[string]any{}
		for k, v := range snap {
			if k == "signature" {
				continue
			}
			withoutSig[k] = v
		}
		canonical, err := envelope.CanonicalizeExcluding(withoutSig)
		if err != nil {
			continue
		}
		if !s.envelope.VerifyLocalBytes(canonical, sig) {
			continue
		}
		out = append(out, snap)
	}
	return out, scanner.Err()
}
