package query_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/history"
	"github.com/sentientos/glow/internal/monitoring"
	"github.com/sentientos/glow/internal/pulse"
	"github.com/sentientos/glow/internal/query"
)

func newEnv(t *testing.T, dir string) *envelope.Envelope {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signPath := filepath.Join(dir, "ed25519_private.key")
	verifyPath := filepath.Join(dir, "ed25519_public.key")
	require.NoError(t, os.WriteFile(signPath, priv.Seed(), 0o600))
	require.NoError(t, os.WriteFile(verifyPath, pub, 0o644))
	return envelope.New(signPath, verifyPath)
}

func TestParseWindow(t *testing.T) {
	cases := map[string]time.Duration{
		"5m":      5 * time.Minute,
		"last 5m": 5 * time.Minute,
		"30s":     30 * time.Second,
		"2h":      2 * time.Hour,
		"1d":      24 * time.Hour,
	}
	for expr, want := range cases {
		got, err := query.ParseWindow(expr)
		require.NoError(t, err, expr)
		require.Equal(t, want, got, expr)
	}

	_, err := query.ParseWindow("not-a-window")
	require.Error(t, err)
}

func TestCheckPathSafetyRejectsDenylistedSegments(t *testing.T) {
	require.Error(t, query.CheckPathSafety("/daemon/vow/history"))
	require.Error(t, query.CheckPathSafety("/daemon/newlegacy/history"))
	require.Error(t, query.CheckPathSafety("/daemon/privileged-zone/history"))
	require.NoError(t, query.CheckPathSafety("/daemon/history/pulse"))
}

func TestQueryEventsFiltersAndAudits(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(t, dir)
	historyRoot := filepath.Join(dir, "history")
	store := history.New(historyRoot, env)

	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := pulse.Event{
			Timestamp:    base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			SourceDaemon: "monitoring",
			EventType:    "monitor_summary",
			Priority:     pulse.PriorityInfo,
			Payload:      map[string]any{"i": float64(i)},
			Context:      map[string]any{},
			EventOrigin:  "local",
		}
		sig, err := env.Sign(e)
		require.NoError(t, err)
		e.Signature = sig
		require.NoError(t, store.Append(e))
	}

	svc := query.New(store, historyRoot, env, filepath.Join(dir, "metrics.jsonl"), filepath.Join(dir, "audit.jsonl"))

	events, err := svc.QueryEvents(base.Add(-time.Hour), query.EventFilters{}, "operator")
	require.NoError(t, err)
	require.Len(t, events, 5)

	filtered, err := svc.QueryEvents(base.Add(-time.Hour), query.EventFilters{EventType: "restart_request"}, "operator")
	require.NoError(t, err)
	require.Empty(t, filtered)

	auditRaw, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	require.NotEmpty(t, auditRaw)
}

func TestQueryMetricsRejectsUnverifiedSnapshot(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(t, dir)
	historyRoot := filepath.Join(dir, "history")
	store := history.New(historyRoot, env)
	metricsPath := filepath.Join(dir, "metrics.jsonl")

	require.NoError(t, os.WriteFile(metricsPath, []byte(`{"timestamp":"2026-07-30T12:00:00Z","signature":"not-valid","windows":{"1m":{"window_seconds":60,"matrix":{}}}}`+"\n"), 0o640))

	svc := query.New(store, historyRoot, env, metricsPath, filepath.Join(dir, "audit.jsonl"))
	_, err := svc.QueryMetrics("1m", query.EventFilters{}, "operator")
	require.Error(t, err)
}

func TestQueryMetricsFiltersBySourceDaemon(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(t, dir)
	historyRoot := filepath.Join(dir, "history")
	store := history.New(historyRoot, env)
	metricsPath := filepath.Join(dir, "metrics.jsonl")

	snap := monitoring.Snapshot{
		Timestamp: "2026-07-30T12:00:00Z",
		Windows: map[string]monitoring.WindowCounts{
			"1m": {
				WindowSeconds: 60,
				TotalEvents:   2,
				Matrix: map[string]map[string]int{
					"info": {"predictive_patch": 1, "daemon_restart": 1},
				},
				PerSourceMatrix: map[string]map[string]map[string]int{
					"codex":          {"info": {"predictive_patch": 1}},
					"daemon_manager": {"info": {"daemon_restart": 1}},
				},
			},
		},
	}
	canonical, err := envelope.CanonicalizeExcluding(snap, "signature")
	require.NoError(t, err)
	sig, err := env.SignBytes(canonical)
	require.NoError(t, err)
	snap.Signature = sig

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metricsPath, append(raw, '\n'), 0o640))

	svc := query.New(store, historyRoot, env, metricsPath, filepath.Join(dir, "audit.jsonl"))

	all, err := svc.QueryMetrics("1m", query.EventFilters{}, "operator")
	require.NoError(t, err)
	require.EqualValues(t, 2, all.Summary["total_events"])

	codexOnly, err := svc.QueryMetrics("1m", query.EventFilters{SourceDaemon: "codex"}, "operator")
	require.NoError(t, err)
	require.EqualValues(t, 1, codexOnly.Summary["filtered_total"])

	unknown, err := svc.QueryMetrics("1m", query.EventFilters{SourceDaemon: "unknown_daemon"}, "operator")
	require.NoError(t, err)
	require.EqualValues(t, 0, unknown.Summary["filtered_total"])
}
