package monitoring_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/glow/internal/bus"
	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/history"
	"github.com/sentientos/glow/internal/monitoring"
	"github.com/sentientos/glow/internal/pulse"
)

func setup(t *testing.T) (*bus.Bus, *envelope.Envelope, string) {
	t.Helper()
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signPath := filepath.Join(dir, "ed25519_private.key")
	verifyPath := filepath.Join(dir, "ed25519_public.key")
	require.NoError(t, os.WriteFile(signPath, priv.Seed(), 0o600))
	require.NoError(t, os.WriteFile(verifyPath, pub, 0o644))

	env := envelope.New(signPath, verifyPath)
	store := history.New(filepath.Join(dir, "history"), env)
	return bus.New(env, store), env, dir
}

func publishAlertSource(t *testing.T, b *bus.Bus, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := b.Publish(pulse.Event{
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			SourceDaemon: "daemon_manager",
			EventType:    "daemon_restart",
			Priority:     pulse.PriorityCritical,
			Payload:      map[string]any{"outcome": "failure"},
		})
		require.NoError(t, err)
	}
}

func TestThresholdBreachPublishesAlertOnce(t *testing.T) {
	b, env, dir := setup(t)
	cfg := monitoring.Config{
		Windows: monitoring.DefaultWindows(),
		Thresholds: []monitoring.Threshold{
			{Name: "restart_storm", Priority: "critical", Limit: 2, Window: time.Minute, SourceDaemon: "daemon_manager"},
		},
		MetricsPath:     filepath.Join(dir, "metrics.jsonl"),
		AlertsPath:      filepath.Join(dir, "alerts.jsonl"),
		AuditLedgerPath: filepath.Join(dir, "monitoring_alerts.jsonl"),
	}
	d := monitoring.New(b, env, cfg)
	d.Start()
	defer d.Stop()

	var alerts []pulse.Event
	b.Subscribe(func(e pulse.Event) {
		if e.EventType == "monitor_alert" {
			alerts = append(alerts, e)
		}
	})

	publishAlertSource(t, b, 3)

	require.Len(t, alerts, 1)
	require.Equal(t, pulse.PriorityCritical, alerts[0].Priority)
	require.EqualValues(t, 3, alerts[0].Payload["observed"])
	require.EqualValues(t, 2, alerts[0].Payload["threshold"])

	alertsRaw, err := os.ReadFile(filepath.Join(dir, "alerts.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(alertsRaw), "restart_storm")

	auditRaw, err := os.ReadFile(filepath.Join(dir, "monitoring_alerts.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(auditRaw), "restart_storm")
}

func TestPersistSnapshotSignsAndQueryVerifies(t *testing.T) {
	b, env, dir := setup(t)
	cfg := monitoring.Config{
		MetricsPath:     filepath.Join(dir, "metrics.jsonl"),
		AlertsPath:      filepath.Join(dir, "alerts.jsonl"),
		AuditLedgerPath: filepath.Join(dir, "monitoring_alerts.jsonl"),
	}
	d := monitoring.New(b, env, cfg)
	d.Start()
	defer d.Stop()

	_, err := b.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "predictive_patch",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{},
	})
	require.NoError(t, err)

	require.NoError(t, d.PersistSnapshot())

	result, err := d.Query("1m", monitoring.QueryFilters{})
	require.NoError(t, err)
	require.Equal(t, "1m", result.Window)
	require.GreaterOrEqual(t, result.Summary.TotalEvents, 1)

	_, err = d.Query("nonexistent-window", monitoring.QueryFilters{})
	require.Error(t, err)
}

func TestQueryFiltersBySourceDaemon(t *testing.T) {
	b, env, dir := setup(t)
	cfg := monitoring.Config{
		MetricsPath:     filepath.Join(dir, "metrics.jsonl"),
		AlertsPath:      filepath.Join(dir, "alerts.jsonl"),
		AuditLedgerPath: filepath.Join(dir, "monitoring_alerts.jsonl"),
	}
	d := monitoring.New(b, env, cfg)
	d.Start()
	defer d.Stop()

	_, err := b.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "predictive_patch",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{},
	})
	require.NoError(t, err)
	_, err = b.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "daemon_manager",
		EventType:    "daemon_restart",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{},
	})
	require.NoError(t, err)

	require.NoError(t, d.PersistSnapshot())

	all, err := d.Query("1m", monitoring.QueryFilters{})
	require.NoError(t, err)
	require.Equal(t, 2, all.Summary.TotalEvents)

	codexOnly, err := d.Query("1m", monitoring.QueryFilters{SourceDaemon: "codex"})
	require.NoError(t, err)
	require.Equal(t, 1, codexOnly.Summary.TotalEvents)

	daemonManagerOnly, err := d.Query("1m", monitoring.QueryFilters{SourceDaemon: "daemon_manager"})
	require.NoError(t, err)
	require.Equal(t, 1, daemonManagerOnly.Summary.TotalEvents)

	none, err := d.Query("1m", monitoring.QueryFilters{SourceDaemon: "unknown_daemon"})
	require.NoError(t, err)
	require.Equal(t, 0, none.Summary.TotalEvents)

	codexCritical, err := d.Query("1m", monitoring.QueryFilters{SourceDaemon: "codex", Priority: pulse.PriorityCritical})
	require.NoError(t, err)
	require.Equal(t, 0, codexCritical.Summary.TotalEvents)
}

func TestVeilPendingTrackedAcrossRequestConfirmReject(t *testing.T) {
	b, env, dir := setup(t)
	cfg := monitoring.Config{
		MetricsPath:     filepath.Join(dir, "metrics.jsonl"),
		AlertsPath:      filepath.Join(dir, "alerts.jsonl"),
		AuditLedgerPath: filepath.Join(dir, "monitoring_alerts.jsonl"),
	}
	d := monitoring.New(b, env, cfg)
	d.Start()
	defer d.Stop()

	_, err := b.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "veil_request",
		Priority:     pulse.PriorityWarning,
		Payload:      map[string]any{"patch_id": "predictive_local_20260101T000000_abcdef"},
	})
	require.NoError(t, err)

	snap := d.CurrentMetrics()
	require.Contains(t, snap.VeilPending, "predictive_local_20260101T000000_abcdef")

	_, err = b.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "veil_confirmed",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{"patch_id": "predictive_local_20260101T000000_abcdef"},
	})
	require.NoError(t, err)

	snap = d.CurrentMetrics()
	require.NotContains(t, snap.VeilPending, "predictive_local_20260101T000000_abcdef")
}
