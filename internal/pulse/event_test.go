package pulse_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/glow/internal/pulse"
)

func TestApplyDefaultsIsIdempotentAndFillsExtensions(t *testing.T) {
	e := pulse.Event{
		Timestamp:    "2026-01-01T00:00:00Z",
		SourceDaemon: "codex",
		EventType:    "predictive_patch",
		Priority:     "CRITICAL",
		Payload:      map[string]any{"n": 1},
	}

	once := pulse.ApplyDefaults(e)
	require.Equal(t, pulse.PriorityCritical, once.Priority)
	require.Equal(t, "local", once.EventOrigin)
	require.Equal(t, pulse.LocalPeer, once.SourcePeer)
	require.Equal(t, "baseline", once.InternalPriority)
	require.NotNil(t, once.Context)

	twice := pulse.ApplyDefaults(once)
	require.Equal(t, once, twice)
}

func TestApplyDefaultsNeverOverwritesExistingValues(t *testing.T) {
	e := pulse.Event{
		Timestamp:    "2026-01-01T00:00:00Z",
		SourceDaemon: "codex",
		EventType:    "predictive_patch",
		Priority:     pulse.PriorityWarning,
		Payload:      map[string]any{},
		EventOrigin:  "federated",
		SourcePeer:   "peer-beta",
		Context:      map[string]any{"k": "v"},
	}

	out := pulse.ApplyDefaults(e)
	require.Equal(t, "federated", out.EventOrigin)
	require.Equal(t, "peer-beta", out.SourcePeer)
	require.Equal(t, "v", out.Context["k"])
}

func TestCloneDeepCopiesPayloadAndFocus(t *testing.T) {
	focus := "daemon_manager"
	e := pulse.Event{
		Payload: map[string]any{"nested": map[string]any{"a": 1}},
		Focus:   &focus,
	}
	clone := e.Clone()

	clone.Payload["nested"].(map[string]any)["a"] = 2
	*clone.Focus = "codex"

	require.Equal(t, 1, e.Payload["nested"].(map[string]any)["a"])
	require.Equal(t, "daemon_manager", *e.Focus)
}

func TestValidateReportsFirstMissingField(t *testing.T) {
	err := pulse.Validate(pulse.Event{})
	require.Error(t, err)
	var schemaErr *pulse.SchemaViolation
	require.ErrorAs(t, err, &schemaErr)
	require.Equal(t, "source_daemon", schemaErr.Field)
}

func TestValidateRejectsUnknownPriority(t *testing.T) {
	err := pulse.Validate(pulse.Event{
		SourceDaemon: "codex",
		EventType:    "predictive_patch",
		Timestamp:    "2026-01-01T00:00:00Z",
		Payload:      map[string]any{},
		Priority:     "urgent",
	})
	require.Error(t, err)
}

func TestParseTimestampFallsBackToEpoch(t *testing.T) {
	require.Equal(t, int64(0), pulse.ParseTimestamp("not-a-timestamp").Unix())
	require.Equal(t, "2026-01-01", pulse.ParseTimestamp("2026-01-01T00:00:00Z").Format("2006-01-02"))
}
