package history_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/history"
	"github.com/sentientos/glow/internal/pulse"
)

func setup(t *testing.T) (*history.Store, *envelope.Envelope) {
	t.Helper()
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signPath := filepath.Join(dir, "ed25519_private.key")
	verifyPath := filepath.Join(dir, "ed25519_public.key")
	require.NoError(t, os.WriteFile(signPath, priv.Seed(), 0o600))
	require.NoError(t, os.WriteFile(verifyPath, pub, 0o644))

	env := envelope.New(signPath, verifyPath)
	return history.New(filepath.Join(dir, "history"), env), env
}

func signedEvent(t *testing.T, env *envelope.Envelope, ts string, eventType string) pulse.Event {
	t.Helper()
	e := pulse.ApplyDefaults(pulse.Event{
		Timestamp:    ts,
		SourceDaemon: "codex",
		EventType:    eventType,
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{},
	})
	sig, err := env.Sign(e)
	require.NoError(t, err)
	e.Signature = sig
	return e
}

func TestAppendThenReplayReturnsEventsInOrder(t *testing.T) {
	store, env := setup(t)

	first := signedEvent(t, env, "2026-01-01T00:00:00Z", "predictive_patch")
	second := signedEvent(t, env, "2026-01-01T01:00:00Z", "manifest_update")
	require.NoError(t, store.Append(first))
	require.NoError(t, store.Append(second))

	events, err := store.Replay(nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "predictive_patch", events[0].EventType)
	require.Equal(t, "manifest_update", events[1].EventType)
}

func TestReplaySplitsEventsAcrossDayFiles(t *testing.T) {
	store, env := setup(t)

	day1 := signedEvent(t, env, "2026-01-01T23:59:00Z", "day_one")
	day2 := signedEvent(t, env, "2026-01-02T00:01:00Z", "day_two")
	require.NoError(t, store.Append(day1))
	require.NoError(t, store.Append(day2))

	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	events, err := store.Replay(&since)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "day_two", events[0].EventType)
}

func TestReplayDropsTamperedEntries(t *testing.T) {
	store, env := setup(t)

	good := signedEvent(t, env, "2026-01-01T00:00:00Z", "predictive_patch")
	tampered := signedEvent(t, env, "2026-01-01T00:01:00Z", "predictive_patch")
	tampered.Signature = "tampered-signature"

	require.NoError(t, store.Append(good))
	require.NoError(t, store.Append(tampered))

	events, err := store.Replay(nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestReplayOnEmptyRootReturnsNoEvents(t *testing.T) {
	store, _ := setup(t)
	events, err := store.Replay(nil)
	require.NoError(t, err)
	require.Empty(t, events)
}
