package bus_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/glow/internal/bus"
	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/history"
	"github.com/sentientos/glow/internal/pulse"
)

func newTestBus(t *testing.T) (*bus.Bus, *envelope.Envelope, string) {
	t.Helper()
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signPath := filepath.Join(dir, "ed25519_private.key")
	verifyPath := filepath.Join(dir, "ed25519_public.key")
	require.NoError(t, os.WriteFile(signPath, priv.Seed(), 0o600))
	require.NoError(t, os.WriteFile(verifyPath, pub, 0o644))

	env := envelope.New(signPath, verifyPath)
	histRoot := filepath.Join(dir, "history")
	store := history.New(histRoot, env)
	return bus.New(env, store), env, histRoot
}

func TestPublishSubscribeSingleEvent(t *testing.T) {
	b, _, histRoot := newTestBus(t)

	var received []pulse.Event
	b.Subscribe(func(e pulse.Event) { received = append(received, e) })

	stored, err := b.Publish(pulse.Event{
		Timestamp:    "2025-01-01T00:00:00Z",
		SourceDaemon: "tester",
		EventType:    "unit",
		Payload:      map[string]any{"value": float64(1)},
	})
	require.NoError(t, err)
	require.Equal(t, pulse.PriorityInfo, stored.Priority)
	require.Equal(t, pulse.LocalPeer, stored.SourcePeer)
	require.True(t, b.Verify(stored))

	require.Len(t, received, 1)
	require.Equal(t, "unit", received[0].EventType)

	data, err := os.ReadFile(filepath.Join(histRoot, "pulse_2025-01-01.jsonl"))
	require.NoError(t, err)
	require.Len(t, splitLines(string(data)), 1)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func TestPriorityFiltering(t *testing.T) {
	b, _, _ := newTestBus(t)

	var a, bEvents []string
	b.Subscribe(func(e pulse.Event) { a = append(a, e.EventType) }, pulse.PriorityCritical)
	b.Subscribe(func(e pulse.Event) { bEvents = append(bEvents, e.EventType) }, pulse.PriorityInfo)

	_, err := b.Publish(pulse.Event{
		Timestamp: "2025-01-01T00:00:00Z", SourceDaemon: "tester",
		EventType: "info_event", Payload: map[string]any{},
	})
	require.NoError(t, err)
	_, err = b.Publish(pulse.Event{
		Timestamp: "2025-01-01T00:00:01Z", SourceDaemon: "tester",
		EventType: "critical_event", Priority: pulse.PriorityCritical, Payload: map[string]any{},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"critical_event"}, a)
	require.Equal(t, []string{"info_event"}, bEvents)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, _, _ := newTestBus(t)
	count := 0
	sub := b.Subscribe(func(e pulse.Event) { count++ })
	_, err := b.Publish(pulse.Event{Timestamp: "2025-01-01T00:00:00Z", SourceDaemon: "d", EventType: "a", Payload: map[string]any{}})
	require.NoError(t, err)
	sub.Unsubscribe()
	_, err = b.Publish(pulse.Event{Timestamp: "2025-01-01T00:00:01Z", SourceDaemon: "d", EventType: "b", Payload: map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestReentrantPublishDoesNotDeadlock(t *testing.T) {
	b, _, _ := newTestBus(t)
	var seen []string
	b.Subscribe(func(e pulse.Event) {
		seen = append(seen, e.EventType)
		if e.EventType == "first" {
			_, err := b.Publish(pulse.Event{
				Timestamp: "2025-01-01T00:00:01Z", SourceDaemon: "d",
				EventType: "second", Payload: map[string]any{},
			})
			require.NoError(t, err)
		}
	})
	_, err := b.Publish(pulse.Event{Timestamp: "2025-01-01T00:00:00Z", SourceDaemon: "d", EventType: "first", Payload: map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, seen)
}

func TestIngestRejectsMissingSignature(t *testing.T) {
	b, _, _ := newTestBus(t)
	_, err := b.Ingest(pulse.Event{
		Timestamp: "2025-01-01T00:00:00Z", SourceDaemon: "peerd",
		EventType: "remote", Payload: map[string]any{},
	}, "peer-alpha")
	require.Error(t, err)
}
