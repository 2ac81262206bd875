package integrity_test

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
	"github.com/sentientos/glow/internal/integrity"
	"github.com/sentientos/glow/internal/pulse"
)

func setup(t *testing.T) (*bus.Bus, *envelope.Envelope) {
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
	return bus.New(env, store), env
}

func TestLocallyPublishedEventsVerify(t *testing.T) {
	b, _ := setup(t)
	d := integrity.New(b)
	d.Start()
	defer d.Stop()

	_, err := b.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "monitoring_daemon",
		EventType:    "monitor_summary",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{},
	})
	require.NoError(t, err)
	require.Empty(t, d.InvalidEvents())
}

func TestTamperedSignatureRaisesIntegrityViolation(t *testing.T) {
	b, _ := setup(t)
	d := integrity.New(b)
	d.Start()
	defer d.Stop()

	var violations []pulse.Event
	b.Subscribe(func(e pulse.Event) {
		if e.EventType == "integrity_violation" {
			violations = append(violations, e)
		}
	})

	// A federated ingest bypasses local signing, so a bogus signature lands
	// on the bus and the integrity daemon must catch it on re-verification.
	tampered := pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "peer-daemon",
		EventType:    "monitor_summary",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{},
		Context:      map[string]any{},
		EventOrigin:  "federated",
		Signature:    "not-a-real-signature",
	}
	_, err := b.Ingest(tampered, "peer-beta")
	require.NoError(t, err)

	require.NotEmpty(t, violations)
	require.Equal(t, pulse.PriorityCritical, violations[0].Priority)
	require.NotEmpty(t, d.InvalidEvents())
}
