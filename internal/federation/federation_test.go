package federation_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/glow/internal/bus"
	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/federation"
	"github.com/sentientos/glow/internal/history"
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

func TestIngestRemoteEventTamperDetection(t *testing.T) {
	b, env, dir := setup(t)
	link := federation.New(b, env)

	peerPub, peerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keysDir := filepath.Join(dir, "keys")
	require.NoError(t, os.MkdirAll(keysDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(keysDir, "peer-alpha.pub"), peerPub, 0o644))

	require.NoError(t, link.Configure(federation.Config{
		Enabled: true,
		Peers:   []federation.Peer{{Name: "peer-alpha", Endpoint: "http://peer-alpha.invalid"}},
		KeysDir: keysDir,
	}))

	e := pulse.Event{
		Timestamp:    "2025-01-01T00:00:00Z",
		SourceDaemon: "remoted",
		EventType:    "remote_event",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{"value": float64(1)},
		Context:      map[string]any{},
		EventOrigin:  "local",
	}
	canonical, err := envelope.Canonicalize(e)
	require.NoError(t, err)
	sig := ed25519.Sign(peerPriv, canonical)
	e.Signature = base64.StdEncoding.EncodeToString(sig)

	ingested, err := link.IngestRemoteEvent(e, "peer-alpha")
	require.NoError(t, err)
	require.Equal(t, "peer-alpha", ingested.SourcePeer)

	tampered := e
	tampered.Payload = map[string]any{"value": float64(2)}
	_, err = link.IngestRemoteEvent(tampered, "peer-alpha")
	require.Error(t, err)

	files, err := os.ReadDir(filepath.Join(dir, "history"))
	require.NoError(t, err)
	require.Len(t, files, 1)
}
