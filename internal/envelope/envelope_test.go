package envelope_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/pulse"
)

func writeKeypair(t *testing.T, dir string) (signPath, verifyPath string, pub ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signPath = filepath.Join(dir, "ed25519_private.key")
	verifyPath = filepath.Join(dir, "ed25519_public.key")
	require.NoError(t, os.WriteFile(signPath, priv.Seed(), 0o600))
	require.NoError(t, os.WriteFile(verifyPath, pub, 0o644))
	return
}

func TestSignThenVerifyRoundTrips(t *testing.T) {
	dir := t.TempDir()
	signPath, verifyPath, _ := writeKeypair(t, dir)
	env := envelope.New(signPath, verifyPath)

	e := pulse.ApplyDefaults(pulse.Event{
		Timestamp:    "2026-01-01T00:00:00Z",
		SourceDaemon: "codex",
		EventType:    "predictive_patch",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{"patch_id": "predictive_local_20260101T000000_abcdef"},
	})

	sig, err := env.Sign(e)
	require.NoError(t, err)
	e.Signature = sig

	require.True(t, env.Verify(e))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	dir := t.TempDir()
	signPath, verifyPath, _ := writeKeypair(t, dir)
	env := envelope.New(signPath, verifyPath)

	e := pulse.ApplyDefaults(pulse.Event{
		Timestamp:    "2026-01-01T00:00:00Z",
		SourceDaemon: "codex",
		EventType:    "predictive_patch",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{"n": 1},
	})
	sig, err := env.Sign(e)
	require.NoError(t, err)
	e.Signature = sig

	e.Payload["n"] = 2
	require.False(t, env.Verify(e))
}

func TestVerifyRejectsUnknownPeer(t *testing.T) {
	dir := t.TempDir()
	signPath, verifyPath, _ := writeKeypair(t, dir)
	env := envelope.New(signPath, verifyPath)

	e := pulse.Event{
		Timestamp:    "2026-01-01T00:00:00Z",
		SourceDaemon: "peer-daemon",
		EventType:    "monitor_summary",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{},
		SourcePeer:   "peer-unknown",
		Signature:    "bm90LXJlYWw=",
	}
	require.False(t, env.Verify(e))
}

func TestVerifyUsesConfiguredPeerKey(t *testing.T) {
	dir := t.TempDir()
	signPath, verifyPath, _ := writeKeypair(t, dir)
	env := envelope.New(signPath, verifyPath)

	peerDir := t.TempDir()
	peerSignPath, _, peerPub := writeKeypair(t, peerDir)
	peerSeed, err := os.ReadFile(peerSignPath)
	require.NoError(t, err)
	peerPriv := ed25519.NewKeyFromSeed(peerSeed)

	env.SetPeerKeys(map[string]ed25519.PublicKey{"peer-beta": peerPub})

	e := pulse.Event{
		Timestamp:    "2026-01-01T00:00:00Z",
		SourceDaemon: "peer-daemon",
		EventType:    "monitor_summary",
		Priority:     pulse.PriorityInfo,
		Payload:      map[string]any{},
		SourcePeer:   "peer-beta",
	}
	canonical, err := envelope.Canonicalize(e)
	require.NoError(t, err)
	sig := ed25519.Sign(peerPriv, canonical)
	e.Signature = base64.StdEncoding.EncodeToString(sig)

	require.True(t, env.Verify(e))
}

func TestCanonicalizeSortsKeysAndExcludesFields(t *testing.T) {
	e := pulse.Event{
		SourceDaemon: "codex",
		EventType:    "predictive_patch",
		Signature:    "should-be-dropped",
		SourcePeer:   "should-also-be-dropped",
		Payload:      map[string]any{"z": 1, "a": 2},
	}
	raw, err := envelope.Canonicalize(e)
	require.NoError(t, err)

	require.NotContains(t, string(raw), "should-be-dropped")
	require.NotContains(t, string(raw), "should-also-be-dropped")
	require.Less(t, strings.Index(string(raw), `"event_type"`), strings.Index(string(raw), `"source_daemon"`))
}
