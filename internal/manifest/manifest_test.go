package manifest_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/manifest"
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

func TestUpdateRecomputesDigestAndSigns(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(t, dir)
	repoRoot := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(repoRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "module.go"), []byte("package foo\n"), 0o644))

	store := manifest.New(filepath.Join(dir, "immutable_manifest.json"), repoRoot, env)
	m, err := store.Update([]string{"module.go"})
	require.NoError(t, err)

	entry, ok := m.Files["module.go"]
	require.True(t, ok)
	require.NotEmpty(t, entry.SHA256)
	require.True(t, store.Verify(m))
}

func TestUpdateSkipsProtectedPaths(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(t, dir)
	repoRoot := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(filepath.Join(repoRoot, "vow"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "vow", "secret.txt"), []byte("x"), 0o644))

	store := manifest.New(filepath.Join(dir, "immutable_manifest.json"), repoRoot, env)
	m, err := store.Update([]string{"vow/secret.txt"})
	require.NoError(t, err)
	require.Empty(t, m.Files)
}

func TestIsProtectedPath(t *testing.T) {
	require.True(t, manifest.IsProtectedPath("vow/secret.txt"))
	require.True(t, manifest.IsProtectedPath("./sensitive/data.txt"))
	require.False(t, manifest.IsProtectedPath("internal/pulse/event.go"))
}
