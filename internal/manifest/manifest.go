// Package manifest implements the signed immutable file manifest: a
// path→sha256 mapping covering every file Codex has touched, re-signed on
// every reconciliation and protected against accidental inclusion of
// sensitive paths.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sentientos/glow/internal/envelope"
)

// FileEntry is one tracked file's digest and size.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is the signed path→digest mapping, serialized to disk as JSON.
type Manifest struct {
	Generated string               `json:"generated"`
	Files     map[string]FileEntry `json:"files"`
	Signature string               `json:"signature"`
}

// defaultProtectedPrefixes names path prefixes that are never written into
// the manifest by an automated reconciliation.
var defaultProtectedPrefixes = []string{"vow/", "sensitive/"}

// IsProtectedPath reports whether path (already forward-slash normalized)
// falls under a protected prefix.
func IsProtectedPath(path string) bool {
	normalized := normalize(path)
	for _, prefix := range defaultProtectedPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

func normalize(path string) string {
	p := strings.ReplaceAll(path, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return strings.TrimPrefix(p, "/")
}

// Store owns the manifest file at a single path, guarded by one lock.
type Store struct {
	path     string
	repoRoot string
	envelope *envelope.Envelope

	mu sync.Mutex
}

// New constructs a Store. repoRoot is the directory paths in Update are
// resolved relative to when reading file contents to hash.
func New(path, repoRoot string, env *envelope.Envelope) *Store {
	return &Store{path: path, repoRoot: repoRoot, envelope: env}
}

// Load reads the manifest from disk, returning an empty manifest if the
// file does not yet exist.
func (s *Store) Load() (Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Manifest, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{Files: map[string]FileEntry{}}, nil
		}
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, err
	}
	if m.Files == nil {
		m.Files = map[string]FileEntry{}
	}
	return m, nil
}

// Update recomputes the SHA-256 of every path in files (skipping
// already-protected paths, which the caller is expected to have filtered
// via IsProtectedPath), merges the result into the on-disk manifest,
// re-signs, and persists it.
func (s *Store) Update(files []string) (Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return Manifest{}, err
	}
	if m.Files == nil {
		m.Files = map[string]FileEntry{}
	}

	for _, rel := range files {
		clean := normalize(rel)
		if clean == "" || IsProtectedPath(clean) {
			continue
		}
		full := filepath.Join(s.repoRoot, clean)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(raw)
		m.Files[clean] = FileEntry{SHA256: hex.EncodeToString(sum[:]), Size: info.Size()}
	}

	m.Generated = time.Now().UTC().Format(time.RFC3339)
	m.Signature = ""
	canonical, err := signingBytes(m)
	if err != nil {
		return Manifest{}, err
	}
	sig, err := s.envelope.SignBytes(canonical)
	if err != nil {
		return Manifest{}, err
	}
	m.Signature = sig

	if err := s.persistLocked(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Verify reports whether m's signature is valid against the local verify
// key.
func (s *Store) Verify(m Manifest) bool {
	copyM := m
	copyM.Signature = ""
	canonical, err := signingBytes(copyM)
	if err != nil {
		return false
	}
	return s.envelope.VerifyLocalBytes(canonical, m.Signature)
}

func signingBytes(m Manifest) ([]byte, error) {
	type signable struct {
		Generated string               `json:"generated"`
		Files     map[string]FileEntry `json:"files"`
	}
	sorted := make(map[string]FileEntry, len(m.Files))
	keys := make([]string, 0, len(m.Files))
	for k, v := range m.Files {
		sorted[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return envelope.CanonicalizeExcluding(signable{Generated: m.Generated, Files: sorted})
}

func (s *Store) persistLocked(m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o640)
}
