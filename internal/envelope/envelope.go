// Package envelope implements the signature envelope: deterministic
// canonical serialization plus Ed25519 sign/verify over it, with the local
// key cached after first load and peer keys resolved by source_peer.
package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sentientos/glow/internal/pulse"
)

// Envelope loads the local signing/verify key once and caches it, and holds
// an immutable map of peer verify keys (refreshed only by federation's
// Configure).
type Envelope struct {
	signingKeyPath string
	verifyKeyPath  string

	mu         sync.Mutex
	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey

	peerMu   sync.RWMutex
	peerKeys map[string]ed25519.PublicKey
}

// New constructs an Envelope. Keys are not read from disk until first use.
func New(signingKeyPath, verifyKeyPath string) *Envelope {
	return &Envelope{
		signingKeyPath: signingKeyPath,
		verifyKeyPath:  verifyKeyPath,
		peerKeys:       map[string]ed25519.PublicKey{},
	}
}

// SetPeerKeys replaces the immutable peer verify-key map atomically. Called
// only by federation.Link.Configure.
func (v *Envelope) SetPeerKeys(keys map[string]ed25519.PublicKey) {
	v.peerMu.Lock()
	defer v.peerMu.Unlock()
	v.peerKeys = keys
}

func (v *Envelope) peerKey(name string) (ed25519.PublicKey, bool) {
	v.peerMu.RLock()
	defer v.peerMu.RUnlock()
	k, ok := v.peerKeys[name]
	return k, ok
}

func (v *Envelope) loadSigningKey() (ed25519.PrivateKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.signingKey != nil {
		return v.signingKey, nil
	}
	seed, err := os.ReadFile(v.signingKeyPath)
	if err != nil {
		return nil, &pulse.ConfigurationMissing{What: "pulse signing key", Path: v.signingKeyPath}
	}
	if len(seed) != ed25519.SeedSize {
		return nil, &pulse.ConfigurationMissing{What: "pulse signing key has wrong length", Path: v.signingKeyPath}
	}
	priv := ed25519.NewKeyFromSeed(seed)
	v.signingKey = priv
	if v.verifyKey == nil {
		pub, ok := priv.Public().(ed25519.PublicKey)
		if ok {
			v.verifyKey = pub
		}
	}
	return priv, nil
}

func (v *Envelope) loadLocalVerifyKey() ed25519.PublicKey {
	v.mu.Lock()
	if v.verifyKey != nil {
		defer v.mu.Unlock()
		return v.verifyKey
	}
	v.mu.Unlock()

	if raw, err := os.ReadFile(v.verifyKeyPath); err == nil && len(raw) == ed25519.PublicKeySize {
		v.mu.Lock()
		v.verifyKey = ed25519.PublicKey(raw)
		v.mu.Unlock()
		return v.verifyKey
	}
	// Fall back to deriving the verify key from the signing key when a
	// standalone verify key file hasn't been provisioned.
	if _, err := v.loadSigningKey(); err != nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verifyKey
}

// Sign loads the local private key (once, cached) and returns the base64 of
// Ed25519 over the canonical bytes of the event. Fails hard with
// ConfigurationMissing if the key is missing.
func (v *Envelope) Sign(e pulse.Event) (string, error) {
	key, err := v.loadSigningKey()
	if err != nil {
		return "", err
	}
	canonical, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(key, canonical)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignBytes signs arbitrary already-canonicalized bytes with the local key,
// for signed records that aren't PulseEvents (MetricsSnapshot, Manifest).
func (v *Envelope) SignBytes(canonical []byte) (string, error) {
	key, err := v.loadSigningKey()
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(key, canonical)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyLocalBytes verifies arbitrary canonicalized bytes against the local
// verify key, for signed records that aren't PulseEvents.
func (v *Envelope) VerifyLocalBytes(canonical []byte, sigB64 string) bool {
	if sigB64 == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	key := v.loadLocalVerifyKey()
	if key == nil {
		return false
	}
	return ed25519.Verify(key, canonical, sig)
}

// Verify selects the verify key by source_peer (the local key if absent or
// "local"; otherwise the federation peer key) and returns whether the
// event's signature validates against it. Returns false, never an error,
// for missing/invalid signatures or unknown peers; callers that need a
// typed error construct one themselves (see federation.ingestRemoteEvent).
func (v *Envelope) Verify(e pulse.Event) bool {
	if e.Signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	var key ed25519.PublicKey
	if e.SourcePeer == "" || e.SourcePeer == pulse.LocalPeer {
		key = v.loadLocalVerifyKey()
	} else {
		peerKey, ok := v.peerKey(e.SourcePeer)
		if !ok {
			log.Debug().Str("source_peer", e.SourcePeer).Msg("pulse verify: unknown peer")
			return false
		}
		key = peerKey
	}
	if key == nil {
		return false
	}
	canonical, err := Canonicalize(e)
	if err != nil {
		return false
	}
	return ed25519.Verify(key, canonical, sig)
}
