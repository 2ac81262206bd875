// Package federation implements the peer registry, outbound forwarding
// with privilege redaction, and inbound verified ingestion.
package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"

	"github.com/sentientos/glow/internal/bus"
	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/pulse"
)

const federationEndpoint = "/pulse/federation"

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)

// DefaultDenylistTokens are case-insensitive substrings that block outbound
// forwarding of a canonical-JSON payload. Deliberately over-broad;
// operators widen it via Config.DenylistTokens. Codex reuses the same list
// (and the same scan) to reject federated patch suggestions carrying the
// same privileged markers.
var DefaultDenylistTokens = []string{"/vow", "newlegacy", "privileged"}

// Peer is a named remote node participating in federation.
type Peer struct {
	Name     string
	Endpoint string
}

// Config is the federation configuration.
type Config struct {
	Enabled        bool
	Peers          []Peer
	KeysDir        string
	DenylistTokens []string
	RequestTimeout time.Duration
}

// SanitizeName sanitizes a peer name to [A-Za-z0-9_.-], matching the
// original implementation's _sanitize_name.
func SanitizeName(name string) string {
	sanitized := sanitizePattern.ReplaceAllString(strings.TrimSpace(name), "_")
	if sanitized == "" {
		return "peer"
	}
	return sanitized
}

// Link owns peer keys and outbound delivery exclusively.
type Link struct {
	bus      *bus.Bus
	envelope *envelope.Envelope
	client   *http.Client

	mu             sync.RWMutex
	enabled        bool
	peers          map[string]Peer
	denylist       []string
	requestTimeout time.Duration

	subMu sync.Mutex
	sub   *bus.Subscription
}

// New constructs a disabled, unconfigured Link. Outbound connections reuse a
// single dnscache.Resolver across every peer so the small, static peer
// endpoint set (postEvent/fetchRecent) doesn't re-resolve DNS on every call;
// the resolver's cache is refreshed on a fixed interval for the life of the
// process.
func New(b *bus.Bus, env *envelope.Envelope) *Link {
	resolver := &dnscache.Resolver{}
	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if dialErr == nil {
					return conn, nil
				}
				lastErr = dialErr
			}
			return nil, lastErr
		},
	}
	go refreshDNSCache(resolver)

	return &Link{
		bus:      b,
		envelope: env,
		client:   &http.Client{Timeout: 5 * time.Second, Transport: transport},
		denylist: DefaultDenylistTokens,
	}
}

func refreshDNSCache(resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		resolver.Refresh(true)
	}
}

// Configure loads per-peer verify keys and subscribes to the local bus (no
// priority filter) iff enabled and the peer set is non-empty; otherwise it
// detaches any prior subscription.
func (l *Link) Configure(cfg Config) error {
	peerMap := make(map[string]Peer, len(cfg.Peers))
	for _, p := range cfg.Peers {
		name := SanitizeName(p.Name)
		peerMap[name] = Peer{Name: name, Endpoint: p.Endpoint}
	}

	denylist := cfg.DenylistTokens
	if len(denylist) == 0 {
		denylist = DefaultDenylistTokens
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	peerKeys, err := loadPeerKeys(cfg.KeysDir, peerMap)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.enabled = cfg.Enabled
	l.peers = peerMap
	l.denylist = denylist
	l.requestTimeout = timeout
	l.client.Timeout = timeout
	l.mu.Unlock()

	l.envelope.SetPeerKeys(peerKeys)
	l.updateSubscription()
	return nil
}

func loadPeerKeys(keysDir string, peers map[string]Peer) (map[string]ed25519.PublicKey, error) {
	keys := map[string]ed25519.PublicKey{}
	if keysDir == "" {
		return keys, nil
	}
	for name := range peers {
		path := filepath.Join(keysDir, name+".pub")
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, &pulse.ConfigurationMissing{What: "federation verify key for peer " + name, Path: path}
		}
		if len(raw) != ed25519.PublicKeySize {
			log.Warn().Str("peer", name).Msg("federation verify key has wrong length")
			continue
		}
		keys[name] = ed25519.PublicKey(raw)
	}
	return keys, nil
}

// IsEnabled reports whether federation is enabled and has at least one peer.
func (l *Link) IsEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled && len(l.peers) > 0
}

// Peers returns the configured peer names.
func (l *Link) Peers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.peers))
	for name := range l.peers {
		out = append(out, name)
	}
	return out
}

func (l *Link) peer(name string) (Peer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.peers[name]
	return p, ok
}

func (l *Link) updateSubscription() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if !l.IsEnabled() {
		if l.sub != nil && l.sub.Active() {
			l.sub.Unsubscribe()
		}
		l.sub = nil
		return
	}
	if l.sub != nil && l.sub.Active() {
		return
	}
	l.sub = l.bus.Subscribe(l.handleLocalPublish)
}

// handleLocalPublish forwards every locally-originated event to every
// configured peer, refusing anything that trips the privilege denylist.
func (l *Link) handleLocalPublish(e pulse.Event) {
	if !l.IsEnabled() || e.SourcePeer != pulse.LocalPeer {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if !l.payloadIsSafe(raw) {
		log.Warn().Str("event_type", e.EventType).Msg("skipping privileged pulse event; not federated")
		return
	}

	l.mu.RLock()
	peers := make([]Peer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.RUnlock()

	for _, p := range peers {
		if err := l.postEvent(p, raw); err != nil {
			log.Warn().Err(err).Str("peer", p.Name).Msg("failed to forward pulse event to peer")
		}
	}
}

func (l *Link) payloadIsSafe(canonicalJSON []byte) bool {
	l.mu.RLock()
	denylist := l.denylist
	l.mu.RUnlock()
	return !ContainsDenylistedToken(string(canonicalJSON), denylist)
}

// ContainsDenylistedToken reports whether text contains any of tokens as a
// case-insensitive substring. Shared by outbound forwarding (payloadIsSafe)
// and Codex's rejection of federated patch suggestions carrying the same
// privileged markers.
func ContainsDenylistedToken(text string, tokens []string) bool {
	lower := strings.ToLower(text)
	for _, token := range tokens {
		if strings.Contains(lower, strings.ToLower(token)) {
			return true
		}
	}
	return false
}

func (l *Link) postEvent(p Peer, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+federationEndpoint, bytes.NewReader(body))
	if err != nil {
		return &pulse.TransientRemote{Peer: p.Name, Op: "forward", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return &pulse.TransientRemote{Peer: p.Name, Op: "forward", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &pulse.TransientRemote{Peer: p.Name, Op: "forward", Err: fmt.Errorf("peer returned status %d", resp.StatusCode)}
	}
	return nil
}

// IngestRemoteEvent verifies event against peerName's key and hands it to
// the bus's Ingest path, stamping source_peer along the way. Because
// outbound forwarding only ever sends source_peer=="local" events, an
// ingested remote event can never bounce back to its origin peer.
func (l *Link) IngestRemoteEvent(e pulse.Event, peerName string) (pulse.Event, error) {
	if !l.IsEnabled() {
		return pulse.Event{}, &pulse.ConfigurationMissing{What: "federation is disabled"}
	}
	if _, ok := l.peer(peerName); !ok {
		return pulse.Event{}, &pulse.InvalidSignature{SourcePeer: peerName, Reason: "unknown federation peer"}
	}
	e.SourcePeer = peerName
	if !l.envelope.Verify(e) {
		return pulse.Event{}, &pulse.InvalidSignature{SourcePeer: peerName, Reason: "signature does not verify against peer key"}
	}
	return l.bus.Ingest(e, peerName)
}

// RequestRecentEvents issues a GET to every peer's federation endpoint
// asking for the last `minutes` of history and feeds each returned event
// through IngestRemoteEvent. It does not deduplicate against already-seen
// events: signature verification plus downstream idempotence are relied on
// instead.
func (l *Link) RequestRecentEvents(minutes int) []pulse.Event {
	if !l.IsEnabled() {
		return nil
	}
	var collected []pulse.Event
	for _, p := range l.peersSnapshot() {
		events, err := l.fetchRecent(p, minutes)
		if err != nil {
			log.Warn().Err(err).Str("peer", p.Name).Msg("failed to request pulse replay from peer")
			continue
		}
		for _, e := range events {
			ingested, err := l.IngestRemoteEvent(e, p.Name)
			if err != nil {
				log.Warn().Err(err).Str("peer", p.Name).Msg("rejected invalid federated event from peer")
				continue
			}
			collected = append(collected, ingested)
		}
	}
	return collected
}

func (l *Link) peersSnapshot() []Peer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Peer, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, p)
	}
	return out
}

// Handler serves the inbound side of the federation endpoint: POST accepts
// a single peer-signed event for ingestion, GET replays local history since
// now-minutes for a peer requesting a catch-up window.
func (l *Link) Handler() http.Handler {
	return http.HandlerFunc(l.serveHTTP)
}

func (l *Link) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		l.handleInboundEvent(w, r)
	case http.MethodGet:
		l.handleReplayRequest(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (l *Link) handleInboundEvent(w http.ResponseWriter, r *http.Request) {
	peerName := SanitizeName(r.URL.Query().Get("peer"))
	var e pulse.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	if peerName == "peer" && e.SourcePeer != "" {
		peerName = SanitizeName(e.SourcePeer)
	}
	if _, err := l.IngestRemoteEvent(e, peerName); err != nil {
		log.Warn().Err(err).Str("peer", peerName).Msg("rejected inbound federation event")
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (l *Link) handleReplayRequest(w http.ResponseWriter, r *http.Request) {
	minutes := 60
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		if parsed, err := time.ParseDuration(raw + "m"); err == nil {
			minutes = int(parsed.Minutes())
		}
	}
	since := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	events, err := l.bus.Replay(&since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(events); err != nil {
		log.Error().Err(err).Msg("failed to encode federation replay response")
	}
}

func (l *Link) fetchRecent(p Peer, minutes int) ([]pulse.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.requestTimeout)
	defer cancel()
	url := fmt.Sprintf("%s%s?minutes=%d", p.Endpoint, federationEndpoint, minutes)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &pulse.TransientRemote{Peer: p.Name, Op: "replay_fetch", Err: err}
	}
	defer resp.Body.Close()
	var events []pulse.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, &pulse.TransientRemote{Peer: p.Name, Op: "replay_fetch", Err: err}
	}
	return events, nil
}
