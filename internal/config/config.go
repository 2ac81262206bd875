// Package config loads process configuration from the environment: a
// single typed Config struct assembled once at startup, with .env support
// for local development and live-reload for the federation peer list.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/sentientos/glow/internal/codex"
	"github.com/sentientos/glow/internal/federation"
)

// Config is the fully-resolved process configuration.
type Config struct {
	PulseHistoryRoot       string
	PulseSigningKey        string
	PulseVerifyKey         string
	PulseFederationKeysDir string

	MonitoringGlowRoot string
	SentientosLogDir   string

	CodexLedgerPath      string
	CodexSuggestDir      string
	CodexMode            codex.Mode
	CodexMaxIterations   int
	CodexConfirmPatterns []string

	LocalPeerName      string
	FederatedAutoApply bool
	ManifestAutoUpdate bool
	LumosAutoApprove   bool

	FederationEnabled bool
	FederationPeers   []federation.Peer

	ImmutableManifestPath string
	RepoRoot              string

	MonitorRestartStormLimit  int
	MonitorRestartStormWindow time.Duration
}

// Load reads and validates configuration from the process environment. If a
// ".env" file exists in the working directory it is loaded first (without
// overriding variables already set), for local-dev convenience.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Warn().Err(err).Msg("failed to load .env file")
		}
	}

	cfg := Config{
		PulseHistoryRoot:       getString("PULSE_HISTORY_ROOT", "/glow/pulse_history"),
		PulseSigningKey:        getString("PULSE_SIGNING_KEY", "/vow/keys/ed25519_private.key"),
		PulseVerifyKey:         getString("PULSE_VERIFY_KEY", "/vow/keys/ed25519_public.key"),
		PulseFederationKeysDir: getString("PULSE_FEDERATION_KEYS_DIR", "/glow/federation_keys"),

		MonitoringGlowRoot: getString("MONITORING_GLOW_ROOT", "/glow/monitoring"),
		SentientosLogDir:   getString("SENTIENTOS_LOG_DIR", "/var/log/sentientos"),

		CodexLedgerPath:      getString("CODEX_LEDGER_PATH", "/daemon/logs/codex.jsonl"),
		CodexSuggestDir:      getString("CODEX_SUGGEST_DIR", "/glow/codex_suggestions"),
		CodexMode:            codex.Mode(getString("CODEX_MODE", string(codex.ModeObserve))),
		CodexMaxIterations:   getInt("CODEX_MAX_ITERATIONS", 1),
		CodexConfirmPatterns: getList("CODEX_CONFIRM_PATTERNS"),

		LocalPeerName:      getString("LOCAL_PEER_NAME", "local"),
		FederatedAutoApply: getBool("FEDERATED_AUTO_APPLY", false),
		ManifestAutoUpdate: getBool("MANIFEST_AUTO_UPDATE", true),
		LumosAutoApprove:   getBool("LUMOS_AUTO_APPROVE", false),

		FederationEnabled: getBool("PULSE_FEDERATION_ENABLED", false),
		FederationPeers:   getPeers("PULSE_FEDERATION_PEERS"),

		ImmutableManifestPath: getString("IMMUTABLE_MANIFEST_PATH", "/glow/immutable_manifest.json"),
		RepoRoot:              getString("GLOW_REPO_ROOT", "."),

		MonitorRestartStormLimit:  getInt("MONITOR_RESTART_STORM_LIMIT", 5),
		MonitorRestartStormWindow: getDuration("MONITOR_RESTART_STORM_WINDOW", 10*time.Minute),
	}

	switch cfg.CodexMode {
	case codex.ModeObserve, codex.ModeRepair, codex.ModeExpand:
	default:
		log.Warn().Str("codex_mode", string(cfg.CodexMode)).Msg("unrecognized CODEX_MODE, defaulting to observe")
		cfg.CodexMode = codex.ModeObserve
	}

	return cfg, nil
}

// WatchFederationPeers installs an fsnotify watch on path (typically the
// federation keys directory) and invokes onChange whenever a file under it
// is created, written, or removed, so operator-driven key rotation takes
// effect without a process restart.
func WatchFederationPeers(path string, onChange func()) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("path", path).Msg("federation key watch error")
			}
		}
	}()
	return watcher, nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer environment variable, using default")
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Warn().Str("key", key).Str("value", v).Msg("invalid boolean environment variable, using default")
		return fallback
	}
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration environment variable, using default")
		return fallback
	}
	return d
}

func getList(key string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getPeers parses PULSE_FEDERATION_PEERS as a comma-separated
// name=endpoint list, e.g. "alpha=https://alpha.local:8443,beta=https://beta.local:8443".
func getPeers(key string) []federation.Peer {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var peers []federation.Peer
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, endpoint, found := strings.Cut(entry, "=")
		if !found {
			log.Warn().Str("entry", entry).Msg("malformed federation peer entry, expected name=endpoint")
			continue
		}
		peers = append(peers, federation.Peer{Name: strings.TrimSpace(name), Endpoint: strings.TrimSpace(endpoint)})
	}
	return peers
}

// SnapshotInterval is how often the monitoring daemon persists a signed
// metrics snapshot; not exposed as its own env var in the original, kept as
// a named constant here so cmd/glowd and tests share one default.
const SnapshotInterval = time.Minute
