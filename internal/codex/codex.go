// Package codex implements the predictive-repair daemon: it turns
// critical monitor_alert pulses and federated predictive
// suggestions into candidate patches, classifies each as auto-appliable or
// operator-gated ("veil"), and records every decision to an append-only
// ledger. Concrete patch application, CI execution, and external model
// invocation are behind narrow interfaces so the policy above them can be
// tested without any of the three.
package codex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentientos/glow/internal/bus"
	"github.com/sentientos/glow/internal/federation"
	"github.com/sentientos/glow/internal/ledger"
	"github.com/sentientos/glow/internal/manifest"
	"github.com/sentientos/glow/internal/pulse"
)

// Mode is one of the three Codex operating modes.
type Mode string

const (
	ModeObserve Mode = "observe"
	ModeRepair  Mode = "repair"
	ModeExpand  Mode = "expand"
)

// Status is a PatchMetadata's position in the one-way veil state machine:
// {suggested → pending → confirmed|rejected} ∪ {suggested → applied|failed}.
type Status string

const (
	StatusSuggested Status = "suggested"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusApplied   Status = "applied"
	StatusFailed    Status = "failed"
)

// PatchGenerator invokes the external code generator ("codex exec" in the
// original). Empty output means abort; an error is recorded and surfaced
// as pulse.ExternalFailure by the caller.
type PatchGenerator interface {
	Generate(prompt string) (string, error)
}

// PatchApplier applies a unified diff to the working tree.
type PatchApplier interface {
	Apply(diff string) (bool, error)
}

// CIRunner re-verifies the working tree after a patch has been applied.
type CIRunner interface {
	Run() (bool, error)
}

// NoopGenerator never produces a patch. It is the safe default when no real
// code-generation backend has been wired in: handleAlert treats empty diff
// output as "nothing to do" and returns without error.
type NoopGenerator struct{}

func (NoopGenerator) Generate(string) (string, error) { return "", nil }

// RefusingApplier never applies a patch, matching the original's
// apply_patch stub default (observe-mode safety net when no real applier
// has been wired in).
type RefusingApplier struct{}

func (RefusingApplier) Apply(string) (bool, error) { return false, nil }

// AlwaysPassCI always reports success, matching the original's run_ci stub
// default.
type AlwaysPassCI struct{}

func (AlwaysPassCI) Run() (bool, error) { return true, nil }

// PatchMetadata is the sidecar persisted alongside every candidate patch.
type PatchMetadata struct {
	PatchID              string   `json:"patch_id"`
	PatchPath            string   `json:"patch_path"`
	Scope                string   `json:"scope"`
	Status               Status   `json:"status"`
	AnomalyPattern       string   `json:"anomaly_pattern"`
	AnalysisWindow       string   `json:"analysis_window"`
	FilesChanged         []string `json:"files_changed"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	SourcePeer           string   `json:"source_peer"`
	TargetPeer           string   `json:"target_peer"`
	TargetDaemon         string   `json:"target_daemon"`
	Timestamp            string   `json:"timestamp"`
	CodexMode            string   `json:"codex_mode"`
}

// Config configures one Codex Daemon instance.
type Config struct {
	Mode                Mode
	MaxIterations       int
	SuggestDir          string
	LedgerPath          string
	ConfirmPatterns     []string
	LocalPeerName       string
	FederatedAutoApply  bool
	ManifestAutoUpdate  bool
	EthicsText          string
	RepeatedCriticalMax int
	RepeatedCriticalWin time.Duration
	// DenylistTokens are case-insensitive substrings that cause a federated
	// patch suggestion's diff text to be rejected outright, rather than
	// merely routed to the veil. Defaults to federation's own denylist so a
	// peer can't forward through Codex what it couldn't forward directly.
	DenylistTokens []string
}

func (c Config) withDefaults() Config {
	if c.LocalPeerName == "" {
		c.LocalPeerName = pulse.LocalPeer
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 1
	}
	if c.RepeatedCriticalMax <= 0 {
		c.RepeatedCriticalMax = 3
	}
	if c.RepeatedCriticalWin <= 0 {
		c.RepeatedCriticalWin = 5 * time.Minute
	}
	if len(c.DenylistTokens) == 0 {
		c.DenylistTokens = federation.DefaultDenylistTokens
	}
	return c
}

// Daemon is the predictive-repair subscriber. Heavy work (external model
// invocation, patch application, CI) happens on a private worker goroutine
// fed by a buffered channel, never inside the bus's fan-out call.
type Daemon struct {
	cfg       Config
	bus       *bus.Bus
	ledger    *ledger.Ledger
	manifest  *manifest.Store
	generator PatchGenerator
	applier   PatchApplier
	ci        CIRunner

	subMu sync.Mutex
	sub   *bus.Subscription

	work chan pulse.Event
	done chan struct{}
	wg   sync.WaitGroup

	mu         sync.Mutex
	criticalAt map[string][]time.Time
	restarted  map[string]time.Time
}

// New constructs a Daemon. manifestStore may be nil if manifest
// reconciliation is not wired (ManifestAutoUpdate is then ignored).
func New(b *bus.Bus, cfg Config, generator PatchGenerator, applier PatchApplier, ci CIRunner, manifestStore *manifest.Store) *Daemon {
	if applier == nil {
		applier = RefusingApplier{}
	}
	if ci == nil {
		ci = AlwaysPassCI{}
	}
	return &Daemon{
		cfg:        cfg.withDefaults(),
		bus:        b,
		ledger:     ledger.Open(cfg.LedgerPath),
		manifest:   manifestStore,
		generator:  generator,
		applier:    applier,
		ci:         ci,
		work:       make(chan pulse.Event, 256),
		done:       make(chan struct{}),
		criticalAt: map[string][]time.Time{},
		restarted:  map[string]time.Time{},
	}
}

// Start subscribes to the bus (no priority filter; event type is filtered
// internally) and launches the worker goroutine.
func (d *Daemon) Start() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.sub != nil && d.sub.Active() {
		return
	}
	done := make(chan struct{})
	d.done = done
	d.wg.Add(1)
	go d.run(done)
	d.sub = d.bus.Subscribe(d.enqueue)
}

// Stop unsubscribes and drains the worker goroutine.
func (d *Daemon) Stop() {
	d.subMu.Lock()
	if d.sub != nil && d.sub.Active() {
		d.sub.Unsubscribe()
	}
	d.sub = nil
	done := d.done
	d.done = nil
	d.subMu.Unlock()

	if done != nil {
		close(done)
	}
	d.wg.Wait()
}

func (d *Daemon) enqueue(e pulse.Event) {
	select {
	case d.work <- e:
	default:
		log.Warn().Str("event_type", e.EventType).Msg("codex worker queue full; dropping event")
	}
}

func (d *Daemon) run(done <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.work:
			d.dispatch(e)
		case <-done:
			return
		}
	}
}

func (d *Daemon) dispatch(e pulse.Event) {
	switch e.EventType {
	case "monitor_alert":
		if e.Priority == pulse.PriorityCritical {
			d.trackRepeatedCritical(e)
			if err := d.handleAlert(e); err != nil {
				log.Warn().Err(err).Str("event_type", e.EventType).Msg("codex alert handling failed")
			}
		}
	case "predictive_suggestion":
		if err := d.processPredictiveSuggestion(e); err != nil {
			log.Warn().Err(err).Msg("codex predictive suggestion handling failed")
		}
	}
}

// handleAlert turns a critical monitor_alert into a candidate patch.
func (d *Daemon) handleAlert(e pulse.Event) error {
	prompt := d.buildPrompt(e)
	diffText, err := d.generator.Generate(prompt)
	if err != nil {
		return &pulse.ExternalFailure{Op: "generate_patch", Reason: err.Error()}
	}
	if strings.TrimSpace(diffText) == "" {
		return nil
	}

	scope, targetPeer := d.determineScope(e)
	originPeer := e.SourcePeer
	if originPeer == "" {
		originPeer = d.cfg.LocalPeerName
	}
	peerToken := d.cfg.LocalPeerName
	if scope == "federated" {
		peerToken = targetPeer
	}
	patchID := buildPatchID("predictive", peerToken)
	diffPath := filepath.Join(d.cfg.SuggestDir, patchID+".diff")
	if err := writeFile(diffPath, diffText); err != nil {
		return err
	}

	filesChanged := parseDiffFiles(diffText)
	analysisWindow := analysisWindowFrom(e.Payload)
	anomalyPattern := stringFieldAny(e.Payload, "anomaly_pattern", "event_type", "name")
	targetDaemon := stringFieldAny(e.Payload, "target_daemon", "source_daemon")
	requiresConfirmation := d.requiresManualConfirmation(filesChanged)

	ledgerEvent := "self_predict_suggested"
	if scope == "federated" {
		ledgerEvent = "federated_predictive_event"
	}
	d.appendLedger(map[string]any{
		"ts":              ledgerTimestamp(),
		"event":           ledgerEvent,
		"status":          string(StatusSuggested),
		"patch_id":        patchID,
		"files_changed":   filesChanged,
		"analysis_window": analysisWindow,
		"anomaly_pattern": anomalyPattern,
		"target_daemon":   targetDaemon,
		"scope":           scope,
		"source_peer":     d.cfg.LocalPeerName,
		"origin_peer":     originPeer,
		"target_peer":     emptyUnless(scope == "federated", targetPeer),
		"codex_mode":      string(d.cfg.Mode),
	})

	if scope == "local" {
		if requiresConfirmation {
			return d.enterVeil(patchID, diffPath, filesChanged, scope, analysisWindow, anomalyPattern, targetDaemon, d.cfg.LocalPeerName, d.cfg.LocalPeerName)
		}
		if d.cfg.Mode == ModeExpand && len(filesChanged) > 0 {
			d.autoApplyLocal(diffText, filesChanged, patchID, analysisWindow, anomalyPattern, targetDaemon)
		}
		return nil
	}

	payload := map[string]any{
		"patch_id":              patchID,
		"patch_path":            relPath(diffPath),
		"scope":                 "federated",
		"status":                string(StatusSuggested),
		"source_peer":           d.cfg.LocalPeerName,
		"origin_peer":           originPeer,
		"target_peer":           targetPeer,
		"target_daemon":         targetDaemon,
		"anomaly_pattern":       anomalyPattern,
		"analysis_window":       analysisWindow,
		"files_changed":         filesChanged,
		"requires_confirmation": requiresConfirmation,
		"triggering_anomaly":    triggeringAnomaly(e.Payload),
		"patch_diff":            diffText,
		"codex_mode":            string(d.cfg.Mode),
	}
	_, pubErr := d.bus.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "predictive_suggestion",
		Priority:     pulse.PriorityInfo,
		Payload:      payload,
	})
	return pubErr
}

func (d *Daemon) enterVeil(patchID, diffPath string, filesChanged []string, scope, analysisWindow, anomalyPattern, targetDaemon, sourcePeer, targetPeer string) error {
	if err := prependNotice(diffPath, "manual confirmation required"); err != nil {
		return err
	}
	metadata := PatchMetadata{
		PatchID:              patchID,
		PatchPath:            relPath(diffPath),
		Scope:                scope,
		Status:               StatusPending,
		AnomalyPattern:       anomalyPattern,
		AnalysisWindow:       analysisWindow,
		FilesChanged:         filesChanged,
		RequiresConfirmation: true,
		SourcePeer:           sourcePeer,
		TargetPeer:           targetPeer,
		TargetDaemon:         targetDaemon,
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		CodexMode:            string(d.cfg.Mode),
	}
	if err := writeSidecar(sidecarPath(d.cfg.SuggestDir, patchID), metadata); err != nil {
		return err
	}
	if _, err := d.bus.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "veil_request",
		Priority:     pulse.PriorityWarning,
		Payload:      metadataPayload(metadata),
	}); err != nil {
		return err
	}
	d.appendLedger(map[string]any{
		"ts":                    ledgerTimestamp(),
		"event":                 "veil_pending",
		"patch_id":              patchID,
		"scope":                 scope,
		"status":                string(StatusPending),
		"requires_confirmation": true,
		"files_changed":         filesChanged,
		"analysis_window":       analysisWindow,
		"anomaly_pattern":       anomalyPattern,
		"source_peer":           sourcePeer,
		"target_peer":           targetPeer,
	})
	return nil
}

func (d *Daemon) autoApplyLocal(diffText string, filesChanged []string, patchID, analysisWindow, anomalyPattern, targetDaemon string) {
	applied, applyErr := d.applier.Apply(diffText)
	verified := false
	if applyErr == nil && applied {
		ran, ciErr := d.ci.Run()
		verified = ciErr == nil && ran
	}
	status := StatusFailed
	if applied && verified {
		status = StatusApplied
	}
	event := "self_predict_applied"
	if status != StatusApplied {
		event = "self_predict_failed"
	}
	d.appendLedger(map[string]any{
		"ts":                  ledgerTimestamp(),
		"event":               event,
		"status":              string(status),
		"verification_result": verified,
		"patch_id":            patchID,
		"files_changed":       filesChanged,
		"analysis_window":     analysisWindow,
		"anomaly_pattern":     anomalyPattern,
		"target_daemon":       targetDaemon,
		"codex_mode":          string(d.cfg.Mode),
		"scope":               "local",
	})
	d.bus.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "predictive_patch",
		Priority:     pulse.PriorityInfo,
		Payload: map[string]any{
			"patch_id":              patchID,
			"scope":                 "local",
			"status":                string(status),
			"files_changed":         filesChanged,
			"analysis_window":       analysisWindow,
			"anomaly_pattern":       anomalyPattern,
			"verification_result":   verified,
		},
	})
	if status == StatusApplied {
		d.reconcileManifest(filesChanged, "self_predict_applied")
	}
}

// processPredictiveSuggestion consumes a predictive_suggestion ingested
// from a remote peer.
func (d *Daemon) processPredictiveSuggestion(e pulse.Event) error {
	if e.SourcePeer == "" || e.SourcePeer == pulse.LocalPeer {
		// Our own predictive_suggestion publishes (initial forward, status
		// updates) land back on this same subscription; only a remote
		// ingestion carries a non-local source_peer.
		return nil
	}
	targetPeer := stringFieldAny(e.Payload, "target_peer")
	if targetPeer != "" && targetPeer != d.cfg.LocalPeerName && targetPeer != pulse.LocalPeer {
		return nil
	}
	diffText, _ := e.Payload["patch_diff"].(string)
	if strings.TrimSpace(diffText) == "" {
		return nil
	}
	filesChanged := parseDiffFiles(diffText)
	analysisWindow := analysisWindowFrom(e.Payload)
	anomalyPattern := stringFieldAny(e.Payload, "anomaly_pattern", "event_type", "name")
	sourcePeer := stringFieldAny(e.Payload, "source_peer")
	if sourcePeer == "" {
		sourcePeer = e.SourcePeer
	}
	targetDaemon := stringFieldAny(e.Payload, "target_daemon", "source_daemon")

	if federation.ContainsDenylistedToken(diffText, d.cfg.DenylistTokens) {
		log.Warn().Str("source_peer", sourcePeer).Msg("rejecting federated patch suggestion; diff trips privilege denylist")
		d.appendLedger(map[string]any{
			"ts":              ledgerTimestamp(),
			"event":           "federated_predictive_event",
			"status":          string(StatusRejected),
			"files_changed":   filesChanged,
			"anomaly_pattern": anomalyPattern,
			"source_peer":     sourcePeer,
			"target_peer":     d.cfg.LocalPeerName,
			"target_daemon":   targetDaemon,
			"reason":          "denylisted_token",
		})
		d.bus.Publish(pulse.Event{
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			SourceDaemon: "codex",
			EventType:    "predictive_suggestion",
			Priority:     pulse.PriorityWarning,
			Payload: map[string]any{
				"scope":         "federated",
				"status":        string(StatusRejected),
				"source_peer":   sourcePeer,
				"target_peer":   d.cfg.LocalPeerName,
				"target_daemon": targetDaemon,
				"reason":        "denylisted_token",
			},
		})
		return nil
	}

	peerToken := sourcePeer
	if peerToken == "" {
		peerToken = "remote"
	}
	patchID := "peer_" + sanitizeToken(peerToken) + "_" + time.Now().UTC().Format("20060102_150405") + "_" + hexSuffix(4)
	diffPath := filepath.Join(d.cfg.SuggestDir, patchID+".diff")
	if err := writeFile(diffPath, diffText); err != nil {
		return err
	}
	requiresConfirmation := d.requiresManualConfirmation(filesChanged)

	d.appendLedger(map[string]any{
		"ts":                    ledgerTimestamp(),
		"event":                 "federated_predictive_event",
		"status":                string(StatusSuggested),
		"patch_id":              patchID,
		"files_changed":         filesChanged,
		"analysis_window":       analysisWindow,
		"anomaly_pattern":       anomalyPattern,
		"source_peer":           sourcePeer,
		"target_peer":           d.cfg.LocalPeerName,
		"target_daemon":         targetDaemon,
		"requires_confirmation": requiresConfirmation,
	})

	updatePayload := map[string]any{
		"patch_id":              patchID,
		"patch_path":            relPath(diffPath),
		"scope":                 "federated",
		"status":                string(StatusSuggested),
		"source_peer":           sourcePeer,
		"target_peer":           d.cfg.LocalPeerName,
		"files_changed":         filesChanged,
		"analysis_window":       analysisWindow,
		"anomaly_pattern":       anomalyPattern,
		"patch_diff":            diffText,
		"codex_mode":            string(d.cfg.Mode),
		"target_daemon":         targetDaemon,
		"requires_confirmation": requiresConfirmation,
	}
	if _, err := d.bus.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "predictive_suggestion",
		Priority:     pulse.PriorityInfo,
		Payload:      updatePayload,
	}); err != nil {
		return err
	}

	if requiresConfirmation {
		return d.enterVeil(patchID, diffPath, filesChanged, "federated", analysisWindow, anomalyPattern, targetDaemon, sourcePeer, d.cfg.LocalPeerName)
	}

	if d.cfg.FederatedAutoApply && len(filesChanged) > 0 {
		applied, applyErr := d.applier.Apply(diffText)
		verified := false
		if applyErr == nil && applied {
			ran, ciErr := d.ci.Run()
			verified = ciErr == nil && ran
		}
		status := StatusFailed
		if applied && verified {
			status = StatusApplied
		}
		d.appendLedger(map[string]any{
			"ts":                  ledgerTimestamp(),
			"event":               "federated_predictive_event",
			"status":              string(status),
			"patch_id":            patchID,
			"files_changed":       filesChanged,
			"analysis_window":     analysisWindow,
			"anomaly_pattern":     anomalyPattern,
			"source_peer":         sourcePeer,
			"target_peer":         d.cfg.LocalPeerName,
			"target_daemon":       targetDaemon,
			"verification_result": verified,
		})
		updatePayload["status"] = string(status)
		updatePayload["verification_result"] = verified
		d.bus.Publish(pulse.Event{
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			SourceDaemon: "codex",
			EventType:    "predictive_suggestion",
			Priority:     pulse.PriorityInfo,
			Payload:      updatePayload,
		})
		if status == StatusApplied {
			d.reconcileManifest(filesChanged, "federated_predictive_event")
		}
	}
	return nil
}

// ConfirmVeilPatch applies the pending patch named by patchID, the
// operator-facing counterpart to RejectVeilPatch.
func (d *Daemon) ConfirmVeilPatch(patchID string) (PatchMetadata, error) {
	metadata, err := readSidecar(sidecarPath(d.cfg.SuggestDir, patchID))
	if err != nil {
		return PatchMetadata{}, err
	}
	if metadata.Status != StatusSuggested && metadata.Status != StatusPending {
		return PatchMetadata{}, &pulse.OperationConflict{PatchID: patchID, Status: string(metadata.Status)}
	}
	diffPath := resolvePatchFile(d.cfg.SuggestDir, patchID, metadata)
	diffText, err := os.ReadFile(diffPath)
	if err != nil {
		return PatchMetadata{}, err
	}
	applied, err := d.applier.Apply(string(diffText))
	if err != nil || !applied {
		return PatchMetadata{}, &pulse.ExternalFailure{Op: "apply_patch", Reason: "patch_apply_failed"}
	}
	verified, err := d.ci.Run()
	if err != nil || !verified {
		return PatchMetadata{}, &pulse.ExternalFailure{Op: "run_ci", Reason: "verification_failed"}
	}

	metadata.Status = StatusConfirmed
	if err := writeSidecar(sidecarPath(d.cfg.SuggestDir, patchID), metadata); err != nil {
		return PatchMetadata{}, err
	}
	d.appendLedger(map[string]any{
		"ts":                  ledgerTimestamp(),
		"event":               "veil_confirmed",
		"patch_id":            patchID,
		"files_changed":       metadata.FilesChanged,
		"verification_result": verified,
	})
	if _, err := d.bus.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "veil_confirmed",
		Priority:     pulse.PriorityInfo,
		Payload:      metadataPayload(metadata),
	}); err != nil {
		return metadata, err
	}
	d.reconcileManifest(metadata.FilesChanged, "veil_confirmed")
	return metadata, nil
}

// RejectVeilPatch discards the pending patch named by patchID.
func (d *Daemon) RejectVeilPatch(patchID string) (PatchMetadata, error) {
	metadata, err := readSidecar(sidecarPath(d.cfg.SuggestDir, patchID))
	if err != nil {
		return PatchMetadata{}, err
	}
	if metadata.Status != StatusSuggested && metadata.Status != StatusPending {
		return PatchMetadata{}, &pulse.OperationConflict{PatchID: patchID, Status: string(metadata.Status)}
	}
	diffPath := resolvePatchFile(d.cfg.SuggestDir, patchID, metadata)
	_ = os.Remove(diffPath)

	metadata.Status = StatusRejected
	if err := writeSidecar(sidecarPath(d.cfg.SuggestDir, patchID), metadata); err != nil {
		return PatchMetadata{}, err
	}
	d.appendLedger(map[string]any{
		"ts":            ledgerTimestamp(),
		"event":         "veil_rejected",
		"patch_id":      patchID,
		"files_changed": metadata.FilesChanged,
	})
	_, err = d.bus.Publish(pulse.Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "veil_rejected",
		Priority:     pulse.PriorityInfo,
		Payload:      metadataPayload(metadata),
	})
	return metadata, err
}

func (d *Daemon) reconcileManifest(files []string, sourceEvent string) {
	if !d.cfg.ManifestAutoUpdate || d.manifest == nil || len(files) == 0 {
		return
	}
	m, err := d.manifest.Update(files)
	if err != nil {
		d.appendLedger(map[string]any{
			"ts":            ledgerTimestamp(),
			"event":         "manifest_reconcile_failed",
			"files_changed": files,
			"reason":        err.Error(),
			"source_event":  sourceEvent,
		})
		return
	}
	d.appendLedger(map[string]any{
		"ts":            ledgerTimestamp(),
		"event":         "manifest_reconciled",
		"files_changed": files,
		"signature":     m.Signature,
		"source_event":  sourceEvent,
	})
	d.bus.Publish(pulse.Event{
		Timestamp:    m.Generated,
		SourceDaemon: "codex",
		EventType:    "manifest_update",
		Priority:     pulse.PriorityInfo,
		Payload: map[string]any{
			"files":        files,
			"signature":    m.Signature,
			"source_event": sourceEvent,
		},
	})
}

// trackRepeatedCritical watches for repeated critical events from the same
// source_daemon within a sliding window: three within the window triggers
// a restart_request, at most once per window per daemon.
func (d *Daemon) trackRepeatedCritical(e pulse.Event) {
	source := e.SourceDaemon
	if source == "" {
		return
	}
	now := time.Now().UTC()
	cutoff := now.Add(-d.cfg.RepeatedCriticalWin)

	d.mu.Lock()
	times := d.criticalAt[source]
	pruned := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, now)
	d.criticalAt[source] = pruned
	count := len(pruned)
	lastRestart, restartedRecently := d.restarted[source]
	shouldRestart := count >= d.cfg.RepeatedCriticalMax && (!restartedRecently || lastRestart.Before(cutoff))
	if shouldRestart {
		d.restarted[source] = now
	}
	d.mu.Unlock()

	if !shouldRestart {
		return
	}
	d.bus.Publish(pulse.Event{
		Timestamp:    now.Format(time.RFC3339),
		SourceDaemon: "codex",
		EventType:    "restart_request",
		Priority:     pulse.PriorityCritical,
		Payload: map[string]any{
			"action": "restart_daemon",
			"daemon": source,
			"reason": fmt.Sprintf("codex_detected_repeated_failures: %d critical events within %s", count, d.cfg.RepeatedCriticalWin),
		},
	})
}

func (d *Daemon) buildPrompt(e pulse.Event) string {
	daemonName := stringFieldAny(e.Payload, "target_daemon", "source_daemon")
	if daemonName == "" {
		daemonName = "system"
	}
	anomaly := stringFieldAny(e.Payload, "anomaly_pattern", "event_type", "name")
	if anomaly == "" {
		anomaly = "anomaly"
	}
	window := analysisWindowFrom(e.Payload)
	ethics := d.cfg.EthicsText
	if ethics == "" {
		ethics = "None provided."
	}
	lines := []string{
		fmt.Sprintf("Codex predictive repair request for %s.", daemonName),
		"",
		"Safety Context:",
		ethics,
		"",
		"Alert Summary:",
		fmt.Sprintf("- anomaly: %s", anomaly),
	}
	if observed, ok := e.Payload["observed"]; ok {
		lines = append(lines, fmt.Sprintf("- observed: %v", observed))
	}
	if threshold, ok := e.Payload["threshold"]; ok {
		lines = append(lines, fmt.Sprintf("- threshold: %v", threshold))
	}
	lines = append(lines, fmt.Sprintf("- analysis_window: %s", window))
	sourcePeer := e.SourcePeer
	if sourcePeer == "" {
		sourcePeer = d.cfg.LocalPeerName
	}
	lines = append(lines, fmt.Sprintf("- originating_peer: %s", sourcePeer))
	lines = append(lines, "", "Generate a minimal unified diff patch that addresses the anomaly.", "Only output the diff with paths relative to the repository root.")
	return strings.Join(lines, "\n")
}

func (d *Daemon) determineScope(e pulse.Event) (scope, targetPeer string) {
	if e.SourcePeer != "" && e.SourcePeer != d.cfg.LocalPeerName && e.SourcePeer != pulse.LocalPeer {
		return "federated", e.SourcePeer
	}
	return "local", d.cfg.LocalPeerName
}

func (d *Daemon) requiresManualConfirmation(filesChanged []string) bool {
	if len(filesChanged) == 0 {
		return false
	}
	if !isSafe(filesChanged, d.cfg.ConfirmPatterns) {
		return true
	}
	for _, path := range filesChanged {
		normalized := normalizePath(path)
		if normalized == "" {
			continue
		}
		if manifest.IsProtectedPath(normalized) {
			return true
		}
		if strings.HasPrefix(normalized, "vow/") {
			return true
		}
	}
	return false
}

func (d *Daemon) appendLedger(entry map[string]any) {
	if err := d.ledger.Append(entry); err != nil {
		log.Error().Err(err).Interface("event", entry["event"]).Msg("failed to write codex ledger entry")
	}
}

// --- pure helpers -----------------------------------------------------

var diffFileLine = regexp.MustCompile(`^\+\+\+ b/(.+)$`)

func parseDiffFiles(diffText string) []string {
	var files []string
	for _, line := range strings.Split(diffText, "\n") {
		m := diffFileLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(m[1])
		if candidate != "" && candidate != "/dev/null" {
			files = append(files, candidate)
		}
	}
	return files
}

// isSafe reports whether none of filesChanged matches any of
// CODEX_CONFIRM_PATTERNS. Patterns are documented as plain substrings, so
// each is wrapped as "*pattern*" before being handed to wildcard.Match,
// which keeps substring semantics for operators who never use glob
// metacharacters while still honoring a literal "*"/"?" in a pattern that
// does.
func isSafe(filesChanged, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, path := range filesChanged {
		for _, pattern := range patterns {
			if pattern == "" {
				continue
			}
			if wildcard.Match("*"+pattern+"*", path) {
				return false
			}
		}
	}
	return true
}

func normalizePath(path string) string {
	p := strings.ReplaceAll(path, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return p
}

func analysisWindowFrom(payload map[string]any) string {
	if window, ok := payload["analysis_window"].(string); ok && window != "" {
		return window
	}
	if secs, ok := numeric(payload["window_seconds"]); ok && secs > 0 {
		if int(secs)%60 == 0 {
			return fmt.Sprintf("%dm", int(secs)/60)
		}
		return fmt.Sprintf("%ds", int(secs))
	}
	return "unknown"
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringFieldAny(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func triggeringAnomaly(payload map[string]any) map[string]any {
	out := map[string]any{}
	if v, ok := payload["event_type"]; ok {
		out["event_type"] = v
	}
	if v, ok := payload["observed"]; ok {
		out["observed"] = v
	} else if v, ok := payload["count"]; ok {
		out["observed"] = v
	}
	if v, ok := payload["threshold"]; ok {
		out["threshold"] = v
	}
	return out
}

func sanitizeToken(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "token"
	}
	var b strings.Builder
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func buildPatchID(prefix, peer string) string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s_%s_%s_%s", prefix, sanitizeToken(peer), timestamp, hexSuffix(6))
}

func hexSuffix(n int) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n > len(id) {
		n = len(id)
	}
	return id[:n]
}

func ledgerTimestamp() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}

func emptyUnless(cond bool, value string) string {
	if cond {
		return value
	}
	return ""
}

// relPath returns path unchanged; patch sidecars record whatever path the
// diff was written to (suggestDir may itself be relative or absolute).
func relPath(path string) string {
	return path
}

func writeFile(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(contents), 0o640)
}

func prependNotice(path, reason string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	notice := fmt.Sprintf("# Predictive patch rejected: %s\n\n", reason)
	return os.WriteFile(path, []byte(notice+string(existing)), 0o640)
}

func sidecarPath(suggestDir, patchID string) string {
	return filepath.Join(suggestDir, patchID+".veil.json")
}

func writeSidecar(path string, metadata PatchMetadata) error {
	raw, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o640)
}

func readSidecar(path string) (PatchMetadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PatchMetadata{}, err
	}
	var metadata PatchMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return PatchMetadata{}, err
	}
	return metadata, nil
}

func resolvePatchFile(suggestDir, patchID string, metadata PatchMetadata) string {
	if metadata.PatchPath != "" {
		candidate := metadata.PatchPath
		if !filepath.IsAbs(candidate) {
			if _, err := os.Stat(candidate); err != nil {
				return filepath.Join(suggestDir, filepath.Base(candidate))
			}
		}
		return candidate
	}
	return filepath.Join(suggestDir, patchID+".diff")
}

func metadataPayload(metadata PatchMetadata) map[string]any {
	raw, _ := json.Marshal(metadata)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}
