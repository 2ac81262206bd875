package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentientos/glow/internal/bus"
	"github.com/sentientos/glow/internal/codex"
	"github.com/sentientos/glow/internal/config"
	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/history"
	"github.com/sentientos/glow/internal/manifest"
)

var codexCmd = &cobra.Command{
	Use:   "codex",
	Short: "Confirm or reject a pending veil patch",
}

var codexConfirmCmd = &cobra.Command{
	Use:   "confirm <patch-id>",
	Short: "Apply a pending veil patch after operator review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildCodexCLIDaemon()
		if err != nil {
			return err
		}
		metadata, err := d.ConfirmVeilPatch(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("patch %s confirmed (status=%s)\n", metadata.PatchID, metadata.Status)
		return nil
	},
}

var codexRejectCmd = &cobra.Command{
	Use:   "reject <patch-id>",
	Short: "Discard a pending veil patch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildCodexCLIDaemon()
		if err != nil {
			return err
		}
		metadata, err := d.RejectVeilPatch(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("patch %s rejected (status=%s)\n", metadata.PatchID, metadata.Status)
		return nil
	},
}

func init() {
	codexCmd.AddCommand(codexConfirmCmd, codexRejectCmd)
}

// buildCodexCLIDaemon constructs a Codex daemon bound to the real pulse bus
// and manifest store but never started (Start/Stop own the bus
// subscription and worker goroutine; the CLI only needs the veil-confirm
// surface, which does not require either).
func buildCodexCLIDaemon() (*codex.Daemon, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	env := envelope.New(cfg.PulseSigningKey, cfg.PulseVerifyKey)
	hist := history.New(cfg.PulseHistoryRoot, env)
	b := bus.New(env, hist)
	manifestStore := manifest.New(cfg.ImmutableManifestPath, cfg.RepoRoot, env)

	return codex.New(b, codex.Config{
		Mode:               cfg.CodexMode,
		MaxIterations:      cfg.CodexMaxIterations,
		SuggestDir:         cfg.CodexSuggestDir,
		LedgerPath:         cfg.CodexLedgerPath,
		ConfirmPatterns:    cfg.CodexConfirmPatterns,
		LocalPeerName:      cfg.LocalPeerName,
		FederatedAutoApply: cfg.FederatedAutoApply,
		ManifestAutoUpdate: cfg.ManifestAutoUpdate,
	}, codex.NoopGenerator{}, codex.RefusingApplier{}, codex.AlwaysPassCI{}, manifestStore), nil
}
