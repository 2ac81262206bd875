package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentientos/glow/internal/config"
	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/history"
	"github.com/sentientos/glow/internal/query"
)

var (
	queryWindow       string
	queryPriority     string
	querySourceDaemon string
	queryEventType    string
	queryRequester    string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Inspect pulse history and metrics snapshots",
}

var monitorQueryEventsCmd = &cobra.Command{
	Use:   "query-events",
	Short: "List signed pulse events since a window expression (e.g. 10m, 1h)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		env := envelope.New(cfg.PulseSigningKey, cfg.PulseVerifyKey)
		hist := history.New(cfg.PulseHistoryRoot, env)
		svc := query.New(hist, cfg.PulseHistoryRoot, env, cfg.MonitoringGlowRoot+"/metrics.jsonl", cfg.CodexLedgerPath)

		dur, err := query.ParseWindow(queryWindow)
		if err != nil {
			return err
		}
		since := time.Now().UTC().Add(-dur)

		events, err := svc.QueryEvents(since, query.EventFilters{
			Priority:     queryPriority,
			SourceDaemon: querySourceDaemon,
			EventType:    queryEventType,
		}, queryRequesterOrDefault())
		if err != nil {
			return err
		}
		return printJSON(events)
	},
}

var monitorQueryMetricsCmd = &cobra.Command{
	Use:   "query-metrics",
	Short: "Show the metrics summary for a window label (e.g. 1m, 10m, 1h, 24h)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		env := envelope.New(cfg.PulseSigningKey, cfg.PulseVerifyKey)
		hist := history.New(cfg.PulseHistoryRoot, env)
		svc := query.New(hist, cfg.PulseHistoryRoot, env, cfg.MonitoringGlowRoot+"/metrics.jsonl", cfg.CodexLedgerPath)

		result, err := svc.QueryMetrics(queryWindow, query.EventFilters{
			Priority:     queryPriority,
			SourceDaemon: querySourceDaemon,
			EventType:    queryEventType,
		}, queryRequesterOrDefault())
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{monitorQueryEventsCmd, monitorQueryMetricsCmd} {
		cmd.Flags().StringVar(&queryWindow, "window", "10m", "window expression")
		cmd.Flags().StringVar(&queryPriority, "priority", "", "filter by priority")
		cmd.Flags().StringVar(&querySourceDaemon, "source-daemon", "", "filter by source_daemon")
		cmd.Flags().StringVar(&queryEventType, "event-type", "", "filter by event_type")
		cmd.Flags().StringVar(&queryRequester, "requester", "", "requester identity recorded in the audit ledger")
	}
	monitorCmd.AddCommand(monitorQueryEventsCmd, monitorQueryMetricsCmd)
}

func queryRequesterOrDefault() string {
	if queryRequester != "" {
		return queryRequester
	}
	return "cli"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
