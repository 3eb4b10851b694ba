package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreylabs/drey/internal/printer"
	"github.com/dreylabs/drey/pkg/entrystore"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch ANALYSIS_ID",
	Short: "Tail the realtime event stream of an analysis",
	Long: `Stream the analysis event channel as events occur: entry writes,
conflicts and their resolutions, and room presence changes.

Output Formats:
  default - Human-readable colored lines
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch an analysis
  drey watch hazop-2026-03

  # Export events as JSON
  drey watch hazop-2026-03 --output=json > events.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchOutputFormat != "default" && watchOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		return printer.Error(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s: %v", resolveRedisURL(), err),
			[]string{"Check that Redis is running and --redis points at it"},
		)
	}

	sub, err := store.SubscribeEvents(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	printer.Info("Watching analysis '%s' (Ctrl-C to stop)\n", args[0])

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if watchOutputFormat == "json" {
				line, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				printer.Println(string(line))
				continue
			}
			printer.Event(ev, eventDetail(ev))

		case err, ok := <-sub.Errors():
			if ok && err != nil {
				printer.Warning("stream error: %v\n", err)
			}

		case <-sigCh:
			return nil
		}
	}
}

// eventDetail pulls a short human-readable hint out of the event payload.
func eventDetail(ev *entrystore.Event) string {
	switch ev.Type {
	case entrystore.EventEntryCreated, entrystore.EventEntryUpdated, entrystore.EventEntryDeleted, entrystore.EventRiskUpdated:
		// Payload is the entry snapshot
		var payload struct {
			ID      string `json:"id"`
			Version int    `json:"version"`
		}
		if json.Unmarshal(ev.Payload, &payload) == nil && payload.ID != "" {
			return fmt.Sprintf("entry %s v%d", payload.ID, payload.Version)
		}

	case entrystore.EventConflict:
		var payload struct {
			EntryID         string `json:"entry_id"`
			ExpectedVersion int    `json:"expected_version"`
			CurrentVersion  int    `json:"current_version"`
		}
		if json.Unmarshal(ev.Payload, &payload) == nil && payload.EntryID != "" {
			return fmt.Sprintf("entry %s expected v%d, server at v%d",
				payload.EntryID, payload.ExpectedVersion, payload.CurrentVersion)
		}

	case entrystore.EventConflictResolved:
		var payload struct {
			EntryID    string `json:"entry_id"`
			Resolution string `json:"resolution"`
		}
		if json.Unmarshal(ev.Payload, &payload) == nil && payload.EntryID != "" {
			return fmt.Sprintf("entry %s via %s", payload.EntryID, payload.Resolution)
		}
	}
	return ""
}
