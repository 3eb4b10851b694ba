package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreylabs/drey/internal/printer"
	"github.com/dreylabs/drey/internal/resolver"
	"github.com/dreylabs/drey/internal/timespec"
	"github.com/dreylabs/drey/pkg/entrystore"
)

var (
	entriesAnalysisID   string
	entriesOutputFormat string
	entriesSince        string
	entriesUntil        string
)

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Inspect analysis entries in Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var entriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries for an analysis",
	Long: `List all entries of one analysis, newest modification first.

Output Formats:
  default - Human-readable table with ID, version, and last modification
  jsonl   - Line-delimited JSON, one entry per line

Examples:
  # List entries for an analysis
  drey entries list --analysis hazop-2026-03

  # Export as JSONL for piping to jq
  drey entries list --analysis hazop-2026-03 --output=jsonl | jq .version

  # Only entries modified in the last 2 hours
  drey entries list --analysis hazop-2026-03 --since 2h`,
	RunE: runEntriesList,
}

var entriesShowCmd = &cobra.Command{
	Use:   "show ENTRY_ID",
	Short: "Show one entry with its full field payload",
	Long: `Show one entry with its full field payload.

ENTRY_ID may be a full UUID or a unique prefix of at least 6 characters.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runEntriesShow,
}

func init() {
	entriesListCmd.Flags().StringVarP(&entriesAnalysisID, "analysis", "a", "", "Analysis ID (required)")
	entriesListCmd.MarkFlagRequired("analysis")
	entriesListCmd.Flags().StringVarP(&entriesOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	entriesListCmd.Flags().StringVar(&entriesSince, "since", "", "Only entries modified after this time (duration like '1h30m' or RFC3339)")
	entriesListCmd.Flags().StringVar(&entriesUntil, "until", "", "Only entries modified before this time (duration like '1h30m' or RFC3339)")

	entriesCmd.AddCommand(entriesListCmd)
	entriesCmd.AddCommand(entriesShowCmd)
	rootCmd.AddCommand(entriesCmd)
}

func runEntriesList(cmd *cobra.Command, args []string) error {
	if entriesOutputFormat != "default" && entriesOutputFormat != "jsonl" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", entriesOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	sinceMS, untilMS, err := timespec.ParseRange(entriesSince, entriesUntil)
	if err != nil {
		return printer.Error(
			"invalid time range",
			err.Error(),
			[]string{"Use a duration like '1h30m' or an RFC3339 timestamp"},
		)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		return printer.Error(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s: %v", resolveRedisURL(), err),
			[]string{"Check that Redis is running and --redis points at it"},
		)
	}

	all, err := store.ListEntries(ctx, entriesAnalysisID)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	entries := make([]*entrystore.Entry, 0, len(all))
	for _, e := range all {
		if timespec.InRange(e.LastModifiedAtMs, sinceMS, untilMS) {
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastModifiedAtMs > entries[j].LastModifiedAtMs
	})

	if entriesOutputFormat == "jsonl" {
		for _, e := range entries {
			line, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal entry %s: %w", e.ID, err)
			}
			printer.Println(string(line))
		}
		return nil
	}

	if len(entries) == 0 {
		printer.Info("No entries found for analysis '%s'\n", entriesAnalysisID)
		return nil
	}

	printer.Printf("%-36s  %-8s  %-20s  %s\n", "ID", "VERSION", "LAST MODIFIED BY", "MODIFIED AT")
	for _, e := range entries {
		printer.Printf("%-36s  %-8d  %-20s  %s\n",
			e.ID, e.Version, e.LastModifiedBy,
			time.UnixMilli(e.LastModifiedAtMs).UTC().Format(time.RFC3339))
	}
	printer.Info("\n%d entries\n", len(entries))

	return nil
}

func runEntriesShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	entryID, err := resolver.ResolveEntryID(ctx, store, args[0])
	if err != nil {
		var ambig *resolver.AmbiguousError
		if errors.As(err, &ambig) {
			return printer.Error(
				"ambiguous entry ID",
				resolver.FormatAmbiguousError(ambig),
				nil,
			)
		}
		if resolver.IsNotFoundError(err) {
			return printer.Error(
				fmt.Sprintf("entry '%s' not found", args[0]),
				"No entry in this instance matches that ID or prefix.",
				[]string{
					"List entries:\n  drey entries list --analysis <id>",
					fmt.Sprintf("Check the instance name (current: %s)", resolveInstance()),
				},
			)
		}
		return err
	}

	entry, err := store.GetEntry(ctx, entryID)
	if err != nil {
		if entrystore.IsNotFound(err) {
			return printer.Error(
				fmt.Sprintf("entry '%s' not found", entryID),
				"The specified entry does not exist in this instance.",
				[]string{
					"List entries:\n  drey entries list --analysis <id>",
					fmt.Sprintf("Check the instance name (current: %s)", resolveInstance()),
				},
			)
		}
		return fmt.Errorf("failed to get entry: %w", err)
	}

	printer.Field("ID", entry.ID)
	printer.Field("Analysis", entry.AnalysisID)
	printer.Field("Version", entry.Version)
	printer.Field("Created by", entry.CreatedBy)
	printer.Field("Created at", time.UnixMilli(entry.CreatedAtMs).UTC().Format(time.RFC3339))
	printer.Field("Modified by", entry.LastModifiedBy)
	printer.Field("Modified at", time.UnixMilli(entry.LastModifiedAtMs).UTC().Format(time.RFC3339))

	fields, err := json.MarshalIndent(entry.Fields, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}
	printer.Println("  Fields:")
	printer.Println(string(fields))

	return nil
}
