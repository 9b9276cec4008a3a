package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skywatch/corroborate/internal/events"
	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/types"
)

var (
	incSince   time.Duration
	incAll     bool
	incCountry string
	incLimit   int
	incJSON    bool
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List incidents in the ledger",
	Long: `List incidents stored in the sqlite ledger, oldest first.

Examples:
  corroborate incidents --db .corroborate/ledger.db
  corroborate incidents --since 24h --country DK
  corroborate incidents --all --json`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store, err := openStore(ctx, cfg.Storage)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		filter := storage.Filter{
			IncludeAbsorbed: incAll,
			Country:         strings.ToUpper(incCountry),
			Limit:           incLimit,
		}
		if incSince > 0 {
			filter.Since = time.Now().UTC().Add(-incSince)
		}
		if err := listIncidents(ctx, os.Stdout, store, filter, incJSON); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func listIncidents(ctx context.Context, w io.Writer, store storage.Store, filter storage.Filter, asJSON bool) error {
	incidents, err := store.ListIncidents(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list incidents: %w", err)
	}
	if asJSON {
		return writeJSON(w, incidents)
	}
	if len(incidents) == 0 {
		fmt.Fprintf(w, "%s\n", gray("No incidents"))
		return nil
	}
	for _, inc := range incidents {
		printIncident(w, inc)
	}
	fmt.Fprintf(w, "%d incident(s)\n", len(incidents))
	return nil
}

func printIncident(w io.Writer, inc *types.Incident) {
	title := inc.Title
	if title == "" {
		title = truncate(inc.Narrative, 60)
	}
	fmt.Fprintf(w, "%s %s %s\n", cyan(inc.ID), scoreLabel(inc.EvidenceScore), title)
	if inc.IsAbsorbed() {
		fmt.Fprintf(w, "  %s %s\n", gray("absorbed into"), inc.AbsorbedInto)
	}
	fmt.Fprintf(w, "  %s  %s %.4f,%.4f  %s\n",
		inc.OccurredAt.Format("2006-01-02 15:04"), inc.Country,
		inc.Location.Lat, inc.Location.Lon, inc.AssetType)
	fmt.Fprintf(w, "  %d source(s), merged from %d, version %d\n",
		len(inc.Sources), inc.MergedFromCount, inc.Version)
	for _, s := range inc.Sources {
		fmt.Fprintf(w, "    %s %s\n", gray(string(s.Kind)), s.URL)
	}
	fmt.Fprintln(w)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

var (
	evRun      string
	evIncident string
	evLimit    int
	evJournal  string
	evType     string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show merge events or the run journal",
	Long: `Show the merge audit trail from the ledger, or with --journal the JSONL
run journal written by previous runs.

Examples:
  corroborate events --db .corroborate/ledger.db --incident <id>
  corroborate events --journal .corroborate/journal.jsonl --type verdict_rejected`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if evJournal != "" {
			f, err := os.Open(evJournal)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to open journal: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			filter := events.EventFilter{RunID: evRun, Type: events.EventType(evType), Limit: evLimit}
			if err := showJournal(os.Stdout, f, filter); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		store, err := openStore(ctx, cfg.Storage)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		filter := storage.EventFilter{RunID: evRun, IncidentID: evIncident, Limit: evLimit}
		if err := showMergeEvents(ctx, os.Stdout, store, filter); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func showMergeEvents(ctx context.Context, w io.Writer, store storage.Store, filter storage.EventFilter) error {
	evs, err := store.ListMergeEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list merge events: %w", err)
	}
	if len(evs) == 0 {
		fmt.Fprintf(w, "%s\n", gray("No merge events"))
		return nil
	}
	for _, ev := range evs {
		fmt.Fprintf(w, "%s %s %s <- %s (%.2f)\n",
			gray(ev.CreatedAt.Format("2006-01-02 15:04:05")),
			yellow(string(ev.Tier)), cyan(ev.PrimaryID),
			strings.Join(ev.AbsorbedIDs, ", "), ev.Confidence)
		if ev.ReasoningExcerpt != "" {
			fmt.Fprintf(w, "    %s\n", gray(ev.ReasoningExcerpt))
		}
	}
	return nil
}

func showJournal(w io.Writer, r io.Reader, filter events.EventFilter) error {
	evs, err := events.ReadJSONL(r, filter)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if len(evs) == 0 {
		fmt.Fprintf(w, "%s\n", gray("No events"))
		return nil
	}
	for _, e := range evs {
		c := severityColor(e.Severity)
		fmt.Fprintf(w, "%s %s %s %s\n",
			gray(e.Timestamp.Format("15:04:05")),
			c.Sprintf("[%s]", e.Type), gray(e.RunID), e.Message)
		if detail := eventDetail(e); detail != "" {
			fmt.Fprintf(w, "    %s\n", detail)
		}
	}
	return nil
}

// eventDetail renders the typed payload of e. Unknown or unreadable payloads
// render as nothing.
func eventDetail(e *events.Event) string {
	switch e.Type {
	case events.EventTypeRunStarted:
		if d, err := e.GetRunStartedData(); err == nil {
			return fmt.Sprintf("candidates=%d existing=%d", d.CandidateCount, d.ExistingCount)
		}
	case events.EventTypeRunCompleted:
		if d, err := e.GetRunCompletedData(); err == nil {
			return fmt.Sprintf("incidents=%d merges=%d rate=%.1f%% rejected=%d degraded=%v in %dms",
				d.IncidentsOut, d.MergesApplied, d.MergeRatePercent, d.Tier3Rejected, d.Degraded, d.ProcessingTimeMs)
		}
	case events.EventTypeMergeCommitted:
		if d, err := e.GetMergeCommittedData(); err == nil {
			return fmt.Sprintf("%s %s <- %s (%.2f)",
				d.Tier, d.PrimaryID, strings.Join(d.AbsorbedIDs, ", "), d.Confidence)
		}
	case events.EventTypeVerdictRejected:
		if d, err := e.GetVerdictRejectedData(); err == nil {
			return fmt.Sprintf("%s %s: %s", d.Rule, d.PairKey, d.Reason)
		}
	case events.EventTypeProviderDegraded:
		if d, err := e.GetProviderDegradedData(); err == nil {
			return fmt.Sprintf("%s %s: %s", d.Tier, d.PairKey, d.Error)
		}
	case events.EventTypeMergeConflict:
		if id, ok := e.Data["stranded_incident"].(string); ok && id != "" {
			return "stranded incident " + id
		}
	}
	return ""
}

var rejectedCmd = &cobra.Command{
	Use:   "rejected",
	Short: "List adjudicator replies discarded by the validator",
	Long: `List rejected verdicts stored in the ledger, with the rule that rejected
each one and the raw reply for inspection.

Examples:
  corroborate rejected --db .corroborate/ledger.db
  corroborate rejected --run <run-id>`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store, err := openStore(ctx, cfg.Storage)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		if err := showRejected(ctx, os.Stdout, store, evRun); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func showRejected(ctx context.Context, w io.Writer, store storage.Store, runID string) error {
	rvs, err := store.ListRejectedVerdicts(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list rejected verdicts: %w", err)
	}
	if len(rvs) == 0 {
		fmt.Fprintf(w, "%s\n", gray("No rejected verdicts"))
		return nil
	}
	for _, rv := range rvs {
		fmt.Fprintf(w, "%s %s %s\n", red(rv.Rule), rv.PairKey, gray(rv.RunID))
		fmt.Fprintf(w, "    %s\n", rv.Reason)
		fmt.Fprintf(w, "    %s\n", gray(truncate(rv.Payload, 200)))
	}
	return nil
}

func init() {
	incidentsCmd.Flags().DurationVar(&incSince, "since", 0, "Only incidents seen within this duration (e.g. 72h)")
	incidentsCmd.Flags().BoolVar(&incAll, "all", false, "Include absorbed incidents")
	incidentsCmd.Flags().StringVar(&incCountry, "country", "", "Filter by ISO country code")
	incidentsCmd.Flags().IntVarP(&incLimit, "limit", "n", 0, "Maximum incidents to show (0 for all)")
	incidentsCmd.Flags().BoolVar(&incJSON, "json", false, "Output as JSON")

	eventsCmd.Flags().StringVar(&evRun, "run", "", "Filter by run ID")
	eventsCmd.Flags().StringVar(&evIncident, "incident", "", "Filter by primary or absorbed incident ID")
	eventsCmd.Flags().IntVarP(&evLimit, "limit", "n", 0, "Maximum events to show (0 for all)")
	eventsCmd.Flags().StringVar(&evJournal, "journal", "", "Read this JSONL journal instead of the ledger")
	eventsCmd.Flags().StringVar(&evType, "type", "", "Journal event type (run_started, merge_committed, ...)")

	rejectedCmd.Flags().StringVar(&evRun, "run", "", "Filter by run ID")

	rootCmd.AddCommand(incidentsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(rejectedCmd)
}
