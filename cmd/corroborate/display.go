package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/skywatch/corroborate/internal/ai"
	"github.com/skywatch/corroborate/internal/deduplication"
	"github.com/skywatch/corroborate/internal/events"
	"github.com/skywatch/corroborate/internal/types"
)

var (
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

// printRunSummary writes the run statistics in human-readable form.
func printRunSummary(w io.Writer, r *deduplication.RunResult, showPairs bool) {
	s := r.Stats
	fmt.Fprintf(w, "\n%s\n", cyan(fmt.Sprintf("=== Run %s ===", r.RunID)))
	fmt.Fprintf(w, "  Candidates: %d (valid %d, invalid %d, already ingested %d)\n",
		s.TotalCandidates, s.ValidCandidates, s.InvalidCandidates, s.AlreadyIngested)
	fmt.Fprintf(w, "  Incidents:  %d (merge rate %.1f%%)\n", s.IncidentsOut, s.MergeRatePercent)

	fmt.Fprintf(w, "\n%s\n", yellow("Tiers:"))
	fmt.Fprintf(w, "  Fingerprint: %d unique, %d merged\n", s.UniqueFingerprints, s.Tier1Merges)
	fmt.Fprintf(w, "  Embedding:   %d pairs, %d merged, %d borderline, %d distinct, %d degraded\n",
		s.PairsEvaluated, s.Tier2AutoMerges, s.Tier2Borderline, s.Tier2Distinct, s.Tier2Degraded)
	fmt.Fprintf(w, "  Adjudicator: %d escalated, %d confirmed, %d unique, %d rejected, %d unavailable\n",
		s.Tier3Escalations, s.Tier3Confirmed, s.Tier3Unique, s.Tier3Rejected, s.Tier3Unavailable)
	if s.MergeConflicts > 0 || s.MergeFailures > 0 {
		fmt.Fprintf(w, "  Merges:      %d conflicts retried, %d exhausted, %d failed\n",
			s.MergeConflicts, s.MergeConflictsExhausted, s.MergeFailures)
	}

	if len(r.Skipped) > 0 {
		fmt.Fprintf(w, "\n%s\n", yellow("Skipped:"))
		for _, sk := range r.Skipped {
			fmt.Fprintf(w, "  #%d %s %s\n", sk.Index, sk.ID, gray(sk.Reason))
		}
	}

	if showPairs && len(r.Pairs) > 0 {
		fmt.Fprintf(w, "\n%s\n", yellow("Pairs:"))
		for _, p := range r.Pairs {
			fmt.Fprintf(w, "  %s %s  %.2fkm %.1fh score=%.3f", stateLabel(p.State), p.Key, p.DistanceKm, p.TimeDeltaHours, p.Score)
			if p.Verdict != "" {
				fmt.Fprintf(w, " verdict=%s(%.2f)", p.Verdict, p.Confidence)
			}
			if p.Note != "" {
				fmt.Fprintf(w, " %s", gray(p.Note))
			}
			fmt.Fprintln(w)
		}
	}

	fmt.Fprintln(w)
	if s.Degraded {
		fmt.Fprintf(w, "%s every provider call failed; only exact fingerprints could merge\n", red("DEGRADED"))
	} else {
		fmt.Fprintf(w, "%s in %dms\n", green("✓ Completed"), s.ProcessingTimeMs)
	}
}

func stateLabel(s ai.PairState) string {
	switch s {
	case ai.PairMerged:
		return green("MERGED  ")
	case ai.PairDistinct:
		return gray("DISTINCT")
	default:
		return yellow("PENDING ")
	}
}

func scoreLabel(e types.EvidenceScore) string {
	switch e {
	case types.EvidenceOfficial:
		return green(e.String())
	case types.EvidenceVerified:
		return cyan(e.String())
	case types.EvidenceReported:
		return yellow(e.String())
	default:
		return gray(e.String())
	}
}

func severityColor(sev events.EventSeverity) *color.Color {
	switch sev {
	case events.SeverityInfo:
		return color.New(color.FgCyan)
	case events.SeverityWarning:
		return color.New(color.FgYellow)
	case events.SeverityError:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}
