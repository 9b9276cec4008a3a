package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skywatch/corroborate/internal/evidence"
	"github.com/skywatch/corroborate/internal/fingerprint"
	"github.com/skywatch/corroborate/internal/types"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint [candidates.json]",
	Short: "Print the Tier 1 fingerprint of each candidate",
	Long: `Print the fingerprint and time bucket of each candidate without
touching the ledger. Candidates sharing a fingerprint merge in Tier 1.

Examples:
  corroborate fingerprint scraped.json
  corroborate fingerprint < scraped.jsonl`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		candidates, err := readCandidatesFrom(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printFingerprints(os.Stdout, fingerprint.NewGenerator(cfg.Engine.Fingerprint), candidates)
	},
}

func printFingerprints(w io.Writer, gen *fingerprint.Generator, candidates []types.Candidate) {
	groups := make(map[fingerprint.Fingerprint]int)
	for i := range candidates {
		c := candidates[i]
		c.EnsureID()
		if err := c.Validate(); err != nil {
			fmt.Fprintf(w, "%s #%d %s\n", red("INVALID"), i, gray(err.Error()))
			continue
		}
		fp := gen.ForCandidate(&c)
		groups[fp]++
		start, end := gen.BucketWindow(c.OccurredAt)
		fmt.Fprintf(w, "%s  %s  [%s, %s)  %s\n",
			cyan(fp.Short()), c.ID,
			start.Format(time.RFC3339), end.Format(time.RFC3339),
			gray(c.Source.URL))
	}
	shared := 0
	for _, n := range groups {
		if n > 1 {
			shared++
		}
	}
	fmt.Fprintf(w, "\n%d fingerprints, %d shared by more than one candidate\n", len(groups), shared)
}

var scoreCmd = &cobra.Command{
	Use:   "score <sources.json>",
	Short: "Explain the evidence score of a source set",
	Long: `Score a JSON array of sources with the configured attribution policy
and print the rule that decided the score.

Examples:
  corroborate score sources.json
  corroborate score sources.json --config corroborate.yaml`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		policy, err := cfg.AttributionPolicy()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exp, err := explainSources(args[0], cfg.Engine.TrustTable, policy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s (%d)\n", scoreLabel(exp.Score), int(exp.Score))
		fmt.Printf("  Rule:   %s\n", exp.Rule)
		fmt.Printf("  Detail: %s\n", gray(exp.Detail))
	},
}

func explainSources(path string, trust types.TrustTable, policy evidence.AttributionPolicy) (evidence.Explanation, error) {
	in, err := openInput(path)
	if err != nil {
		return evidence.Explanation{}, err
	}
	defer in.Close()

	var sources []types.SourceRef
	if err := decodeJSON(in, &sources); err != nil {
		return evidence.Explanation{}, fmt.Errorf("failed to decode sources: %w", err)
	}
	if len(sources) == 0 {
		return evidence.Explanation{}, fmt.Errorf("no sources in %s", path)
	}
	for i := range sources {
		if sources[i].TrustWeight == 0 {
			sources[i].TrustWeight = trust.Weight(sources[i].Kind)
		}
		if err := sources[i].Validate(); err != nil {
			return evidence.Explanation{}, fmt.Errorf("source %d: %w", i, err)
		}
	}
	return evidence.Explain(sources, policy), nil
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(scoreCmd)
}
