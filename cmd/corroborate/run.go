package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skywatch/corroborate/internal/ai"
	"github.com/skywatch/corroborate/internal/config"
	"github.com/skywatch/corroborate/internal/deduplication"
	"github.com/skywatch/corroborate/internal/embedding"
	"github.com/skywatch/corroborate/internal/events"
	"github.com/skywatch/corroborate/internal/retry"
)

var (
	runInput    string
	runOut      string
	runNoLLM    bool
	runNoEmbed  bool
	runShowPair bool
)

var runCmd = &cobra.Command{
	Use:   "run [candidates.json]",
	Short: "Deduplicate a batch of candidates into incidents",
	Long: `Run one deduplication pass over a batch of candidates.

Candidates are read as a JSON array or as one JSON object per line, from the
named file or from stdin. The consolidated incidents are written as JSON to
--out (default stdout) and a summary of the run is printed to stderr.

Tier 2 uses an OpenAI-compatible embedding endpoint when OPENAI_API_KEY or
CORROBORATE_EMBEDDING_BASE_URL is set. Tier 3 uses Anthropic when
ANTHROPIC_API_KEY is set. Without providers only fingerprint merges happen.

Examples:
  corroborate run scraped.json
  cat scraped.jsonl | corroborate run --db .corroborate/ledger.db
  corroborate run scraped.json --no-llm --out incidents.json`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			runInput = args[0]
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := io.Writer(os.Stdout)
		if runOut != "" && runOut != "-" {
			f, err := os.Create(runOut)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to create %s: %v\n", runOut, err)
				os.Exit(1)
			}
			defer f.Close()
			out = f
		}

		opts := runOptions{
			input:        runInput,
			disableLLM:   runNoLLM,
			disableEmbed: runNoEmbed,
			showPairs:    runShowPair,
		}
		result, err := executeRun(ctx, cfg, logger, opts, out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printRunSummary(os.Stderr, result, opts.showPairs)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Candidate file (default stdin)")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "Write incidents to this file instead of stdout")
	runCmd.Flags().BoolVar(&runNoLLM, "no-llm", false, "Disable Tier 3 adjudication")
	runCmd.Flags().BoolVar(&runNoEmbed, "no-embed", false, "Disable the embedding provider")
	runCmd.Flags().BoolVar(&runShowPair, "pairs", false, "List every compared pair in the summary")
	rootCmd.AddCommand(runCmd)
}

type runOptions struct {
	input        string
	disableLLM   bool
	disableEmbed bool
	showPairs    bool
}

// providers holds the optional Tier 2 and Tier 3 backends.
type providers struct {
	embedder      embedding.Embedder
	embedExecutor *retry.Executor
	llm           ai.LLMClient
}

// buildProviders wires the providers that have credentials. A missing
// credential leaves the provider nil and the engine degrades that tier.
func buildProviders(c config.Config, opts runOptions, logger *slog.Logger) (providers, error) {
	var p providers
	p.embedExecutor = retry.NewExecutor("embedding", c.Embedding.Retry, logger)

	if !opts.disableEmbed && (c.Embedding.APIKey != "" || c.Embedding.BaseURL != "") {
		emb, err := embedding.NewOpenAIEmbedder(c.Embedding.OpenAIConfig)
		if err != nil {
			return p, fmt.Errorf("failed to create embedder: %w", err)
		}
		p.embedder = emb
	}

	if !opts.disableLLM && c.LLM.APIKey != "" {
		model := c.LLM.Model
		if model == "" {
			model = c.Engine.Adjudicator.Model
		}
		exec := retry.NewExecutor("llm", c.LLM.Retry, logger)
		client, err := ai.NewAnthropicClient(c.LLM.APIKey, model, exec, logger)
		if err != nil {
			return p, fmt.Errorf("failed to create llm client: %w", err)
		}
		p.llm = client
	}
	return p, nil
}

// openJournal opens the JSONL journal for appending. It returns nil when no
// path is configured.
func openJournal(path string) (*events.JSONLWriter, io.Closer, error) {
	if path == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return events.NewJSONLWriter(f), f, nil
}

// executeRun performs one run and writes the incidents to out.
func executeRun(ctx context.Context, c config.Config, logger *slog.Logger, opts runOptions, out io.Writer) (*deduplication.RunResult, error) {
	candidates, err := readCandidatesFrom(opts.input)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, c.Storage)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	policy, err := c.AttributionPolicy()
	if err != nil {
		return nil, err
	}

	prov, err := buildProviders(c, opts, logger)
	if err != nil {
		return nil, err
	}

	engineCfg := c.Engine
	if opts.disableLLM {
		engineCfg.Tier3Enabled = false
	}

	deps := deduplication.Dependencies{
		Store:         store,
		Embedder:      prov.embedder,
		EmbedExecutor: prov.embedExecutor,
		LLM:           prov.llm,
		Policy:        policy,
		Logger:        logger,
	}

	journal, closer, err := openJournal(c.JournalPath)
	if err != nil {
		return nil, err
	}
	if journal != nil {
		defer closer.Close()
		deps.Sink = journal
		deps.Journal = journal
	}

	engine, err := deduplication.NewEngine(engineCfg, deps)
	if err != nil {
		return nil, err
	}

	result, err := engine.Run(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if err := writeJSON(out, result.Incidents); err != nil {
		return nil, fmt.Errorf("failed to write incidents: %w", err)
	}
	return result, nil
}
