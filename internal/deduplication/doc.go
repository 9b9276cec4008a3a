// Package deduplication consolidates noisy drone-sighting reports into canonical incidents.
//
// # Overview
//
// Scrapers hand the engine a batch of candidates: one unverified report from one
// source each. Many describe the same event seen by different outlets, in
// different languages, with slightly different coordinates and times. The engine
// decides which candidates describe the same event, folds them into one Incident
// carrying every source, and recomputes the incident's evidence score.
//
// # Architecture
//
// A run passes candidates through three tiers of increasing cost:
//
//  1. Fingerprint (Tier 1): SHA-256 of the rounded location cell, the fixed
//     time bucket, country and asset type. Identical fingerprints merge at once,
//     with no external calls, before any other tier runs.
//  2. Embedding similarity (Tier 2): pairs produced by the proximity clusterer
//     are scored by cosine similarity. At or above DuplicateThreshold they merge;
//     between the thresholds they are borderline; below they stay distinct.
//  3. Adjudication (Tier 3): borderline pairs go to an LLM. Every reply passes the
//     anti-hallucination validator before it can cause a merge.
//
// Confirmed merges are committed concurrently through the merge aggregator,
// which resolves redirects and uses optimistic version checks on the store.
//
// # Failure Semantics
//
// Provider failures never abort a run:
//   - An embedding failure or timeout makes the pair distinct and degraded
//   - An adjudicator failure makes the pair distinct
//   - A rejected verdict makes the pair distinct, and the payload is stored
//
// If every provider call failed and Tier 1 merged nothing, the run is flagged
// Degraded. Storage errors and context cancellation do abort the run.
//
// # Configuration
//
// Every threshold lives in Config; see DefaultConfig() for the defaults:
//   - Fingerprint: 2 decimal places, 6 hour buckets anchored at the Unix epoch
//   - Proximity: 5 km radius, 24 hour window
//   - Embedding: duplicate >= 0.92, borderline >= 0.80
//   - Validator: confidence clamp 0.95, acceptance 0.75, fact override 0.5 km / 3 h
//   - LookbackWindow: 72 hours of stored incidents are matched
//
// # Usage
//
//	store := memory.New()
//	engine, err := deduplication.NewEngine(deduplication.DefaultConfig(), deduplication.Dependencies{
//	    Store:         store,
//	    Embedder:      embedder,
//	    EmbedExecutor: retry.NewExecutor("embedding", retry.DefaultPolicy(), logger),
//	    LLM:           llm,
//	    Logger:        logger,
//	})
//	if err != nil {
//	    return err
//	}
//	result, err := engine.Run(ctx, candidates)
//	if err != nil {
//	    return fmt.Errorf("run failed: %w", err)
//	}
//	for _, inc := range result.Incidents {
//	    fmt.Println(inc.ID, inc.EvidenceScore, len(inc.Sources))
//	}
//
// # Testing
//
// engine_test.go drives full runs against the in-memory store with a fake
// embedder and a fake LLM client.
package deduplication
