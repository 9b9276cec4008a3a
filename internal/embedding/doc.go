// Package embedding implements the Tier 2 similarity check.
//
// Each comparison pair produced by the proximity clusterer is scored by the
// cosine similarity of the two incidents' text embeddings and placed into one
// of three bands:
//
//   - score >= DuplicateThreshold (0.92): duplicate, merged without an LLM call
//   - BorderlineThreshold (0.80) <= score < DuplicateThreshold: escalated to Tier 3
//   - score < BorderlineThreshold: distinct
//
// # Failure handling
//
// Provider errors and timeouts never abort a run. The affected pair is treated as
// distinct, marked Degraded, and a warning is logged. A duplicate is cheaper to
// leave unmerged than a false merge is to undo.
//
// # Caching
//
// ScoreAll embeds every distinct text exactly once per call, batching requests and
// bounding in-flight batches with errgroup.SetLimit.
package embedding
