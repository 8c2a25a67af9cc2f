// Package serve implements the speculative-decoding scheduling core of a
// batched inference engine: the per-step control loop that proposes
// draft tokens for every running request with a small auxiliary model,
// ahead of bulk verification by the target model.
//
// # Reading Guide
//
// Start with these three files to understand the core:
//   - request.go: per-request and per-(request, model) state, the draft chain
//   - draft.go: the step itself, admission/preemption then draft rounds
//   - slots.go: the persistent slot pool that outlives the step for verification
//
// # Architecture
//
// The step runs to completion inside a single-threaded engine loop; no
// locks are taken. External collaborators are consumed through small
// interfaces:
//   - Model: embedding, decode, prefill, page probing, probability scatter
//   - LogitProcessor: in-place penalty application and logits -> probabilities
//   - Sampler: top-p renormalization and per-request-stream sampling
//   - PrefixCache: cooperative memory reclaim and deferred sequence extension
//
// SimModel, PenaltyProcessor, StreamSampler and BlockPrefixCache are the
// in-repo implementations of those contracts; serve/trace records
// model-invocation boundary events.
//
// Resource pressure is expected and handled by the preemption loop and
// never surfaced as an error. Invariant violations (draft model ahead of
// target, drift past round 0, snapshot over capacity, slot pool
// exhaustion) are scheduling bugs and panic.
package serve
