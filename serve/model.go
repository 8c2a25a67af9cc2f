package serve

import (
	tensorlib "gorgonia.org/tensor"
)

// Model is the abstract contract this component consumes from the model
// layer. The target model and draft models implement the same interface;
// the draft driver is written generically over all non-primary models.
//
// Device-side operations (embedding, decode, prefill, probability
// scatter) are issued synchronously from the caller's perspective; the
// returned tensors are logically ready when consumed.
type Model interface {
	// EmbedTokens looks up embeddings for a flat token batch.
	// Result shape: [len(tokens), embed-dim].
	EmbedTokens(tokens []int) *tensorlib.Dense

	// Decode advances every sequence by exactly one token.
	// embeddings must carry one row per sequence.
	// Result shape: [batch, 1, vocab].
	Decode(embeddings *tensorlib.Dense, seqIDs []int64) *tensorlib.Dense

	// Prefill feeds a variable number of tokens per sequence and returns
	// the final-position logits of each sequence flattened into one batch
	// dimension. Result shape: [1, batch, vocab].
	Prefill(embeddings *tensorlib.Dense, seqIDs []int64, lengths []int) *tensorlib.Dense

	// AvailablePages reports free device memory pages in this model's
	// paged context allocator. One page is the minimum unit needed to
	// advance one sequence by one decode step.
	AvailablePages() int

	// ScatterProbs writes each row of probs into the storage row
	// addressed by the corresponding slot id.
	ScatterProbs(probs *tensorlib.Dense, slots []int, storage *ProbStorage)

	// AddSequence registers a sequence with its committed prompt tokens.
	AddSequence(id int64, tokens []int)

	// RemoveSequence releases all pages held by a sequence. Used by
	// preemption.
	RemoveSequence(id int64)

	// VocabSize returns the vocabulary size of this model's logits.
	VocabSize() int
}
