// In-memory Model implementation. Produces deterministic logits from a
// seeded hash of (sequence, position) and models the paged-context
// allocator by page counting only; there is no real tensor math here
// beyond shaping, mirroring how the rest of this repo models systems
// behavior rather than GPU execution.

package serve

import (
	"fmt"
	"math/rand"

	tensorlib "gorgonia.org/tensor"
)

const simEmbedDim = 16

// SimModelConfig groups the parameters of one simulated model.
type SimModelConfig struct {
	VocabSize  int   // logit width (must be > 0)
	TotalPages int   // paged-context capacity (must be > 0)
	PageSize   int   // tokens per page (must be > 0)
	Seed       int64 // logit derivation seed
}

// SimModel is a deterministic stand-in for a real target or draft model.
// Same config, same sequences, same calls => same logits.
type SimModel struct {
	cfg         SimModelConfig
	seqTokens   map[int64]int // sequence id -> tokens held in context
	cachedPages int           // pages retained by the prefix cache, returned via ReleaseCachedPages
}

// NewSimModel validates the config and returns an empty model.
func NewSimModel(cfg SimModelConfig) *SimModel {
	if cfg.VocabSize <= 0 {
		panic(fmt.Sprintf("SimModel: VocabSize must be > 0, got %d", cfg.VocabSize))
	}
	if cfg.TotalPages <= 0 {
		panic(fmt.Sprintf("SimModel: TotalPages must be > 0, got %d", cfg.TotalPages))
	}
	if cfg.PageSize <= 0 {
		panic(fmt.Sprintf("SimModel: PageSize must be > 0, got %d", cfg.PageSize))
	}
	return &SimModel{
		cfg:       cfg,
		seqTokens: make(map[int64]int),
	}
}

func (m *SimModel) VocabSize() int {
	return m.cfg.VocabSize
}

// EmbedTokens returns a [len(tokens), simEmbedDim] embedding table view.
// Values are a fixed function of the token id so logits downstream stay
// reproducible.
func (m *SimModel) EmbedTokens(tokens []int) *tensorlib.Dense {
	data := make([]float32, len(tokens)*simEmbedDim)
	for i, tok := range tokens {
		for d := 0; d < simEmbedDim; d++ {
			data[i*simEmbedDim+d] = float32((tok*(d+7)+d)%101) / 101.0
		}
	}
	return tensorlib.New(tensorlib.WithShape(len(tokens), simEmbedDim), tensorlib.WithBacking(data))
}

// Decode advances each sequence by one token and returns logits shaped
// [batch, 1, vocab].
func (m *SimModel) Decode(embeddings *tensorlib.Dense, seqIDs []int64) *tensorlib.Dense {
	batch := len(seqIDs)
	if rows := embeddings.Shape()[0]; rows != batch {
		panic(fmt.Sprintf("SimModel.Decode: %d embedding rows for %d sequences", rows, batch))
	}
	embedData := embeddings.Data().([]float32)
	data := make([]float32, batch*m.cfg.VocabSize)
	for i, id := range seqIDs {
		m.mustHaveSequence(id)
		m.seqTokens[id]++
		m.fillLogits(data[i*m.cfg.VocabSize:(i+1)*m.cfg.VocabSize], id, m.seqTokens[id],
			embedData[i*simEmbedDim:(i+1)*simEmbedDim])
	}
	return tensorlib.New(tensorlib.WithShape(batch, 1, m.cfg.VocabSize), tensorlib.WithBacking(data))
}

// Prefill feeds lengths[i] tokens into sequence seqIDs[i] and returns
// the final-position logits flattened to [1, batch, vocab].
func (m *SimModel) Prefill(embeddings *tensorlib.Dense, seqIDs []int64, lengths []int) *tensorlib.Dense {
	batch := len(seqIDs)
	if len(lengths) != batch {
		panic(fmt.Sprintf("SimModel.Prefill: %d lengths for %d sequences", len(lengths), batch))
	}
	total := 0
	for _, l := range lengths {
		total += l
	}
	if rows := embeddings.Shape()[0]; rows != total {
		panic(fmt.Sprintf("SimModel.Prefill: %d embedding rows for %d queued tokens", rows, total))
	}
	embedData := embeddings.Data().([]float32)
	data := make([]float32, batch*m.cfg.VocabSize)
	offset := 0
	for i, id := range seqIDs {
		m.mustHaveSequence(id)
		m.seqTokens[id] += lengths[i]
		// Final position of this sequence within the flattened batch.
		last := offset + lengths[i] - 1
		m.fillLogits(data[i*m.cfg.VocabSize:(i+1)*m.cfg.VocabSize], id, m.seqTokens[id],
			embedData[last*simEmbedDim:(last+1)*simEmbedDim])
		offset += lengths[i]
	}
	return tensorlib.New(tensorlib.WithShape(1, batch, m.cfg.VocabSize), tensorlib.WithBacking(data))
}

// AvailablePages reports free pages after context usage and any pages
// retained by the prefix cache.
func (m *SimModel) AvailablePages() int {
	used := 0
	for _, tokens := range m.seqTokens {
		used += m.pagesFor(tokens)
	}
	return m.cfg.TotalPages - used - m.cachedPages
}

// ScatterProbs copies each probability row into its slot's storage row.
func (m *SimModel) ScatterProbs(probs *tensorlib.Dense, slots []int, storage *ProbStorage) {
	storage.Scatter(probs, slots)
}

func (m *SimModel) AddSequence(id int64, tokens []int) {
	if _, ok := m.seqTokens[id]; ok {
		panic(fmt.Sprintf("SimModel: sequence %d already present", id))
	}
	m.seqTokens[id] = len(tokens)
}

func (m *SimModel) RemoveSequence(id int64) {
	delete(m.seqTokens, id)
}

// RetainCachedPages marks pages as held by the prefix cache on behalf of
// shared prefixes.
func (m *SimModel) RetainCachedPages(n int) {
	m.cachedPages += n
}

// ReleaseCachedPages returns prefix-cache pages to the free pool. Wired
// as the prefix cache's release hook.
func (m *SimModel) ReleaseCachedPages(n int) {
	if n > m.cachedPages {
		n = m.cachedPages
	}
	m.cachedPages -= n
}

func (m *SimModel) pagesFor(tokens int) int {
	return (tokens + m.cfg.PageSize - 1) / m.cfg.PageSize
}

func (m *SimModel) mustHaveSequence(id int64) {
	if _, ok := m.seqTokens[id]; !ok {
		panic(fmt.Sprintf("SimModel: unknown sequence %d", id))
	}
}

// fillLogits derives a reproducible logit row from the sequence, its
// context length, and the last input embedding.
func (m *SimModel) fillLogits(dst []float32, seqID int64, contextLen int, embed []float32) {
	var embedSum float32
	for _, v := range embed {
		embedSum += v
	}
	src := rand.New(rand.NewSource(m.cfg.Seed ^ seqID*2654435761 ^ int64(contextLen)<<17 ^ int64(embedSum*1e4)))
	for j := range dst {
		dst[j] = src.Float32()*10 - 5
	}
}
