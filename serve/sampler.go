// Token sampler: top-p renormalization and stream-based sampling.
// Distributions come in as [batch, vocab] tensors produced by the logit
// processor; sampling always goes through each request's own persistent
// random stream.

package serve

import (
	"fmt"
	"math/rand"
	"sort"

	tensorlib "gorgonia.org/tensor"
)

// Sampler is the numeric sampling contract consumed by the draft driver.
// indices selects which distribution row each output position reads
// from, so a caller may sample several tokens from one row.
type Sampler interface {
	// RenormalizeTopP returns a copy of probs with each selected row
	// renormalized by its request's top-p threshold. The input tensor is
	// left untouched: the pre-renormalization distribution is what gets
	// persisted for verification.
	RenormalizeTopP(probs *tensorlib.Dense, indices []int, cfgs []GenerationConfig) *tensorlib.Dense

	// SampleWithStreams draws one token per index using the matching
	// request's random stream.
	SampleWithStreams(probs *tensorlib.Dense, indices []int, cfgs []GenerationConfig, rngs []*rand.Rand) []int
}

// StreamSampler implements nucleus (top-p) renormalization and
// inverse-CDF sampling.
type StreamSampler struct{}

// NewStreamSampler returns the default sampler.
func NewStreamSampler() *StreamSampler {
	return &StreamSampler{}
}

// RenormalizeTopP keeps, per row, the smallest set of highest-probability
// tokens whose mass reaches top-p, zeroes the rest, and renormalizes.
func (s *StreamSampler) RenormalizeTopP(probs *tensorlib.Dense, indices []int, cfgs []GenerationConfig) *tensorlib.Dense {
	_, vocab := rowShape(probs)
	if len(indices) != len(cfgs) {
		panic(fmt.Sprintf("StreamSampler: %d indices, %d cfgs", len(indices), len(cfgs)))
	}
	src := data32(probs)
	out := make([]float32, len(indices)*vocab)
	for i, rowIdx := range indices {
		row := out[i*vocab : (i+1)*vocab]
		copy(row, src[rowIdx*vocab:(rowIdx+1)*vocab])
		renormalizeTopP(row, cfgs[i].TopP)
	}
	return tensorlib.New(tensorlib.WithShape(len(indices), vocab), tensorlib.WithBacking(out))
}

// SampleWithStreams draws one token per selected row by inverse-CDF
// against each request's own stream.
func (s *StreamSampler) SampleWithStreams(probs *tensorlib.Dense, indices []int, cfgs []GenerationConfig, rngs []*rand.Rand) []int {
	rows, vocab := rowShape(probs)
	if len(indices) != len(rngs) || len(indices) != len(cfgs) {
		panic(fmt.Sprintf("StreamSampler: %d indices, %d cfgs, %d rngs", len(indices), len(cfgs), len(rngs)))
	}
	data := data32(probs)
	tokens := make([]int, len(indices))
	for i, rowIdx := range indices {
		if rowIdx < 0 || rowIdx >= rows {
			panic(fmt.Sprintf("StreamSampler: row index %d out of %d rows", rowIdx, rows))
		}
		row := data[rowIdx*vocab : (rowIdx+1)*vocab]
		tokens[i] = sampleFromProbs(row, rngs[i])
	}
	return tokens
}

func renormalizeTopP(row []float32, topP float32) {
	if topP <= 0 || topP >= 1 {
		return
	}
	idx := make([]int, len(row))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
	var cum float32
	cutoff := len(row)
	for i, id := range idx {
		cum += row[id]
		if cum >= topP {
			cutoff = i + 1
			break
		}
	}
	var sum float32
	for i, id := range idx {
		if i >= cutoff {
			row[id] = 0
		} else {
			sum += row[id]
		}
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range row {
			row[i] *= inv
		}
	}
}

func sampleFromProbs(row []float32, rng *rand.Rand) int {
	r := rng.Float32()
	var cum float32
	for tok, p := range row {
		cum += p
		if r < cum {
			return tok
		}
	}
	return len(row) - 1
}
