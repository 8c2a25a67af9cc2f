// Logit post-processing: in-place penalty application over committed and
// still-unverified draft tokens, and conversion of logits into
// probability distributions.

package serve

import (
	"fmt"
	"math"

	tensorlib "gorgonia.org/tensor"
)

// LogitProcessor is the penalty/constraint contract consumed by the
// draft driver. ApplyInPlace mutates the logits tensor in place.
//
// chainIndices carries one list of draft chain indices per request:
// value -1 means "condition on the committed-token history only";
// otherwise it is the index within the request's speculative chain being
// extended, and penalties must also cover the chain tokens on the path
// to that index.
type LogitProcessor interface {
	ApplyInPlace(logits *tensorlib.Dense, cfgs []GenerationConfig, mstates []*ModelState,
		requestIDs []string, mask [][]bool, chainIndices [][]int)
	ToProbabilities(logits *tensorlib.Dense, cfgs []GenerationConfig, requestIDs []string) *tensorlib.Dense
}

// PenaltyProcessor implements repetition, presence and frequency
// penalties plus an optional per-request vocabulary mask.
type PenaltyProcessor struct{}

// NewPenaltyProcessor returns the default logit processor.
func NewPenaltyProcessor() *PenaltyProcessor {
	return &PenaltyProcessor{}
}

// ApplyInPlace mutates each request's logit row according to its
// generation config and token history.
func (pp *PenaltyProcessor) ApplyInPlace(logits *tensorlib.Dense, cfgs []GenerationConfig,
	mstates []*ModelState, requestIDs []string, mask [][]bool, chainIndices [][]int) {
	batch, vocab := rowShape(logits)
	if len(cfgs) != batch || len(mstates) != batch || len(requestIDs) != batch {
		panic(fmt.Sprintf("PenaltyProcessor: %d logit rows, %d cfgs, %d states, %d ids",
			batch, len(cfgs), len(mstates), len(requestIDs)))
	}
	data := logits.Data().([]float32)
	for i := 0; i < batch; i++ {
		row := data[i*vocab : (i+1)*vocab]
		var chain []int
		if chainIndices != nil {
			chain = chainIndices[i]
		}
		counts := tokenCounts(mstates[i], chain)
		applyPenalties(row, counts, cfgs[i])
		if mask != nil && mask[i] != nil {
			applyMask(row, mask[i])
		}
	}
}

// ToProbabilities converts (temperature-scaled) logits into one
// probability distribution per request. The input logits are not
// modified.
func (pp *PenaltyProcessor) ToProbabilities(logits *tensorlib.Dense, cfgs []GenerationConfig,
	requestIDs []string) *tensorlib.Dense {
	batch, vocab := rowShape(logits)
	if len(cfgs) != batch {
		panic(fmt.Sprintf("PenaltyProcessor: %d logit rows, %d cfgs", batch, len(cfgs)))
	}
	src := data32(logits)
	out := make([]float32, batch*vocab)
	scratch := make([]float32, vocab)
	for i := 0; i < batch; i++ {
		copy(scratch, src[i*vocab:(i+1)*vocab])
		if temp := cfgs[i].Temperature; temp > 0 && temp != 1 {
			for j := range scratch {
				scratch[j] /= temp
			}
		}
		softmax(scratch, out[i*vocab:(i+1)*vocab])
	}
	return tensorlib.New(tensorlib.WithShape(batch, vocab), tensorlib.WithBacking(out))
}

// tokenCounts aggregates occurrence counts over the committed history
// and, when a chain index is given, the draft tokens on the path from
// the committed anchor to that index.
func tokenCounts(ms *ModelState, chainIndices []int) map[int]int {
	counts := make(map[int]int, len(ms.CommittedTokens))
	for _, tok := range ms.CommittedTokens {
		counts[tok]++
	}
	for _, idx := range chainIndices {
		for idx >= 0 {
			dt := ms.DraftOutputTokens[idx]
			counts[dt.Token]++
			idx = dt.ParentIdx
		}
	}
	return counts
}

func applyPenalties(row []float32, counts map[int]int, cfg GenerationConfig) {
	if len(counts) == 0 {
		return
	}
	for tok, c := range counts {
		if tok < 0 || tok >= len(row) {
			continue
		}
		if cfg.RepetitionPenalty != 0 && cfg.RepetitionPenalty != 1 {
			if row[tok] > 0 {
				row[tok] /= cfg.RepetitionPenalty
			} else {
				row[tok] *= cfg.RepetitionPenalty
			}
		}
		if cfg.PresencePenalty != 0 {
			row[tok] -= cfg.PresencePenalty
		}
		if cfg.FrequencyPenalty != 0 {
			row[tok] -= cfg.FrequencyPenalty * float32(c)
		}
	}
}

func applyMask(row []float32, mask []bool) {
	for tok, allowed := range mask {
		if !allowed && tok < len(row) {
			row[tok] = float32(math.Inf(-1))
		}
	}
}

// softmax writes the normalized distribution of src into dst.
// Max-subtraction keeps the exponentials finite.
func softmax(src, dst []float32) {
	maxv := src[0]
	for _, v := range src {
		if v > maxv {
			maxv = v
		}
	}
	var sum float32
	for i, v := range src {
		e := float32(math.Exp(float64(v - maxv)))
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// rowShape asserts a 2-D tensor and returns (rows, cols).
func rowShape(t *tensorlib.Dense) (int, int) {
	shape := t.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("expected 2-D logits, got shape %v", shape))
	}
	return shape[0], shape[1]
}

func data32(t *tensorlib.Dense) []float32 {
	return t.Data().([]float32)
}
