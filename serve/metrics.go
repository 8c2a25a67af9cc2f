// Tracks engine-wide speculative-decoding metrics: cumulative decode
// time, per-batch-size draft round timings, and preemption counts.

package serve

import "fmt"

// Metrics aggregates statistics about draft scheduling for final
// reporting. Useful for evaluating draft-model throughput and debugging
// memory-pressure behavior over time.
type Metrics struct {
	DecodeTimeSum float64 // wall-clock seconds spent inside draft steps

	DraftRounds            int             // total draft rounds executed
	DraftTokens            int             // total draft tokens proposed
	DraftTimeByBatchSize   map[int]float64 // batch size -> summed round seconds
	DraftRoundsByBatchSize map[int]int     // batch size -> round count

	PreemptionCount    int // entries evicted under memory pressure
	PrefixReclaimCount int // successful cooperative reclaims
	StepActivations    int // steps that actually ran (two models + running entries)
}

// NewMetrics returns zeroed metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DraftTimeByBatchSize:   make(map[int]float64),
		DraftRoundsByBatchSize: make(map[int]int),
	}
}

// RecordDraftRound accounts one draft round over batchSize requests.
func (m *Metrics) RecordDraftRound(batchSize int, seconds float64) {
	m.DraftRounds++
	m.DraftTokens += batchSize
	m.DraftTimeByBatchSize[batchSize] += seconds
	m.DraftRoundsByBatchSize[batchSize]++
}

// AccumulateStepTime adds one step's wall-clock time to the engine-wide
// decode-time counter.
func (m *Metrics) AccumulateStepTime(seconds float64) {
	m.DecodeTimeSum += seconds
}

// Print displays aggregated metrics at the end of a run.
func (m *Metrics) Print() {
	fmt.Println("=== Draft Scheduling Metrics ===")
	fmt.Printf("Step Activations     : %d\n", m.StepActivations)
	fmt.Printf("Draft Rounds         : %d\n", m.DraftRounds)
	fmt.Printf("Draft Tokens         : %d\n", m.DraftTokens)
	fmt.Printf("Preemptions          : %d\n", m.PreemptionCount)
	fmt.Printf("Prefix Reclaims      : %d\n", m.PrefixReclaimCount)
	fmt.Printf("Decode Time Sum      : %.6f s\n", m.DecodeTimeSum)
	if m.DraftRounds > 0 {
		fmt.Printf("Avg Round Time       : %.6f s\n", m.DecodeTimeSum/float64(m.DraftRounds))
	}
	for batch, secs := range m.DraftTimeByBatchSize {
		fmt.Printf("  batch=%d: %d rounds, %.6f s\n", batch, m.DraftRoundsByBatchSize[batch], secs)
	}
}
