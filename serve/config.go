package serve

import "fmt"

// EngineConfig groups the engine-wide parameters consumed by the
// speculative-decoding step. Values are fixed at engine construction;
// pool sizing below is derived from them.
type EngineConfig struct {
	DraftLength    int   // draft proposal rounds per step (must be >= 1)
	MaxNumSequence int   // max concurrently running request entries (must be > 0)
	VocabSize      int   // vocabulary size shared by all models (must be > 0)
	SlotCapacity   int   // draft slot pool capacity; 0 = DraftLength * MaxNumSequence
	Seed           int64 // master seed for per-request sampling streams
}

// Validate panics on configuration values that would corrupt the
// speculative-decoding step. Violations are capacity-planning or wiring
// bugs, not runtime conditions.
func (c EngineConfig) Validate() {
	if c.DraftLength < 1 {
		panic(fmt.Sprintf("EngineConfig: DraftLength must be >= 1, got %d", c.DraftLength))
	}
	if c.MaxNumSequence <= 0 {
		panic(fmt.Sprintf("EngineConfig: MaxNumSequence must be > 0, got %d", c.MaxNumSequence))
	}
	if c.VocabSize <= 0 {
		panic(fmt.Sprintf("EngineConfig: VocabSize must be > 0, got %d", c.VocabSize))
	}
	if c.SlotCapacity < 0 {
		panic(fmt.Sprintf("EngineConfig: SlotCapacity must be >= 0, got %d", c.SlotCapacity))
	}
}

// EffectiveSlotCapacity returns the draft slot pool size: the configured
// override, or DraftLength * MaxNumSequence, which is exactly the number
// of slots one full step can reserve before verification releases them.
func (c EngineConfig) EffectiveSlotCapacity() int {
	if c.SlotCapacity > 0 {
		return c.SlotCapacity
	}
	return c.DraftLength * c.MaxNumSequence
}
