package serve

import (
	"github.com/sirupsen/logrus"
)

// EvictLowestPriority preempts the entry at the tail of the running
// queue: rolls back its unverified draft chains (returning their slots
// to the pool), releases its sequences across all models, and parks it
// at the head of the wait queue for re-admission by a later engine step.
//
// Preemption is irrevocable within the step it occurs in. Panics when
// the running queue is empty: callers preempt only while a non-empty
// snapshot is undecodable, so an empty queue here is a scheduler bug.
func EvictLowestPriority(state *EngineState, models []Model, pool *DraftSlotPool) *RequestStateEntry {
	tail := state.RemoveRunningTail()
	if tail == nil {
		panic("EvictLowestPriority: running queue is empty")
	}
	if len(tail.ModelStates) != len(models) {
		panic("EvictLowestPriority: entry model states do not match models")
	}
	logrus.Warnf("[step %07d] preemption: evicting %s to free pages", state.StepCount, tail.Request.ID)

	for i, ms := range tail.ModelStates {
		if slots := ms.RemoveAllDraftTokens(); len(slots) > 0 {
			pool.FreeSlots(slots)
		}
		models[i].RemoveSequence(ms.InternalID)
		// The entry re-enters through prefill, which re-establishes the
		// context and the decode debt.
		ms.NumTokensForNextDecode = 1
	}

	state.WaitQ.PrependFront(tail)
	state.Metrics.PreemptionCount++
	return tail
}
