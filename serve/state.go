// Engine-wide mutable state shared by every scheduling step: the running
// queue, the wait queue for preempted entries, the prefix cache handle,
// and cumulative metrics.

package serve

import (
	"fmt"
	"strings"
)

// EngineState is created once at engine start and lives for the process
// lifetime. It is touched by exactly one scheduling goroutine at a time;
// no locks are taken here. An engine loop that wants concurrent steps
// must add its own ownership transfer around this state.
type EngineState struct {
	// RunningQueue is ordered by scheduling priority: the tail is the
	// lowest-priority entry and the first to preempt.
	RunningQueue []*RequestStateEntry
	// WaitQ parks preempted entries until a later engine step re-admits
	// them. This component only prepends to it.
	WaitQ       *WaitQueue
	PrefixCache PrefixCache
	Metrics     *Metrics
	Streams     *RequestStreams
	StepCount   int
}

// NewEngineState initializes engine state with an empty running queue.
func NewEngineState(key EngineKey, prefixCache PrefixCache) *EngineState {
	return &EngineState{
		RunningQueue: make([]*RequestStateEntry, 0),
		WaitQ:        &WaitQueue{},
		PrefixCache:  prefixCache,
		Metrics:      NewMetrics(),
		Streams:      NewRequestStreams(key),
	}
}

// RunningEntries returns a snapshot of the running queue in priority
// order. The snapshot is the caller's to shrink during preemption; the
// queue itself is mutated only through RemoveRunningTail.
func (es *EngineState) RunningEntries() []*RequestStateEntry {
	snapshot := make([]*RequestStateEntry, len(es.RunningQueue))
	copy(snapshot, es.RunningQueue)
	return snapshot
}

// AddRunning appends an entry at the tail (lowest priority) of the
// running queue and materializes its sampling stream.
func (es *EngineState) AddRunning(entry *RequestStateEntry) {
	if entry.RNG == nil {
		entry.RNG = es.Streams.ForRequest(entry.Request.ID)
	}
	es.RunningQueue = append(es.RunningQueue, entry)
}

// RemoveRunningTail pops the lowest-priority entry from the running
// queue. Returns nil when the queue is empty.
func (es *EngineState) RemoveRunningTail() *RequestStateEntry {
	if len(es.RunningQueue) == 0 {
		return nil
	}
	tail := es.RunningQueue[len(es.RunningQueue)-1]
	es.RunningQueue = es.RunningQueue[:len(es.RunningQueue)-1]
	return tail
}

// WaitQueue holds request state entries that were preempted out of the
// running queue and wait for re-admission by a later engine step.
type WaitQueue struct {
	queue []*RequestStateEntry
}

// Enqueue adds an entry to the back of the wait queue.
func (wq *WaitQueue) Enqueue(entry *RequestStateEntry) {
	wq.queue = append(wq.queue, entry)
}

// PrependFront inserts an entry at the front of the queue.
// Used for preemption: an entry evicted from the running queue is placed
// at the head of the wait queue for immediate rescheduling.
func (wq *WaitQueue) PrependFront(entry *RequestStateEntry) {
	if entry == nil {
		panic("PrependFront: entry must not be nil")
	}
	wq.queue = append([]*RequestStateEntry{entry}, wq.queue...)
}

// Len returns the number of entries in the queue.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the entry at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (wq *WaitQueue) Peek() *RequestStateEntry {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Dequeue removes the entry at the front of the queue.
func (wq *WaitQueue) Dequeue() *RequestStateEntry {
	if len(wq.queue) == 0 {
		return nil
	}
	front := wq.queue[0]
	wq.queue = wq.queue[1:]
	return front
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, entry := range wq.queue {
		sb.WriteString(fmt.Sprint(entry))
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
