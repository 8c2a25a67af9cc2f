// Persistent slot pool for sampled draft probability distributions.
// Slots are reserved by the draft step and released only by the
// verification step (or by preemption rollback).

package serve

import (
	"fmt"

	tensorlib "gorgonia.org/tensor"
)

// DraftSlotPool hands out integer slot ids from a fixed-capacity pool.
// Capacity is derived from DraftLength * MaxNumSequence at engine
// configuration time, so exhaustion is a capacity-planning bug and
// panics rather than being surfaced as a runtime error.
type DraftSlotPool struct {
	capacity int
	free     []int
}

// NewDraftSlotPool creates a pool with the given capacity.
func NewDraftSlotPool(capacity int) *DraftSlotPool {
	if capacity <= 0 {
		panic(fmt.Sprintf("DraftSlotPool: capacity must be > 0, got %d", capacity))
	}
	free := make([]int, capacity)
	for i := range free {
		free[i] = capacity - 1 - i // pop from the back => ids come out ascending
	}
	return &DraftSlotPool{capacity: capacity, free: free}
}

// AllocSlots reserves n distinct slot ids.
func (p *DraftSlotPool) AllocSlots(n int) []int {
	if n > len(p.free) {
		panic(fmt.Sprintf("DraftSlotPool: requested %d slots with %d free (capacity %d); pool undersized for draft_length * max_num_sequence", n, len(p.free), p.capacity))
	}
	slots := make([]int, n)
	for i := 0; i < n; i++ {
		slots[i] = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
	}
	return slots
}

// FreeSlots returns slot ids to the pool. Called by the verification
// step after chain rejection, and by preemption rollback.
func (p *DraftSlotPool) FreeSlots(slots []int) {
	if len(p.free)+len(slots) > p.capacity {
		panic(fmt.Sprintf("DraftSlotPool: freeing %d slots would exceed capacity %d", len(slots), p.capacity))
	}
	p.free = append(p.free, slots...)
}

// FreeCount returns the number of unreserved slots.
func (p *DraftSlotPool) FreeCount() int {
	return len(p.free)
}

// Capacity returns the fixed pool capacity.
func (p *DraftSlotPool) Capacity() int {
	return p.capacity
}

// ProbStorage is the slot-addressed backing store for draft probability
// distributions: one row of vocab-width probabilities per slot. Rows
// hold the pre-top-p distribution, which verification needs for correct
// rejection-sampling math.
type ProbStorage struct {
	vocab int
	data  *tensorlib.Dense // [capacity, vocab]
}

// NewProbStorage allocates storage for capacity slots.
func NewProbStorage(capacity, vocab int) *ProbStorage {
	if capacity <= 0 || vocab <= 0 {
		panic(fmt.Sprintf("ProbStorage: capacity and vocab must be > 0, got %d, %d", capacity, vocab))
	}
	return &ProbStorage{
		vocab: vocab,
		data:  tensorlib.New(tensorlib.WithShape(capacity, vocab), tensorlib.Of(tensorlib.Float32)),
	}
}

// Scatter writes row i of probs ([batch, vocab]) into the storage row
// addressed by slots[i].
func (ps *ProbStorage) Scatter(probs *tensorlib.Dense, slots []int) {
	shape := probs.Shape()
	if len(shape) != 2 || shape[1] != ps.vocab {
		panic(fmt.Sprintf("ProbStorage: want [batch, %d] probs, got %v", ps.vocab, shape))
	}
	if shape[0] != len(slots) {
		panic(fmt.Sprintf("ProbStorage: %d prob rows for %d slots", shape[0], len(slots)))
	}
	src := probs.Data().([]float32)
	dst := ps.data.Data().([]float32)
	for i, slot := range slots {
		copy(dst[slot*ps.vocab:(slot+1)*ps.vocab], src[i*ps.vocab:(i+1)*ps.vocab])
	}
}

// Row returns the distribution stored in a slot. The returned slice
// aliases the backing store; callers must not mutate it.
func (ps *ProbStorage) Row(slot int) []float32 {
	all := ps.data.Data().([]float32)
	return all[slot*ps.vocab : (slot+1)*ps.vocab]
}
