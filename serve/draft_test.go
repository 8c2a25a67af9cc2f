package serve

import (
	"testing"

	"github.com/spec-serve/spec-serve/serve/trace"
)

// testEngine bundles a fully wired draft step against the in-memory
// models for scenario tests.
type testEngine struct {
	cfg    EngineConfig
	target *SimModel
	draft  *SimModel
	cache  *BlockPrefixCache
	state  *EngineState
	pool   *DraftSlotPool
	store  *ProbStorage
	action *BatchDraftAction
}

type testEngineOpts struct {
	numRequests int
	draftLength int
	maxNumSeq   int
	draftPages  int // draft model page capacity (0 = generous default)
	promptLen   int // draft model committed tokens per request (0 = 4)
	lagTokens   int // extra tokens the target model has committed
	recorder    *trace.Recorder
}

const (
	testVocab    = 64
	testPageSize = 16
)

func newTestEngine(opts testEngineOpts) *testEngine {
	if opts.draftLength == 0 {
		opts.draftLength = 2
	}
	if opts.maxNumSeq == 0 {
		opts.maxNumSeq = 16
	}
	if opts.draftPages == 0 {
		opts.draftPages = 256
	}
	if opts.promptLen == 0 {
		opts.promptLen = 4
	}

	cfg := EngineConfig{
		DraftLength:    opts.draftLength,
		MaxNumSequence: opts.maxNumSeq,
		VocabSize:      testVocab,
		Seed:           7,
	}
	target := NewSimModel(SimModelConfig{VocabSize: testVocab, TotalPages: 4096, PageSize: testPageSize, Seed: 7})
	draft := NewSimModel(SimModelConfig{VocabSize: testVocab, TotalPages: opts.draftPages, PageSize: testPageSize, Seed: 8})
	cache := NewBlockPrefixCache(64, testPageSize)
	cache.SetReleaseHook(draft.ReleaseCachedPages)

	state := NewEngineState(NewEngineKey(cfg.Seed), cache)
	pool := NewDraftSlotPool(cfg.EffectiveSlotCapacity())
	store := NewProbStorage(cfg.EffectiveSlotCapacity(), testVocab)
	action := NewBatchDraftAction([]Model{target, draft}, NewPenaltyProcessor(), NewStreamSampler(),
		pool, store, cfg, opts.recorder)

	te := &testEngine{
		cfg:    cfg,
		target: target,
		draft:  draft,
		cache:  cache,
		state:  state,
		pool:   pool,
		store:  store,
		action: action,
	}
	for i := 0; i < opts.numRequests; i++ {
		te.admit(int64(i), opts.promptLen, opts.lagTokens)
	}
	return te
}

// admit registers one running entry the way the prefill step would have:
// sequences present on both models, target ahead by lag committed tokens.
func (te *testEngine) admit(id int64, promptLen, lag int) *RequestStateEntry {
	prompt := make([]int, promptLen)
	for j := range prompt {
		prompt[j] = int(id)*7%testVocab + j%3
	}
	committed := append([]int{}, prompt...)
	for j := 0; j < lag; j++ {
		committed = append(committed, (int(id)+j*11)%testVocab)
	}

	targetState := &ModelState{InternalID: id, CommittedTokens: committed}
	draftState := &ModelState{
		InternalID:             id,
		CommittedTokens:        append([]int{}, prompt...),
		NumTokensForNextDecode: 1,
	}
	te.target.AddSequence(id, committed)
	te.draft.AddSequence(id, draftState.CommittedTokens)

	entry := &RequestStateEntry{
		Request: &Request{
			ID:     reqID(id),
			GenCfg: GenerationConfig{Temperature: 0.8, TopP: 0.9},
		},
		ModelStates: []*ModelState{targetState, draftState},
	}
	te.state.AddRunning(entry)
	return entry
}

func reqID(id int64) string {
	return string(rune('a'+id)) + "-req"
}

func TestStep_NoOpWithoutDraftModel(t *testing.T) {
	// GIVEN an action configured with the target model only
	te := newTestEngine(testEngineOpts{numRequests: 2})
	action := NewBatchDraftAction([]Model{te.target}, NewPenaltyProcessor(), NewStreamSampler(),
		te.pool, te.store, te.cfg, nil)

	// WHEN Step runs
	finished := action.Step(te.state)

	// THEN nothing happens
	if finished != nil {
		t.Errorf("expected nil finalized requests, got %v", finished)
	}
	if te.state.Metrics.StepActivations != 0 {
		t.Errorf("expected no activation, got %d", te.state.Metrics.StepActivations)
	}
}

func TestStep_NoOpWithEmptyRunningQueue(t *testing.T) {
	te := newTestEngine(testEngineOpts{numRequests: 0})
	if finished := te.action.Step(te.state); finished != nil {
		t.Errorf("expected nil finalized requests, got %v", finished)
	}
	if te.state.Metrics.DraftRounds != 0 {
		t.Errorf("expected no rounds, got %d", te.state.Metrics.DraftRounds)
	}
}

// TestStep_DraftLengthRounds verifies Scenario C: draft_length = 4 runs
// exactly 4 rounds, each appending exactly one token per request.
func TestStep_DraftLengthRounds(t *testing.T) {
	// GIVEN 3 running requests and draft_length 4
	te := newTestEngine(testEngineOpts{numRequests: 3, draftLength: 4})

	// WHEN one step runs
	te.action.Step(te.state)

	// THEN every entry gained exactly 4 draft tokens
	for _, entry := range te.state.RunningQueue {
		got := len(entry.ModelStates[1].DraftOutputTokens)
		if got != 4 {
			t.Errorf("entry %s: expected 4 draft tokens, got %d", entry.Request.ID, got)
		}
	}
	// AND exactly 4 rounds were recorded, each over the full batch
	if te.state.Metrics.DraftRounds != 4 {
		t.Errorf("expected 4 rounds, got %d", te.state.Metrics.DraftRounds)
	}
	if te.state.Metrics.DraftRoundsByBatchSize[3] != 4 {
		t.Errorf("expected 4 rounds at batch size 3, got %d", te.state.Metrics.DraftRoundsByBatchSize[3])
	}
	if te.state.Metrics.DecodeTimeSum <= 0 {
		t.Error("expected step time to accumulate")
	}
}

// TestStep_ParentIndices verifies the linear chain: the first draft
// token anchors at -1, each later token points at its predecessor.
func TestStep_ParentIndices(t *testing.T) {
	te := newTestEngine(testEngineOpts{numRequests: 1, draftLength: 3})
	te.action.Step(te.state)

	chain := te.state.RunningQueue[0].ModelStates[1].DraftOutputTokens
	if len(chain) != 3 {
		t.Fatalf("expected 3 draft tokens, got %d", len(chain))
	}
	for i, dt := range chain {
		if dt.ParentIdx != i-1 {
			t.Errorf("draft token %d: expected parent %d, got %d", i, i-1, dt.ParentIdx)
		}
	}
}

// TestStep_CatchUp verifies Scenario B: target committed 5 tokens,
// draft committed 3: round 0 feeds 2 catch-up tokens plus 1 anchor
// (length 3) through the prefill path, after which committed lengths
// match.
func TestStep_CatchUp(t *testing.T) {
	// GIVEN a fresh switch to speculative mode with 2 tokens of drift
	te := newTestEngine(testEngineOpts{numRequests: 1, draftLength: 2, promptLen: 3, lagTokens: 2})
	entry := te.state.RunningQueue[0]
	if n := len(entry.ModelStates[0].CommittedTokens); n != 5 {
		t.Fatalf("setup: target committed %d, want 5", n)
	}

	// WHEN one step runs
	te.action.Step(te.state)

	// THEN the draft model caught up to the target's committed history
	draftState := entry.ModelStates[1]
	if got, want := len(draftState.CommittedTokens), 5; got != want {
		t.Errorf("draft committed %d tokens, want %d", got, want)
	}
	for i, tok := range entry.ModelStates[0].CommittedTokens {
		if draftState.CommittedTokens[i] != tok {
			t.Errorf("committed token %d: draft %d, target %d", i, draftState.CommittedTokens[i], tok)
		}
	}
	// AND the decode debt was cleared at round 0
	if draftState.NumTokensForNextDecode != 0 {
		t.Errorf("NumTokensForNextDecode = %d, want 0", draftState.NumTokensForNextDecode)
	}
	// AND proposal still yielded draft_length tokens
	if got := len(draftState.DraftOutputTokens); got != 2 {
		t.Errorf("expected 2 draft tokens, got %d", got)
	}
}

// TestStep_CommittedInvariant: the draft model never commits past the
// target model.
func TestStep_CommittedInvariant(t *testing.T) {
	te := newTestEngine(testEngineOpts{numRequests: 4, draftLength: 3, lagTokens: 1})
	te.action.Step(te.state)
	for _, entry := range te.state.RunningQueue {
		draftLen := len(entry.ModelStates[1].CommittedTokens)
		targetLen := len(entry.ModelStates[0].CommittedTokens)
		if draftLen > targetLen {
			t.Errorf("entry %s: draft committed %d > target %d", entry.Request.ID, draftLen, targetLen)
		}
	}
}

// TestStep_PreemptsWhenPagesShort verifies Scenario A: 3 running
// requests with only 2 free draft pages force exactly one preemption
// before the rounds execute.
func TestStep_PreemptsWhenPagesShort(t *testing.T) {
	// GIVEN 3 entries whose sequences hold 1 draft page each, with a
	// 5-page draft model (2 pages free, 3 entries to advance)
	te := newTestEngine(testEngineOpts{numRequests: 3, draftLength: 2, draftPages: 5})
	if avail := te.draft.AvailablePages(); avail != 2 {
		t.Fatalf("setup: draft pages available = %d, want 2", avail)
	}
	tail := te.state.RunningQueue[2]

	// WHEN one step runs
	te.action.Step(te.state)

	// THEN exactly the lowest-priority entry was preempted
	if te.state.Metrics.PreemptionCount != 1 {
		t.Errorf("preemptions = %d, want 1", te.state.Metrics.PreemptionCount)
	}
	if len(te.state.RunningQueue) != 2 {
		t.Errorf("running queue = %d entries, want 2", len(te.state.RunningQueue))
	}
	if te.state.WaitQ.Peek() != tail {
		t.Error("preempted entry should be parked at the wait queue head")
	}
	// AND the preempted entry proposed nothing while survivors got full chains
	if got := len(tail.ModelStates[1].DraftOutputTokens); got != 0 {
		t.Errorf("preempted entry has %d draft tokens, want 0", got)
	}
	for _, entry := range te.state.RunningQueue {
		if got := len(entry.ModelStates[1].DraftOutputTokens); got != 2 {
			t.Errorf("entry %s: %d draft tokens, want 2", entry.Request.ID, got)
		}
	}
}

// TestStep_ReclaimAvoidsPreemption: when the prefix cache can hand pages
// back, no entry is evicted.
func TestStep_ReclaimAvoidsPreemption(t *testing.T) {
	// GIVEN a draft model one page short, with one reclaimable cached
	// block whose page the prefix cache retains
	te := newTestEngine(testEngineOpts{numRequests: 3, draftLength: 2, draftPages: 6})
	te.draft.RetainCachedPages(1) // 6 total - 3 used - 1 cached = 2 free
	if avail := te.draft.AvailablePages(); avail != 2 {
		t.Fatalf("setup: draft pages available = %d, want 2", avail)
	}
	// a released, fully hashed sequence leaves a reclaimable block behind
	blockTokens := make([]int, testPageSize)
	te.cache.AllocateFor("shared-prefix", blockTokens)
	te.cache.Release("shared-prefix")

	// WHEN one step runs
	te.action.Step(te.state)

	// THEN the cooperative reclaim rescued the batch
	if te.state.Metrics.PreemptionCount != 0 {
		t.Errorf("preemptions = %d, want 0", te.state.Metrics.PreemptionCount)
	}
	if te.state.Metrics.PrefixReclaimCount != 1 {
		t.Errorf("reclaims = %d, want 1", te.state.Metrics.PrefixReclaimCount)
	}
	if len(te.state.RunningQueue) != 3 {
		t.Errorf("running queue = %d entries, want 3", len(te.state.RunningQueue))
	}
}

// TestStep_SlotInjectivity: no two draft tokens end up with the same
// slot across one activation.
func TestStep_SlotInjectivity(t *testing.T) {
	te := newTestEngine(testEngineOpts{numRequests: 4, draftLength: 3})
	te.action.Step(te.state)

	seen := make(map[int]string)
	for _, entry := range te.state.RunningQueue {
		for _, dt := range entry.ModelStates[1].DraftOutputTokens {
			if other, dup := seen[dt.SlotID]; dup {
				t.Errorf("slot %d assigned to both %s and %s", dt.SlotID, other, entry.Request.ID)
			}
			seen[dt.SlotID] = entry.Request.ID
		}
	}
	if len(seen) != 12 {
		t.Errorf("expected 12 distinct slots, got %d", len(seen))
	}
}

// TestStep_SlotPoolExactCapacity verifies Scenario D: a pool sized
// exactly draft_length * max_num_sequence survives a full-capacity
// activation without overflow.
func TestStep_SlotPoolExactCapacity(t *testing.T) {
	// GIVEN max_num_sequence running entries and the derived pool size
	te := newTestEngine(testEngineOpts{numRequests: 4, maxNumSeq: 4, draftLength: 3})
	if te.pool.Capacity() != 12 {
		t.Fatalf("setup: pool capacity = %d, want 12", te.pool.Capacity())
	}

	// WHEN one full activation runs
	te.action.Step(te.state)

	// THEN the pool is exactly exhausted, with no overflow panic
	if free := te.pool.FreeCount(); free != 0 {
		t.Errorf("free slots = %d, want 0", free)
	}
}

// TestStep_ScatteredProbsMatchSlots: the persisted distribution in a
// token's slot is a normalized vocab row.
func TestStep_ScatteredProbsMatchSlots(t *testing.T) {
	te := newTestEngine(testEngineOpts{numRequests: 2, draftLength: 2})
	te.action.Step(te.state)

	for _, entry := range te.state.RunningQueue {
		for _, dt := range entry.ModelStates[1].DraftOutputTokens {
			row := te.store.Row(dt.SlotID)
			var sum float32
			for _, p := range row {
				if p < 0 {
					t.Fatalf("slot %d: negative probability %f", dt.SlotID, p)
				}
				sum += p
			}
			if sum < 0.99 || sum > 1.01 {
				t.Errorf("slot %d: probabilities sum to %f, want ~1", dt.SlotID, sum)
			}
		}
	}
}

func TestStep_PanicsWhenSnapshotExceedsCapacity(t *testing.T) {
	// GIVEN more running entries than MaxNumSequence allows
	te := newTestEngine(testEngineOpts{numRequests: 3, maxNumSeq: 2, draftLength: 1})

	defer func() {
		if recover() == nil {
			t.Error("expected panic when running entries exceed MaxNumSequence")
		}
	}()
	te.action.Step(te.state)
}

func TestStep_SameSeedSameDraftTokens(t *testing.T) {
	// Two engines with identical keys and admission order must propose
	// bit-for-bit identical chains.
	run := func() [][]DraftToken {
		te := newTestEngine(testEngineOpts{numRequests: 3, draftLength: 4, lagTokens: 1})
		te.action.Step(te.state)
		chains := make([][]DraftToken, 0, 3)
		for _, entry := range te.state.RunningQueue {
			chains = append(chains, append([]DraftToken{}, entry.ModelStates[1].DraftOutputTokens...))
		}
		return chains
	}
	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("chain count mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		for j := range first[i] {
			if first[i][j] != second[i][j] {
				t.Errorf("entry %d token %d differs: %+v vs %+v", i, j, first[i][j], second[i][j])
			}
		}
	}
}

func TestStep_TraceRecordsProposalBoundaries(t *testing.T) {
	recorder := trace.NewRecorder(trace.LevelEvents)
	te := newTestEngine(testEngineOpts{numRequests: 2, draftLength: 2, recorder: recorder})
	te.action.Step(te.state)

	// 4 boundary events per round
	if got, want := len(recorder.Events), 8; got != want {
		t.Fatalf("recorded %d events, want %d", got, want)
	}
	wantLabels := []string{
		"start proposal embedding", "finish proposal embedding",
		"start proposal decode", "finish proposal decode",
	}
	for i, label := range recorder.Labels() {
		if label != wantLabels[i%4] {
			t.Errorf("event %d: label %q, want %q", i, label, wantLabels[i%4])
		}
	}
}

func TestNewBatchDraftAction_InvalidDraftLength_Panics(t *testing.T) {
	te := newTestEngine(testEngineOpts{numRequests: 1})
	cfg := te.cfg
	cfg.DraftLength = 0
	defer func() {
		if recover() == nil {
			t.Error("expected panic for DraftLength 0")
		}
	}()
	NewBatchDraftAction([]Model{te.target, te.draft}, NewPenaltyProcessor(), NewStreamSampler(),
		te.pool, te.store, cfg, nil)
}
