// The draft proposal step of speculative decoding: admission/preemption
// under the draft models' page budget, then draft-length rounds of
// batched proposal per draft model, persisting each round's sampled
// distributions into the slot pool for later verification.

package serve

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	tensorlib "gorgonia.org/tensor"

	"github.com/spec-serve/spec-serve/serve/trace"
)

// BatchDraftAction runs draft proposal for the entries in the engine's
// running queue, preempting low-priority entries when it is impossible
// to decode all of them. It never finalizes requests: Step's only
// effects are state mutation, slot reservation, and metrics.
type BatchDraftAction struct {
	// models[0] is the target model and takes no part in proposal;
	// indices >= 1 are draft models.
	models    []Model
	logitProc LogitProcessor
	sampler   Sampler
	slotPool  *DraftSlotPool
	probStore *ProbStorage
	cfg       EngineConfig
	recorder  *trace.Recorder // nil-safe, optional
}

// NewBatchDraftAction wires the draft step. Panics on invalid
// configuration or missing collaborators; these are construction-time
// wiring bugs.
func NewBatchDraftAction(models []Model, logitProc LogitProcessor, sampler Sampler,
	slotPool *DraftSlotPool, probStore *ProbStorage, cfg EngineConfig, recorder *trace.Recorder) *BatchDraftAction {
	cfg.Validate()
	if len(models) == 0 {
		panic("BatchDraftAction: no models configured")
	}
	if logitProc == nil || sampler == nil || slotPool == nil || probStore == nil {
		panic("BatchDraftAction: logit processor, sampler, slot pool and prob storage are required")
	}
	return &BatchDraftAction{
		models:    models,
		logitProc: logitProc,
		sampler:   sampler,
		slotPool:  slotPool,
		probStore: probStore,
		cfg:       cfg,
		recorder:  recorder,
	}
}

// Step advances every running entry by DraftLength draft tokens.
// The returned finalized-request list is always empty for this action.
func (a *BatchDraftAction) Step(state *EngineState) []*Request {
	// Speculative decoding runs only with the target plus exactly one
	// draft model, and at least one running entry.
	if len(a.models) != 2 || len(state.RunningQueue) == 0 {
		return nil
	}

	// Preempt entries while decode cannot apply to the whole snapshot.
	// Each iteration either frees memory or strictly shrinks the
	// snapshot, so this terminates within snapshot-size iterations.
	snapshot := state.RunningEntries()
	for !a.canDecode(len(snapshot)) {
		if state.PrefixCache.TryReclaim() {
			state.Metrics.PrefixReclaimCount++
			continue
		}
		preempted := EvictLowestPriority(state, a.models, a.slotPool)
		if len(snapshot) > 0 && preempted == snapshot[len(snapshot)-1] {
			snapshot = snapshot[:len(snapshot)-1]
		}
	}

	tstart := time.Now()

	numEntries := len(snapshot)
	if numEntries == 0 {
		panic("BatchDraftAction: no entry can run decode after preemption; " +
			"possible cause: none of the running requests finished its prefill phase")
	}
	if numEntries > a.cfg.MaxNumSequence {
		panic(fmt.Sprintf("BatchDraftAction: %d running entries exceed MaxNumSequence %d; "+
			"possible cause: prefill admitted new sequences regardless of the cap",
			numEntries, a.cfg.MaxNumSequence))
	}
	state.Metrics.StepActivations++
	logrus.Debugf("[step %07d] draft proposal over %d entries", state.StepCount, numEntries)

	requestIDs := make([]string, numEntries)
	internalIDs := make([]int64, numEntries)
	cfgs := make([]GenerationConfig, numEntries)
	rngs := make([]*rand.Rand, numEntries)
	for i, entry := range snapshot {
		requestIDs[i] = entry.Request.ID
		internalIDs[i] = entry.ModelStates[0].InternalID
		cfgs[i] = entry.Request.GenCfg
		rngs[i] = entry.RNG
	}

	// The target model does not get involved in draft proposal.
	for modelID := 1; modelID < len(a.models); modelID++ {
		model := a.models[modelID]
		mstates := make([]*ModelState, numEntries)
		for i, entry := range snapshot {
			mstates[i] = entry.ModelStates[modelID]
		}
		a.runDraftRounds(state, model, snapshot, mstates, requestIDs, internalIDs, cfgs, rngs)
	}

	state.Metrics.AccumulateStepTime(time.Since(tstart).Seconds())
	return nil
}

// runDraftRounds drives DraftLength rounds of proposal for one draft
// model over the settled snapshot.
func (a *BatchDraftAction) runDraftRounds(state *EngineState, model Model,
	snapshot []*RequestStateEntry, mstates []*ModelState, requestIDs []string,
	internalIDs []int64, cfgs []GenerationConfig, rngs []*rand.Rand) {

	numEntries := len(snapshot)
	inputTokens := make([]int, 0, numEntries)
	lengths := make([]int, 0, numEntries)
	chainIndices := make([][]int, 0, numEntries)
	sampleIndices := make([]int, numEntries)
	for i := range sampleIndices {
		sampleIndices[i] = i
	}

	for round := 0; round < a.cfg.DraftLength; round++ {
		roundStart := time.Now()
		inputTokens = inputTokens[:0]
		lengths = lengths[:0]
		chainIndices = chainIndices[:0]

		for i := 0; i < numEntries; i++ {
			target := snapshot[i].ModelStates[0]
			ms := mstates[i]
			if round == 0 {
				// The first proposal round starts from the last committed
				// token and prefills any tokens the draft model has not
				// seen yet. The draft model may lag behind the target when
				// the engine just switched from plain batch decode to
				// speculative decoding mode.
				if len(ms.CommittedTokens) > len(target.CommittedTokens) {
					panic(fmt.Sprintf("BatchDraftAction: draft model committed %d tokens ahead of target's %d for %s",
						len(ms.CommittedTokens), len(target.CommittedTokens), requestIDs[i]))
				}
				if ms.NumTokensForNextDecode != 1 {
					panic(fmt.Sprintf("BatchDraftAction: entry %s owes %d tokens before decode, want 1",
						requestIDs[i], ms.NumTokensForNextDecode))
				}
				inputTokens = append(inputTokens, ms.LastCommittedToken())
				lengths = append(lengths, len(target.CommittedTokens)-len(ms.CommittedTokens)+1)
				for j := len(ms.CommittedTokens); j < len(target.CommittedTokens); j++ {
					ms.CommitToken(target.CommittedTokens[j])
					inputTokens = append(inputTokens, target.CommittedTokens[j])
				}
				ms.NumTokensForNextDecode = 0
				chainIndices = append(chainIndices, []int{-1})
			} else {
				// Drift is resolved only at round 0; any residue here is a
				// scheduling bug.
				if len(ms.CommittedTokens) != len(target.CommittedTokens) {
					panic(fmt.Sprintf("BatchDraftAction: committed-token drift for %s persisted past round 0 (%d vs %d)",
						requestIDs[i], len(ms.CommittedTokens), len(target.CommittedTokens)))
				}
				if len(ms.DraftOutputTokens) == 0 {
					panic(fmt.Sprintf("BatchDraftAction: entry %s has no draft tokens at round %d", requestIDs[i], round))
				}
				inputTokens = append(inputTokens, ms.DraftOutputTokens[len(ms.DraftOutputTokens)-1].Token)
				lengths = append(lengths, 1)
				chainIndices = append(chainIndices, []int{len(ms.DraftOutputTokens) - 1})
			}
		}
		// The lengths list is rebuilt every round; its size must track the
		// snapshot exactly rather than being inferred from batch shape.
		if len(lengths) != numEntries {
			panic(fmt.Sprintf("BatchDraftAction: %d lengths for %d entries", len(lengths), numEntries))
		}

		a.recorder.RecordEvent(requestIDs, "start proposal embedding")
		embeddings := model.EmbedTokens(inputTokens)
		a.recorder.RecordEvent(requestIDs, "finish proposal embedding")

		a.recorder.RecordEvent(requestIDs, "start proposal decode")
		var logits *tensorlib.Dense
		if len(inputTokens) == numEntries {
			// Every entry feeds exactly one token into the draft model.
			logits = model.Decode(embeddings, internalIDs)
			assertShape3(logits, numEntries, 1)
		} else {
			// Some entry has more than one token to feed (catch-up).
			logits = model.Prefill(embeddings, internalIDs, lengths)
			assertShape3(logits, 1, numEntries)
		}
		a.recorder.RecordEvent(requestIDs, "finish proposal decode")

		vocab := logits.Shape()[2]
		if err := logits.Reshape(numEntries, vocab); err != nil {
			panic(fmt.Sprintf("BatchDraftAction: reshape logits to [%d, %d]: %v", numEntries, vocab, err))
		}

		a.logitProc.ApplyInPlace(logits, cfgs, mstates, requestIDs, nil, chainIndices)
		probs := a.logitProc.ToProbabilities(logits, cfgs, requestIDs)

		// Commit the prefix cache changes deferred from the previous
		// round here, to overlap the commit with in-flight device work.
		state.PrefixCache.CommitPendingExtension()

		renormalized := a.sampler.RenormalizeTopP(probs, sampleIndices, cfgs)
		sampled := a.sampler.SampleWithStreams(renormalized, sampleIndices, cfgs, rngs)
		if len(sampled) != numEntries {
			panic(fmt.Sprintf("BatchDraftAction: sampler returned %d tokens for %d entries", len(sampled), numEntries))
		}

		// Persist the pre-renormalization distributions: verification
		// needs them for correct rejection-sampling math.
		slots := a.slotPool.AllocSlots(numEntries)
		model.ScatterProbs(probs, slots, a.probStore)
		for i := 0; i < numEntries; i++ {
			parentIdx := len(mstates[i].DraftOutputTokens) - 1
			mstates[i].AddDraftToken(sampled[i], slots[i], parentIdx)
		}

		state.Metrics.RecordDraftRound(numEntries, time.Since(roundStart).Seconds())
	}
}

// canDecode reports whether every draft model has at least one free page
// per snapshot entry. The target model's admission was settled by the
// earlier prefill scheduling step.
func (a *BatchDraftAction) canDecode(numEntries int) bool {
	for modelID := 1; modelID < len(a.models); modelID++ {
		if numEntries > a.models[modelID].AvailablePages() {
			return false
		}
	}
	return true
}

// assertShape3 checks the leading two dimensions of a 3-D logits tensor.
func assertShape3(t *tensorlib.Dense, dim0, dim1 int) {
	shape := t.Shape()
	if len(shape) != 3 || shape[0] != dim0 || shape[1] != dim1 {
		panic(fmt.Sprintf("BatchDraftAction: want logits shape [%d, %d, vocab], got %v", dim0, dim1, shape))
	}
}
