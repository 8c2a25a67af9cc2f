// Defines the per-request record and the per-(request, model) mutable state
// carried between speculative-decoding steps.

package serve

import (
	"fmt"
	"math/rand"
)

// GenerationConfig holds the sampling and penalty configuration attached
// to one request. All fields are read-only after admission.
type GenerationConfig struct {
	Temperature       float32 // 0 disables temperature scaling
	TopP              float32 // nucleus threshold; <=0 or >=1 disables
	RepetitionPenalty float32 // 1.0 disables
	PresencePenalty   float32 // 0 disables
	FrequencyPenalty  float32 // 0 disables
}

// Request identifies one inference request admitted into the engine.
// This component never finalizes requests; it only reads the identity
// and generation config.
type Request struct {
	ID     string
	GenCfg GenerationConfig
}

// DraftToken is one speculative token proposed by a draft model but not
// yet verified by the target model. SlotID addresses the probability
// distribution persisted for verification; ParentIdx is the position in
// DraftOutputTokens this token extends (-1 = the committed-token anchor).
type DraftToken struct {
	Token     int
	SlotID    int
	ParentIdx int
}

// ModelState is the per-(request, model) mutable state.
//
// CommittedTokens only grows inside this component; DraftOutputTokens
// only grows inside this component and is truncated by the out-of-scope
// verification step. For any request the draft model's committed length
// never exceeds the target model's.
type ModelState struct {
	InternalID             int64        // opaque handle into the model's paged context
	CommittedTokens        []int        // tokens admitted into the model's context
	DraftOutputTokens      []DraftToken // speculative chain, oldest first
	NumTokensForNextDecode int          // tokens still owed to the context before 1-token decode resumes
}

// CommitToken appends a token to the model's committed history.
func (ms *ModelState) CommitToken(token int) {
	ms.CommittedTokens = append(ms.CommittedTokens, token)
}

// LastCommittedToken returns the most recently committed token.
// Panics on an empty history: every running entry has completed prefill,
// so an empty committed history is a scheduler bug.
func (ms *ModelState) LastCommittedToken() int {
	if len(ms.CommittedTokens) == 0 {
		panic(fmt.Sprintf("ModelState %d: no committed tokens", ms.InternalID))
	}
	return ms.CommittedTokens[len(ms.CommittedTokens)-1]
}

// AddDraftToken appends a sampled token to the speculative chain.
func (ms *ModelState) AddDraftToken(token, slotID, parentIdx int) {
	ms.DraftOutputTokens = append(ms.DraftOutputTokens, DraftToken{
		Token:     token,
		SlotID:    slotID,
		ParentIdx: parentIdx,
	})
}

// RemoveAllDraftTokens drops the speculative chain and returns the slot
// ids it held so the caller can return them to the pool. Used when the
// entry is preempted before verification.
func (ms *ModelState) RemoveAllDraftTokens() []int {
	if len(ms.DraftOutputTokens) == 0 {
		return nil
	}
	slots := make([]int, len(ms.DraftOutputTokens))
	for i, dt := range ms.DraftOutputTokens {
		slots[i] = dt.SlotID
	}
	ms.DraftOutputTokens = ms.DraftOutputTokens[:0]
	return slots
}

// RequestStateEntry pairs a request with its per-model states and its
// persistent sampling stream. ModelStates[0] belongs to the target
// model; indices >= 1 belong to draft models.
type RequestStateEntry struct {
	Request     *Request
	RNG         *rand.Rand
	ModelStates []*ModelState
}

func (e *RequestStateEntry) String() string {
	return fmt.Sprintf("RequestStateEntry: (ID: %s, Models: %d)", e.Request.ID, len(e.ModelStates))
}
