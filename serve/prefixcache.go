// serve/prefixcache.go
package serve

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// PrefixCache is the contract the draft step consumes from the shared
// prefix store. Both calls are black-box synchronization boundaries of
// the cache itself.
type PrefixCache interface {
	// TryReclaim cooperatively frees shared-prefix storage. Best-effort:
	// returns true if any memory was handed back to the models.
	TryReclaim() bool

	// CommitPendingExtension applies sequence extensions deferred from a
	// prior round. The draft driver calls this between probability
	// computation and sampling to overlap CPU-side bookkeeping with
	// in-flight device work.
	CommitPendingExtension()
}

// PrefixBlock is a unit of shared-prefix storage. Each block stores a
// fixed number of tokens and is tracked by a prefix hash once full.
type PrefixBlock struct {
	ID       int
	RefCount int          // active sequences referencing this block
	InUse    bool         // currently referenced by a running sequence
	Hash     string       // prefix hash of this block's content and lineage (if full)
	Tokens   []int        // tokens stored in this block
	PrevFree *PrefixBlock // LRU doubly linked list: previous free block
	NextFree *PrefixBlock // LRU doubly linked list: next free block
}

type pendingExtension struct {
	seqID  string
	tokens []int
}

// BlockPrefixCache stores common token-sequence prefixes across
// sequences in fixed-size blocks with LRU retention. Unreferenced full
// blocks stay cached (and keep their device pages) until TryReclaim or
// reuse evicts them.
type BlockPrefixCache struct {
	TotalBlocks     int
	BlockSizeTokens int
	Blocks          []*PrefixBlock
	SeqMap          map[string][]int // sequence key -> block id sequence
	HashToBlock     map[string]int   // hash -> block id
	FreeHead        *PrefixBlock
	FreeTail        *PrefixBlock
	UsedBlockCnt    int

	pending     []pendingExtension
	releaseHook func(blocks int) // credits reclaimed blocks back to a model's page pool
}

// NewBlockPrefixCache initializes the cache and places all blocks in the
// free list in order.
func NewBlockPrefixCache(totalBlocks, blockSizeTokens int) *BlockPrefixCache {
	if totalBlocks <= 0 {
		panic("BlockPrefixCache: totalBlocks must be > 0")
	}
	if blockSizeTokens <= 0 {
		panic("BlockPrefixCache: blockSizeTokens must be > 0")
	}
	pc := &BlockPrefixCache{
		TotalBlocks:     totalBlocks,
		BlockSizeTokens: blockSizeTokens,
		Blocks:          make([]*PrefixBlock, totalBlocks),
		SeqMap:          make(map[string][]int),
		HashToBlock:     make(map[string]int),
	}
	for i := 0; i < totalBlocks; i++ {
		blk := &PrefixBlock{ID: i}
		pc.Blocks[i] = blk
		pc.appendToFreeList(blk)
	}
	return pc
}

// SetReleaseHook registers the callback invoked when TryReclaim hands
// cached blocks back. Typically wired to the draft model's page pool.
func (pc *BlockPrefixCache) SetReleaseHook(hook func(blocks int)) {
	pc.releaseHook = hook
}

// TryReclaim evicts one retained (unreferenced but still cached) block.
// Returns false when nothing is reclaimable.
func (pc *BlockPrefixCache) TryReclaim() bool {
	for blk := pc.FreeHead; blk != nil; blk = blk.NextFree {
		if blk.Hash == "" {
			continue
		}
		delete(pc.HashToBlock, blk.Hash)
		blk.Hash = ""
		blk.Tokens = nil
		logrus.Debugf("prefix cache: reclaimed block %d", blk.ID)
		if pc.releaseHook != nil {
			pc.releaseHook(1)
		}
		return true
	}
	return false
}

// DeferExtension queues tokens to be appended to a sequence's cached
// suffix on the next CommitPendingExtension call.
func (pc *BlockPrefixCache) DeferExtension(seqID string, tokens []int) {
	if len(tokens) == 0 {
		return
	}
	cp := make([]int, len(tokens))
	copy(cp, tokens)
	pc.pending = append(pc.pending, pendingExtension{seqID: seqID, tokens: cp})
}

// CommitPendingExtension applies all deferred extensions in order.
func (pc *BlockPrefixCache) CommitPendingExtension() {
	for _, ext := range pc.pending {
		for _, tok := range ext.tokens {
			if !pc.appendToken(ext.seqID, tok) {
				logrus.Warnf("prefix cache: dropped extension for %s, no free blocks", ext.seqID)
				break
			}
		}
	}
	pc.pending = pc.pending[:0]
}

// PendingExtensions returns the number of deferred extensions.
func (pc *BlockPrefixCache) PendingExtensions() int {
	return len(pc.pending)
}

// CachedBlocks returns the block ids whose contents match the longest
// cached prefix of tokens. Pure; does not modify cache state.
func (pc *BlockPrefixCache) CachedBlocks(tokens []int) (blockIDs []int) {
	n := len(tokens) / pc.BlockSizeTokens
	for i := 0; i < n; i++ {
		chunk := tokens[:(i+1)*pc.BlockSizeTokens]
		h := hashTokens(chunk)
		blockID, ok := pc.HashToBlock[h]
		if !ok {
			break
		}
		blockIDs = append(blockIDs, blockID)
	}
	return
}

// AllocateFor reserves cache blocks for a sequence's tokens, reusing
// cached blocks and drawing new ones from the free list as needed. Each
// full block is hashed into the prefix table.
func (pc *BlockPrefixCache) AllocateFor(seqID string, tokens []int) bool {
	cached := pc.CachedBlocks(tokens)
	remaining := tokens[len(cached)*pc.BlockSizeTokens:]
	numNew := (len(remaining) + pc.BlockSizeTokens - 1) / pc.BlockSizeTokens
	if numNew > pc.TotalBlocks-pc.UsedBlockCnt {
		logrus.Debugf("prefix cache: cannot allocate %d new blocks for %s", numNew, seqID)
		return false
	}

	allocated := make([]int, 0, len(cached)+numNew)
	for _, blockID := range cached {
		blk := pc.Blocks[blockID]
		blk.RefCount++
		if !blk.InUse {
			blk.InUse = true
			pc.UsedBlockCnt++
			pc.removeFromFreeList(blk)
		}
		allocated = append(allocated, blockID)
	}
	for i := 0; i < numNew; i++ {
		blk := pc.popFreeBlock()
		if blk == nil {
			return false
		}
		start := (len(cached) + i) * pc.BlockSizeTokens
		end := min(start+pc.BlockSizeTokens, len(tokens))
		blk.Tokens = append([]int{}, tokens[start:end]...)
		blk.RefCount = 1
		blk.InUse = true
		pc.UsedBlockCnt++
		if len(blk.Tokens) == pc.BlockSizeTokens {
			h := hashTokens(tokens[:end])
			blk.Hash = h
			pc.HashToBlock[h] = blk.ID
		}
		allocated = append(allocated, blk.ID)
	}
	pc.SeqMap[seqID] = allocated
	return true
}

// Release drops a sequence's references. Blocks whose refcount reaches
// zero go to the free list tail in reverse order: the last block of a
// sequence hashes the most tokens and is least likely to be shared, so
// it should be evicted first.
func (pc *BlockPrefixCache) Release(seqID string) {
	ids := pc.SeqMap[seqID]
	delete(pc.SeqMap, seqID)
	for i := len(ids) - 1; i >= 0; i-- {
		blk := pc.Blocks[ids[i]]
		blk.RefCount--
		if blk.RefCount == 0 {
			blk.InUse = false
			pc.UsedBlockCnt--
			pc.appendToFreeList(blk)
		}
	}
}

// appendToken adds one token to the sequence's latest block, allocating
// a new block when the latest is full.
func (pc *BlockPrefixCache) appendToken(seqID string, token int) bool {
	ids := pc.SeqMap[seqID]
	if len(ids) == 0 {
		return false
	}
	latest := pc.Blocks[ids[len(ids)-1]]
	if len(latest.Tokens) < pc.BlockSizeTokens {
		latest.Tokens = append(latest.Tokens, token)
		if len(latest.Tokens) == pc.BlockSizeTokens {
			full := []int{}
			for _, blockID := range ids {
				full = append(full, pc.Blocks[blockID].Tokens...)
			}
			h := hashTokens(full)
			latest.Hash = h
			pc.HashToBlock[h] = latest.ID
		}
		return true
	}
	blk := pc.popFreeBlock()
	if blk == nil {
		return false
	}
	blk.Tokens = []int{token}
	blk.RefCount = 1
	blk.InUse = true
	pc.UsedBlockCnt++
	pc.SeqMap[seqID] = append(pc.SeqMap[seqID], blk.ID)
	return true
}

// appendToFreeList inserts a block at the tail of the free list.
func (pc *BlockPrefixCache) appendToFreeList(block *PrefixBlock) {
	block.NextFree = nil
	if pc.FreeTail != nil {
		pc.FreeTail.NextFree = block
		block.PrevFree = pc.FreeTail
		pc.FreeTail = block
	} else {
		pc.FreeHead = block
		pc.FreeTail = block
		block.PrevFree = nil
	}
}

// removeFromFreeList detaches a block from the LRU free list.
func (pc *BlockPrefixCache) removeFromFreeList(block *PrefixBlock) {
	if block.PrevFree != nil {
		block.PrevFree.NextFree = block.NextFree
	} else {
		pc.FreeHead = block.NextFree
	}
	if block.NextFree != nil {
		block.NextFree.PrevFree = block.PrevFree
	} else {
		pc.FreeTail = block.PrevFree
	}
	block.NextFree = nil
	block.PrevFree = nil
}

// popFreeBlock evicts the LRU block from the free list and prepares it
// for reuse.
func (pc *BlockPrefixCache) popFreeBlock() *PrefixBlock {
	head := pc.FreeHead
	if head == nil {
		return nil
	}
	pc.removeFromFreeList(head)
	if head.Hash != "" {
		delete(pc.HashToBlock, head.Hash)
		head.Hash = ""
	}
	head.Tokens = nil
	return head
}

// hashTokens returns a SHA256 hash of the joined token sequence.
func hashTokens(tokens []int) string {
	h := sha256.New()
	var sb strings.Builder
	for i, token := range tokens {
		if i > 0 {
			sb.WriteString("|")
		}
		sb.WriteString(strconv.Itoa(token))
	}
	h.Write([]byte(sb.String()))
	return hex.EncodeToString(h.Sum(nil))
}
