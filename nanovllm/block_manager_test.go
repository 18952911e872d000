package nanovllm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqTokens(n int) []int {
	tokenIDs := make([]int, n)
	for i := range tokenIDs {
		tokenIDs[i] = i
	}
	return tokenIDs
}

// assertConservation checks that each pool's free and referenced blocks add
// up to its capacity, and that the tables of seqs account for every
// reference.
func assertConservation(t *testing.T, bm *BlockManager, seqs ...*Sequence) {
	t.Helper()
	for _, d := range []Device{DeviceGPU, DeviceCPU} {
		pool := bm.Pool(d)
		inUse := 0
		refs := 0
		for id := 0; id < pool.NumBlocks(); id++ {
			if rc := pool.Block(id).RefCount; rc > 0 {
				inUse++
				refs += rc
			}
		}
		assert.Equal(t, pool.NumBlocks(), pool.NumFree()+inUse, "%s pool conservation", d)

		tableRefs := 0
		for _, seq := range seqs {
			if seq.blockDevice != d {
				continue
			}
			for _, id := range seq.BlockTable {
				assert.Positive(t, pool.Block(id).RefCount, "seq %d references free %s block %d", seq.SeqID, d, id)
				tableRefs++
			}
		}
		assert.Equal(t, refs, tableRefs, "%s ref counts must match table references", d)
	}
}

func TestBlockManagerCreation(t *testing.T) {
	bm := NewBlockManager(100, 8, 256)

	assert.Equal(t, 100, bm.NumGPUBlocks())
	assert.Equal(t, 100, bm.NumFreeGPUBlocks())
	assert.Equal(t, 8, bm.NumCPUBlocks())
	assert.Equal(t, 8, bm.NumFreeCPUBlocks())
	assert.Equal(t, 256, bm.BlockSize())
}

func TestBlockManagerAllocate(t *testing.T) {
	bm := NewBlockManager(100, 0, 256)

	// Create a sequence that needs 2 blocks
	seq := NewSequence(seqTokens(300), 256)

	require.True(t, bm.CanAllocate(seq.NumBlocks()))
	require.NoError(t, bm.AllocateSequence(seq))

	assert.Len(t, seq.BlockTable, 2)
	assert.Equal(t, 98, bm.NumFreeGPUBlocks())
	assertConservation(t, bm, seq)
}

func TestBlockManagerAllocate_IsAtomic(t *testing.T) {
	// GIVEN a pool of 4 blocks
	bm := NewBlockManager(4, 0, 16)

	// WHEN more blocks are requested than exist
	ids, err := bm.Allocate(5)

	// THEN nothing is handed out
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Nil(t, ids)
	assert.Equal(t, 4, bm.NumFreeGPUBlocks())

	// AND the whole pool can still be taken in one go
	ids, err = bm.Allocate(4)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, ids)
	assert.Equal(t, 0, bm.NumFreeGPUBlocks())
}

func TestBlockManagerFree(t *testing.T) {
	bm := NewBlockManager(100, 0, 256)
	seq := NewSequence(seqTokens(300), 256)

	require.NoError(t, bm.AllocateSequence(seq))
	bm.Free(seq)

	assert.Empty(t, seq.BlockTable)
	assert.Equal(t, 100, bm.NumFreeGPUBlocks())
	assert.Equal(t, 0, seq.NumCachedTokens)
	assert.NoError(t, bm.CheckReclaimed())
}

func TestBlockManagerPrefixCaching(t *testing.T) {
	bm := NewBlockManager(100, 0, 256)
	bm.enablePrefixCaching = true

	// Create two sequences with the same prefix
	seq1 := NewSequence(seqTokens(256), 256)
	seq2 := NewSequence(seqTokens(256), 256)

	require.NoError(t, bm.AllocateSequence(seq1))
	seq1.NumComputedTokens = seq1.Len()
	bm.UpdateHashes(seq1)
	freeAfterFirst := bm.NumFreeGPUBlocks()

	// Allocate second sequence - should reuse cached blocks
	require.NoError(t, bm.AllocateSequence(seq2))

	assert.Equal(t, freeAfterFirst, bm.NumFreeGPUBlocks(), "a live cache hit costs no block")
	assert.Equal(t, seq1.BlockTable, seq2.BlockTable)
	assert.Equal(t, 2, bm.gpu.Block(seq1.BlockTable[0]).RefCount)
	// the last prompt token is recomputed
	assert.Equal(t, 255, seq2.NumCachedTokens)
	assertConservation(t, bm, seq1, seq2)
}

func TestBlockManagerPrefixCaching_RevivesFreedBlock(t *testing.T) {
	// GIVEN a sequence whose full block was hashed and then freed
	bm := NewBlockManager(4, 0, 4)
	bm.enablePrefixCaching = true
	first := NewSequence([]int{1, 2, 3, 4, 5}, 4)
	require.NoError(t, bm.AllocateSequence(first))
	first.NumComputedTokens = first.Len()
	bm.UpdateHashes(first)
	cachedID := first.BlockTable[0]
	bm.Free(first)
	require.Equal(t, 4, bm.NumFreeGPUBlocks())

	// WHEN a sequence with the same first block is allocated
	second := NewSequence([]int{1, 2, 3, 4, 9}, 4)
	require.NoError(t, bm.AllocateSequence(second))

	// THEN the cached block is taken back off the free list
	assert.Equal(t, cachedID, second.BlockTable[0])
	assert.Equal(t, 4, second.NumCachedTokens)
	assert.Equal(t, 4, second.NumComputedTokens)
	assert.Equal(t, 2, bm.NumFreeGPUBlocks())
	assertConservation(t, bm, second)
}

func TestBlockManagerPrefixCaching_ContentMismatchIsMiss(t *testing.T) {
	bm := NewBlockManager(4, 0, 4)
	bm.enablePrefixCaching = true
	first := NewSequence([]int{1, 2, 3, 4, 5}, 4)
	require.NoError(t, bm.AllocateSequence(first))
	first.NumComputedTokens = first.Len()
	bm.UpdateHashes(first)

	other := NewSequence([]int{1, 2, 3, 5, 5}, 4)
	require.NoError(t, bm.AllocateSequence(other))

	assert.NotEqual(t, first.BlockTable[0], other.BlockTable[0])
	assert.Equal(t, 0, other.NumCachedTokens)
}

func TestBlockManagerPrefixCaching_UncomputedBlocksAreNotShared(t *testing.T) {
	// GIVEN a sequence whose prompt blocks are allocated but not yet computed
	bm := NewBlockManager(8, 0, 4)
	bm.enablePrefixCaching = true
	first := NewSequence(seqTokens(9), 4)
	require.NoError(t, bm.AllocateSequence(first))

	// WHEN a sequence with the same prompt is allocated
	second := NewSequence(seqTokens(9), 4)
	require.NoError(t, bm.AllocateSequence(second))

	// THEN nothing is served from the cache
	assert.Equal(t, 0, second.NumCachedTokens)
	assert.NotEqual(t, first.BlockTable[0], second.BlockTable[0])

	// WHEN only the first block of the first sequence is computed and registered
	first.NumComputedTokens = 6
	bm.UpdateHashes(first)
	third := NewSequence(seqTokens(9), 4)
	require.NoError(t, bm.AllocateSequence(third))

	// THEN only that block is a hit
	assert.Equal(t, 4, third.NumCachedTokens)
	assert.Equal(t, first.BlockTable[0], third.BlockTable[0])
	assert.NotEqual(t, first.BlockTable[1], third.BlockTable[1])
	assertConservation(t, bm, first, second, third)
}

func TestBlockManagerComputeHash(t *testing.T) {
	bm := NewBlockManager(100, 0, 256)

	tokenIDs := []int{1, 2, 3, 4, 5}
	hash1 := bm.ComputeHash(tokenIDs, 0)
	hash2 := bm.ComputeHash(tokenIDs, 0)
	assert.Equal(t, hash1, hash2, "Hash should be deterministic")

	hash3 := bm.ComputeHash([]int{1, 2, 3, 4, 6}, 0)
	assert.NotEqual(t, hash1, hash3, "Different token IDs should produce different hashes")

	hash4 := bm.ComputeHash(tokenIDs, hash3)
	assert.NotEqual(t, hash1, hash4, "prefix hash must be part of the key")
}

func TestBlockManagerFeasibility(t *testing.T) {
	// GIVEN 10 blocks with one held back by the watermark
	bm := NewBlockManager(10, 0, 4)
	bm.watermarkBlocks = 1

	assert.Equal(t, AllocNever, bm.Feasibility(10))
	assert.Equal(t, AllocOK, bm.Feasibility(9))

	// WHEN half the pool is in use
	_, err := bm.Allocate(5)
	require.NoError(t, err)

	// THEN what no longer fits is deferred, not rejected
	assert.Equal(t, AllocLater, bm.Feasibility(5))
	assert.Equal(t, AllocOK, bm.Feasibility(4))
	assert.False(t, bm.CanAllocate(5))
}

func TestBlockManagerAppendSlot_FullTableGrowsByOne(t *testing.T) {
	bm := NewBlockManager(10, 0, 4)
	seq := NewSequence(seqTokens(4), 4)
	require.NoError(t, bm.AllocateSequence(seq))
	require.Len(t, seq.BlockTable, 1)

	// the prompt fills its block; the first generated token does not fit
	cow, err := bm.AppendSlot(seq)
	require.NoError(t, err)
	assert.Nil(t, cow)
	assert.Len(t, seq.BlockTable, 1)

	seq.AppendToken(9, 0)
	cow, err = bm.AppendSlot(seq)

	require.NoError(t, err)
	assert.Nil(t, cow)
	assert.Len(t, seq.BlockTable, 2)
	assert.Equal(t, 8, bm.NumFreeGPUBlocks())

	// room is left in the new block
	cow, err = bm.AppendSlot(seq)
	require.NoError(t, err)
	assert.Nil(t, cow)
	assert.Len(t, seq.BlockTable, 2)
}

func TestBlockManagerAppendSlot_OutOfMemory(t *testing.T) {
	bm := NewBlockManager(1, 0, 4)
	seq := NewSequence(seqTokens(4), 4)
	require.NoError(t, bm.AllocateSequence(seq))
	seq.AppendToken(9, 0)

	_, err := bm.AppendSlot(seq)

	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Len(t, seq.BlockTable, 1)
}

func TestBlockManagerFork_CopyOnWrite(t *testing.T) {
	// GIVEN a parent with a partially filled last block forked into a child
	bm := NewBlockManager(10, 0, 4)
	parent := NewSequence(seqTokens(6), 4)
	child := NewSequence(seqTokens(6), 4)
	require.NoError(t, bm.AllocateSequence(parent))
	bm.Fork(parent, child)

	require.Equal(t, parent.BlockTable, child.BlockTable)
	for _, id := range parent.BlockTable {
		assert.Equal(t, 2, bm.gpu.Block(id).RefCount)
	}
	assertConservation(t, bm, parent, child)

	// WHEN the parent reserves a slot for its first generated token
	shared := parent.BlockTable[1]
	cow, err := bm.AppendSlot(parent)
	require.NoError(t, err)

	// THEN the shared last block is copied and the first stays shared
	require.NotNil(t, cow)
	assert.Equal(t, shared, cow.Src)
	assert.Equal(t, parent.BlockTable[1], cow.Dst)
	assert.Equal(t, parent.BlockTable[0], child.BlockTable[0])
	assert.NotEqual(t, parent.BlockTable[1], child.BlockTable[1])
	assert.Equal(t, 1, bm.gpu.Block(shared).RefCount)

	// AND the child now owns the original block outright
	cow, err = bm.AppendSlot(child)
	require.NoError(t, err)
	assert.Nil(t, cow)
	assert.Equal(t, shared, child.BlockTable[1])
	assertConservation(t, bm, parent, child)

	bm.Free(parent)
	bm.Free(child)
	assert.NoError(t, bm.CheckReclaimed())
}

func TestBlockManagerAppendSlot_ExactlyFullBlockNeedsNothing(t *testing.T) {
	// GIVEN a single block whose last position the next pass writes
	bm := NewBlockManager(1, 0, 16)
	g := NewSequenceGroup("r", seqTokens(15), NewSamplingParams(), 16)
	require.NoError(t, bm.AllocateGroup(g))
	g.setStatus(StatusWaiting, StatusRunning)
	seq := g.Seqs[0]
	seq.AppendToken(9, 0)
	require.Zero(t, bm.NumFreeGPUBlocks())

	// THEN the slot is already reserved
	assert.Zero(t, bm.numAppendBlocks(g))
	assert.True(t, bm.CanAppendSlots(g))
	cow, err := bm.AppendSlot(seq)
	require.NoError(t, err)
	assert.Nil(t, cow)
	assert.Len(t, seq.BlockTable, 1)
}

func TestBlockManagerAppendSlot_SiblingsCopySharedWriteBlock(t *testing.T) {
	// GIVEN two siblings sharing a partially filled prompt block and one free block
	bm := NewBlockManager(2, 0, 4)
	g := NewSequenceGroup("r", []int{42, 43, 44}, NewSamplingParams(WithN(2)), 4)
	require.NoError(t, bm.AllocateGroup(g))
	g.setStatus(StatusWaiting, StatusRunning)
	shared := g.Seqs[0].BlockTable[0]
	require.Equal(t, 1, bm.NumFreeGPUBlocks())

	// WHEN both are one sub-step into a window and write position 3
	for _, seq := range g.Seqs {
		seq.inflight = 1
	}

	// THEN one copy covers both: the first writer copies, the last keeps the block
	assert.Equal(t, 1, bm.numAppendBlocks(g))
	require.True(t, bm.CanAppendSlots(g))

	cow, err := bm.AppendSlot(g.Seqs[0])
	require.NoError(t, err)
	require.NotNil(t, cow)
	assert.Equal(t, shared, cow.Src)
	assert.Equal(t, []int{cow.Dst}, g.Seqs[0].BlockTable)

	cow, err = bm.AppendSlot(g.Seqs[1])
	require.NoError(t, err)
	assert.Nil(t, cow)
	assert.Equal(t, []int{shared}, g.Seqs[1].BlockTable)
	assert.Equal(t, 1, bm.gpu.Block(shared).RefCount)
	assert.Zero(t, bm.NumFreeGPUBlocks())
	assertConservation(t, bm, g.Seqs...)
}

func TestBlockManagerAllocateGroup_ForksPrompt(t *testing.T) {
	bm := NewBlockManager(10, 0, 4)
	g := NewSequenceGroup("r", seqTokens(6), NewSamplingParams(WithN(3)), 4)

	require.Equal(t, 2, bm.NumBlocksToAllocate(g))
	require.NoError(t, bm.AllocateGroup(g))

	assert.Equal(t, 8, bm.NumFreeGPUBlocks())
	for _, seq := range g.Seqs[1:] {
		assert.Equal(t, g.Seqs[0].BlockTable, seq.BlockTable)
		// siblings sample from the prompt the first sequence computes
		assert.Equal(t, seq.Len(), seq.NumComputedTokens)
	}
	assert.Equal(t, 0, g.Seqs[0].NumComputedTokens)
	assertConservation(t, bm, g.Seqs...)
}

func TestBlockManagerSwap_PreservesSharing(t *testing.T) {
	// GIVEN a running group of two sequences sharing both prompt blocks
	bm := NewBlockManager(10, 10, 4)
	g := NewSequenceGroup("r", seqTokens(6), NewSamplingParams(WithN(2)), 4)
	require.NoError(t, bm.AllocateGroup(g))
	g.setStatus(StatusWaiting, StatusRunning)

	// WHEN it is swapped out
	require.True(t, bm.CanSwapOut(g))
	mapping, err := bm.SwapOut(g)
	require.NoError(t, err)
	g.setStatus(StatusRunning, StatusSwapped)

	// THEN each distinct block moved once and is still shared
	assert.Len(t, mapping, 2)
	assert.Equal(t, 10, bm.NumFreeGPUBlocks())
	assert.Equal(t, 8, bm.NumFreeCPUBlocks())
	assert.Equal(t, g.Seqs[0].BlockTable, g.Seqs[1].BlockTable)
	for _, id := range g.Seqs[0].BlockTable {
		assert.Equal(t, 2, bm.cpu.Block(id).RefCount)
	}
	assertConservation(t, bm, g.Seqs...)

	// WHEN it is swapped back in
	require.True(t, bm.CanSwapIn(g))
	mapping, err = bm.SwapIn(g)
	require.NoError(t, err)
	g.setStatus(StatusSwapped, StatusRunning)

	// THEN the cpu pool is empty again and sharing survived the round trip
	assert.Len(t, mapping, 2)
	assert.Equal(t, 8, bm.NumFreeGPUBlocks())
	assert.Equal(t, 10, bm.NumFreeCPUBlocks())
	assert.Equal(t, g.Seqs[0].BlockTable, g.Seqs[1].BlockTable)
	assertConservation(t, bm, g.Seqs...)

	for _, seq := range g.Seqs {
		bm.Free(seq)
	}
	assert.NoError(t, bm.CheckReclaimed())
}

func TestBlockManagerSwapOut_CPUPoolTooSmall(t *testing.T) {
	bm := NewBlockManager(10, 1, 4)
	g := NewSequenceGroup("r", seqTokens(6), NewSamplingParams(), 4)
	require.NoError(t, bm.AllocateGroup(g))
	g.setStatus(StatusWaiting, StatusRunning)
	table := append([]int(nil), g.Seqs[0].BlockTable...)

	assert.False(t, bm.CanSwapOut(g))
	_, err := bm.SwapOut(g)

	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, table, g.Seqs[0].BlockTable)
	assert.Equal(t, DeviceGPU, g.Seqs[0].blockDevice)
	assert.Equal(t, 1, bm.NumFreeCPUBlocks())
}

func TestBlockManagerCheckReclaimed(t *testing.T) {
	bm := NewBlockManager(4, 0, 4)
	seq := NewSequence(seqTokens(3), 4)
	require.NoError(t, bm.AllocateSequence(seq))

	assert.ErrorIs(t, bm.CheckReclaimed(), ErrNotReclaimed)

	bm.Free(seq)
	assert.NoError(t, bm.CheckReclaimed())
}
