package nanovllm

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// AllocStatus is the outcome of a feasibility check.
type AllocStatus int

const (
	// AllocOK means the blocks can be allocated now.
	AllocOK AllocStatus = iota
	// AllocLater means the blocks will fit once others are freed.
	AllocLater
	// AllocNever means the request does not fit even in an empty pool.
	AllocNever
)

// BlockCopy is a copy-on-write the runner must apply before writing to Dst.
type BlockCopy struct {
	Src int
	Dst int
}

// BlockManager manages the GPU and CPU block pools and the block tables
// that reference them. It is not safe for concurrent use; the scheduler
// goroutine owns it.
type BlockManager struct {
	blockSize           int
	gpu                 *BlockPool
	cpu                 *BlockPool
	watermarkBlocks     int
	enablePrefixCaching bool
}

// NewBlockManager creates a new block manager
func NewBlockManager(numGPUBlocks, numCPUBlocks, blockSize int) *BlockManager {
	return &BlockManager{
		blockSize: blockSize,
		gpu:       newBlockPool(DeviceGPU, numGPUBlocks),
		cpu:       newBlockPool(DeviceCPU, numCPUBlocks),
	}
}

func newBlockManagerFromConfig(c *Config) *BlockManager {
	numBlocks := c.NumGPUBlocks()
	bm := NewBlockManager(numBlocks, c.NumCPUBlocks, c.KVCacheBlockSize)
	bm.watermarkBlocks = int(c.Watermark * float64(numBlocks))
	bm.enablePrefixCaching = c.EnablePrefixCaching
	return bm
}

// ComputeHash computes the hash of token IDs with an optional prefix hash
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()

	if prefixHash != 0 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, prefixHash)
		h.Write(buf)
	}

	for _, tokenID := range tokenIDs {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(tokenID))
		h.Write(buf)
	}

	return h.Sum64()
}

// BlockSize returns the number of tokens per block.
func (bm *BlockManager) BlockSize() int { return bm.blockSize }

// NumGPUBlocks returns the GPU pool capacity.
func (bm *BlockManager) NumGPUBlocks() int { return bm.gpu.NumBlocks() }

// NumCPUBlocks returns the CPU pool capacity.
func (bm *BlockManager) NumCPUBlocks() int { return bm.cpu.NumBlocks() }

// NumFreeGPUBlocks returns the number of unreferenced GPU blocks.
func (bm *BlockManager) NumFreeGPUBlocks() int { return bm.gpu.NumFree() }

// NumFreeCPUBlocks returns the number of unreferenced CPU blocks.
func (bm *BlockManager) NumFreeCPUBlocks() int { return bm.cpu.NumFree() }

// Pool returns the pool for a device.
func (bm *BlockManager) Pool(d Device) *BlockPool {
	if d == DeviceCPU {
		return bm.cpu
	}
	return bm.gpu
}

// CanAllocate checks whether n blocks can be handed out without dipping into the watermark.
func (bm *BlockManager) CanAllocate(n int) bool {
	return bm.gpu.NumFree()-n >= bm.watermarkBlocks
}

// Feasibility classifies an allocation of n blocks.
func (bm *BlockManager) Feasibility(n int) AllocStatus {
	if bm.gpu.NumBlocks()-n < bm.watermarkBlocks {
		return AllocNever
	}
	if bm.CanAllocate(n) {
		return AllocOK
	}
	return AllocLater
}

// Allocate reserves n GPU blocks. It either returns all of them or none.
func (bm *BlockManager) Allocate(n int) ([]int, error) {
	if bm.gpu.NumFree() < n {
		return nil, fmt.Errorf("need %d blocks, %d free: %w", n, bm.gpu.NumFree(), ErrOutOfMemory)
	}
	ids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		block, err := bm.gpu.allocate()
		if err != nil {
			panic(err)
		}
		ids = append(ids, block.BlockID)
	}
	return ids, nil
}

// cachedPrefix returns the ids of leading full blocks of seq already in
// the prefix cache.
func (bm *BlockManager) cachedPrefix(seq *Sequence) []int {
	if !bm.enablePrefixCaching {
		return nil
	}
	var ids []int
	var h uint64
	for i := 0; i < seq.NumBlocks(); i++ {
		tokenIDs := seq.Block(i)
		if len(tokenIDs) < bm.blockSize {
			break
		}
		h = bm.ComputeHash(tokenIDs, h)
		blockID, ok := bm.gpu.lookup(h, tokenIDs)
		if !ok {
			break
		}
		ids = append(ids, blockID)
	}
	return ids
}

// numNewBlocks is the number of free GPU blocks allocating seq consumes.
// Cache hits on blocks still in use cost nothing; hits on free cached
// blocks take a block off the free list.
func (bm *BlockManager) numNewBlocks(seq *Sequence) int {
	cached := bm.cachedPrefix(seq)
	n := seq.NumBlocks()
	for _, blockID := range cached {
		if bm.gpu.Block(blockID).RefCount > 0 {
			n--
		}
	}
	return n
}

// NumBlocksToAllocate returns how many free GPU blocks admitting g consumes.
func (bm *BlockManager) NumBlocksToAllocate(g *SequenceGroup) int {
	live := g.Unfinished()
	if len(live) == 0 {
		return 0
	}
	if g.isFresh() {
		return bm.numNewBlocks(live[0])
	}
	total := 0
	for _, seq := range live {
		total += bm.numNewBlocks(seq)
	}
	return total
}

// AllocateSequence builds seq's block table for its current tokens.
func (bm *BlockManager) AllocateSequence(seq *Sequence) error {
	if len(seq.BlockTable) > 0 {
		panic("sequence already has blocks allocated")
	}
	if need := bm.numNewBlocks(seq); need > bm.gpu.NumFree() {
		return fmt.Errorf("seq %d needs %d blocks, %d free: %w", seq.SeqID, need, bm.gpu.NumFree(), ErrOutOfMemory)
	}

	cached := bm.cachedPrefix(seq)
	for _, blockID := range cached {
		if bm.gpu.Block(blockID).RefCount > 0 {
			bm.gpu.incRef(blockID)
		} else {
			bm.gpu.revive(blockID)
		}
		seq.BlockTable = append(seq.BlockTable, blockID)
	}
	seq.NumCachedTokens = len(cached) * bm.blockSize
	// The last prompt token is always recomputed so there is something to sample from.
	if seq.NumCachedTokens >= seq.Len() {
		seq.NumCachedTokens = seq.Len() - 1
	}
	seq.NumComputedTokens = seq.NumCachedTokens

	for i := len(cached); i < seq.NumBlocks(); i++ {
		block, err := bm.gpu.allocate()
		if err != nil {
			panic(err)
		}
		seq.BlockTable = append(seq.BlockTable, block.BlockID)
	}
	seq.blockDevice = DeviceGPU
	return nil
}

// AllocateGroup allocates block tables for every unfinished sequence of g.
// Fresh groups allocate the prompt once and fork it into the siblings.
func (bm *BlockManager) AllocateGroup(g *SequenceGroup) error {
	live := g.Unfinished()
	if len(live) == 0 {
		return nil
	}
	if need := bm.NumBlocksToAllocate(g); need > bm.gpu.NumFree() {
		return fmt.Errorf("group %s needs %d blocks, %d free: %w", g.RequestID, need, bm.gpu.NumFree(), ErrOutOfMemory)
	}
	if g.isFresh() {
		if err := bm.AllocateSequence(live[0]); err != nil {
			return err
		}
		for _, child := range live[1:] {
			bm.Fork(live[0], child)
			// siblings only sample from the prompt the first sequence computes
			child.NumCachedTokens = live[0].NumCachedTokens
			child.NumComputedTokens = child.Len()
		}
		return nil
	}
	for _, seq := range live {
		if err := bm.AllocateSequence(seq); err != nil {
			panic(err)
		}
	}
	return nil
}

// Fork makes child share every block of parent.
func (bm *BlockManager) Fork(parent, child *Sequence) {
	if len(child.BlockTable) > 0 {
		panic("fork target already has blocks allocated")
	}
	pool := bm.Pool(parent.blockDevice)
	child.BlockTable = make([]int, len(parent.BlockTable))
	copy(child.BlockTable, parent.BlockTable)
	for _, blockID := range child.BlockTable {
		pool.incRef(blockID)
	}
	child.blockDevice = parent.blockDevice
}

// writeBlock returns the table index of the block the next pass of seq
// writes to: the block holding position Len+inflight-1.
func (bm *BlockManager) writeBlock(seq *Sequence) int {
	return (seq.Len() + seq.inflight - 1) / bm.blockSize
}

// numAppendBlocks counts the fresh blocks AppendSlot takes for the running
// sequences of g. Siblings writing into the same shared block copy it until
// the last holder, which keeps it.
func (bm *BlockManager) numAppendBlocks(g *SequenceGroup) int {
	need := 0
	writers := make(map[int]int)
	for _, seq := range g.SeqsWithStatus(StatusRunning) {
		idx := bm.writeBlock(seq)
		if idx >= len(seq.BlockTable) {
			need += idx - len(seq.BlockTable) + 1
			continue
		}
		if blockID := seq.BlockTable[idx]; bm.gpu.Block(blockID).RefCount > 1 {
			writers[blockID]++
		}
	}
	for blockID, n := range writers {
		if rc := bm.gpu.Block(blockID).RefCount; n >= rc {
			n = rc - 1
		}
		need += n
	}
	return need
}

// CanAppendSlots checks whether every running sequence of g can take one more token.
func (bm *BlockManager) CanAppendSlots(g *SequenceGroup) bool {
	return bm.numAppendBlocks(g) <= bm.gpu.NumFree()
}

// AppendSlot reserves room for the next token of seq. A table that ends
// before the write position grows by one block; a shared block at the
// write position is copied first and the copy is returned so the runner
// can duplicate its contents.
func (bm *BlockManager) AppendSlot(seq *Sequence) (*BlockCopy, error) {
	idx := bm.writeBlock(seq)
	for len(seq.BlockTable) <= idx {
		block, err := bm.gpu.allocate()
		if err != nil {
			return nil, err
		}
		seq.BlockTable = append(seq.BlockTable, block.BlockID)
	}

	src := seq.BlockTable[idx]
	if bm.gpu.Block(src).RefCount == 1 {
		return nil, nil
	}

	block, err := bm.gpu.allocate()
	if err != nil {
		return nil, err
	}
	bm.gpu.release(src)
	seq.BlockTable[idx] = block.BlockID
	return &BlockCopy{Src: src, Dst: block.BlockID}, nil
}

// UpdateHashes registers in the prefix cache every full block of seq whose
// positions are all computed.
func (bm *BlockManager) UpdateHashes(seq *Sequence) {
	if !bm.enablePrefixCaching || seq.blockDevice != DeviceGPU {
		return
	}
	var prefixHash uint64
	numFull := seq.NumComputedTokens / bm.blockSize
	if numFull > len(seq.BlockTable) {
		numFull = len(seq.BlockTable)
	}
	for i := 0; i < numFull; i++ {
		block := bm.gpu.Block(seq.BlockTable[i])
		if block.Hash == 0 {
			tokenIDs := seq.Block(i)
			bm.gpu.register(block, bm.ComputeHash(tokenIDs, prefixHash), tokenIDs)
		}
		prefixHash = block.Hash
	}
}

// Free drops seq's references to its blocks. Blocks reaching zero return
// to the free list immediately.
func (bm *BlockManager) Free(seq *Sequence) {
	pool := bm.Pool(seq.blockDevice)
	// Deallocate in reverse order
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		pool.release(seq.BlockTable[i])
	}

	seq.NumCachedTokens = 0
	seq.BlockTable = seq.BlockTable[:0]
	seq.blockDevice = DeviceGPU
}

// distinctBlocks counts the distinct blocks referenced by seqs.
func distinctBlocks(seqs []*Sequence) int {
	seen := make(map[int]struct{})
	for _, seq := range seqs {
		for _, blockID := range seq.BlockTable {
			seen[blockID] = struct{}{}
		}
	}
	return len(seen)
}

// CanSwapOut checks whether the CPU pool can hold g's running sequences.
func (bm *BlockManager) CanSwapOut(g *SequenceGroup) bool {
	return distinctBlocks(g.SeqsWithStatus(StatusRunning)) <= bm.cpu.NumFree()
}

// CanSwapIn checks whether g's swapped sequences fit back on the GPU with
// one slot each for their next token.
func (bm *BlockManager) CanSwapIn(g *SequenceGroup) bool {
	swapped := g.SeqsWithStatus(StatusSwapped)
	need := distinctBlocks(swapped) + len(swapped)
	return bm.gpu.NumFree()-need >= bm.watermarkBlocks
}

// SwapOut moves the block tables of g's running sequences to the CPU pool
// and returns the GPU to CPU block mapping.
func (bm *BlockManager) SwapOut(g *SequenceGroup) (map[int]int, error) {
	seqs := g.SeqsWithStatus(StatusRunning)
	if !bm.CanSwapOut(g) {
		return nil, fmt.Errorf("swap out %s: %w", g.RequestID, ErrOutOfMemory)
	}
	mapping := bm.move(seqs, bm.gpu, bm.cpu)
	for _, seq := range seqs {
		seq.blockDevice = DeviceCPU
	}
	return mapping, nil
}

// SwapIn moves g's swapped block tables back to the GPU pool and returns
// the CPU to GPU block mapping.
func (bm *BlockManager) SwapIn(g *SequenceGroup) (map[int]int, error) {
	seqs := g.SeqsWithStatus(StatusSwapped)
	if distinctBlocks(seqs) > bm.gpu.NumFree() {
		return nil, fmt.Errorf("swap in %s: %w", g.RequestID, ErrOutOfMemory)
	}
	mapping := bm.move(seqs, bm.cpu, bm.gpu)
	for _, seq := range seqs {
		seq.blockDevice = DeviceGPU
	}
	return mapping, nil
}

// move rewrites the tables of seqs from src to dst. Blocks shared inside
// the group stay shared: each source block maps to exactly one
// destination block carrying the same number of references.
func (bm *BlockManager) move(seqs []*Sequence, src, dst *BlockPool) map[int]int {
	mapping := make(map[int]int)
	for _, seq := range seqs {
		for i, srcID := range seq.BlockTable {
			dstID, ok := mapping[srcID]
			if ok {
				dst.incRef(dstID)
			} else {
				block, err := dst.allocate()
				if err != nil {
					panic(err)
				}
				dstID = block.BlockID
				mapping[srcID] = dstID
			}
			src.release(srcID)
			seq.BlockTable[i] = dstID
		}
	}
	return mapping
}

// CheckReclaimed verifies that no block in either pool is referenced.
func (bm *BlockManager) CheckReclaimed() error {
	if bm.gpu.NumFree() != bm.gpu.NumBlocks() || bm.cpu.NumFree() != bm.cpu.NumBlocks() {
		return fmt.Errorf("%d/%d gpu and %d/%d cpu blocks still referenced: %w",
			bm.gpu.NumBlocks()-bm.gpu.NumFree(), bm.gpu.NumBlocks(),
			bm.cpu.NumBlocks()-bm.cpu.NumFree(), bm.cpu.NumBlocks(), ErrNotReclaimed)
	}
	return nil
}
