package nanovllm

import "fmt"

// Device identifies which pool a block lives in.
type Device int

const (
	DeviceGPU Device = iota
	DeviceCPU
)

func (d Device) String() string {
	if d == DeviceCPU {
		return "cpu"
	}
	return "gpu"
}

// Block represents a KV cache block
type Block struct {
	BlockID  int
	RefCount int
	Hash     uint64
	TokenIDs []int
	Device   Device
}

// NewBlock creates a new block
func NewBlock(blockID int, device Device) *Block {
	return &Block{
		BlockID:  blockID,
		RefCount: 0,
		Hash:     0,
		TokenIDs: make([]int, 0),
		Device:   device,
	}
}

// Update updates the block's hash and token IDs
func (b *Block) Update(hash uint64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = make([]int, len(tokenIDs))
	copy(b.TokenIDs, tokenIDs)
}

// Reset resets the block for reuse
func (b *Block) Reset() {
	b.RefCount = 1
	b.Hash = 0
	b.TokenIDs = make([]int, 0)
}

// BlockPool is a fixed arena of blocks on one device. Free blocks are kept
// in release order so that cached content is reused oldest-first.
type BlockPool struct {
	device        Device
	blocks        []*Block
	freeBlockIDs  []int
	hashToBlockID map[uint64]int
}

func newBlockPool(device Device, numBlocks int) *BlockPool {
	blocks := make([]*Block, numBlocks)
	freeBlockIDs := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = NewBlock(i, device)
		freeBlockIDs[i] = i
	}

	return &BlockPool{
		device:        device,
		blocks:        blocks,
		freeBlockIDs:  freeBlockIDs,
		hashToBlockID: make(map[uint64]int),
	}
}

// NumBlocks returns the pool capacity.
func (p *BlockPool) NumBlocks() int {
	return len(p.blocks)
}

// NumFree returns the number of blocks with no references.
func (p *BlockPool) NumFree() int {
	return len(p.freeBlockIDs)
}

// Block returns the block with the given id.
func (p *BlockPool) Block(blockID int) *Block {
	return p.blocks[blockID]
}

// allocate pops the oldest free block and drops whatever content it cached.
func (p *BlockPool) allocate() (*Block, error) {
	if len(p.freeBlockIDs) == 0 {
		return nil, fmt.Errorf("%s pool exhausted: %w", p.device, ErrOutOfMemory)
	}
	blockID := p.freeBlockIDs[0]
	p.freeBlockIDs = p.freeBlockIDs[1:]

	block := p.blocks[blockID]
	if block.RefCount != 0 {
		panic("block is already allocated")
	}
	if block.Hash != 0 {
		if id, ok := p.hashToBlockID[block.Hash]; ok && id == blockID {
			delete(p.hashToBlockID, block.Hash)
		}
	}
	block.Reset()
	return block, nil
}

// revive takes a free block that still holds cached content back into use.
func (p *BlockPool) revive(blockID int) *Block {
	block := p.blocks[blockID]
	if block.RefCount != 0 {
		panic("block is already allocated")
	}
	for i, id := range p.freeBlockIDs {
		if id == blockID {
			p.freeBlockIDs = append(p.freeBlockIDs[:i], p.freeBlockIDs[i+1:]...)
			break
		}
	}
	block.RefCount = 1
	return block
}

// incRef adds a reference to an allocated block.
func (p *BlockPool) incRef(blockID int) {
	block := p.blocks[blockID]
	if block.RefCount == 0 {
		panic("incRef on a free block")
	}
	block.RefCount++
}

// release drops one reference; the block is free again at zero.
func (p *BlockPool) release(blockID int) {
	block := p.blocks[blockID]
	if block.RefCount <= 0 {
		panic("block has no references")
	}
	block.RefCount--
	if block.RefCount == 0 {
		p.freeBlockIDs = append(p.freeBlockIDs, blockID)
	}
}

// lookup returns the cached block for a hash if its content still matches.
func (p *BlockPool) lookup(hash uint64, tokenIDs []int) (int, bool) {
	blockID, ok := p.hashToBlockID[hash]
	if !ok {
		return -1, false
	}
	cached := p.blocks[blockID].TokenIDs
	if len(cached) != len(tokenIDs) {
		return -1, false
	}
	for i, tid := range tokenIDs {
		if cached[i] != tid {
			return -1, false
		}
	}
	return blockID, true
}

func (p *BlockPool) register(block *Block, hash uint64, tokenIDs []int) {
	block.Update(hash, tokenIDs)
	p.hashToBlockID[hash] = block.BlockID
}
