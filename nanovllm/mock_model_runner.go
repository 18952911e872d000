package nanovllm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultMockVocab = 32000

// MockModelRunner simulates a paged kv cache executor. It keeps one slot
// per cached token on each device, applies swaps and copies, and samples
// deterministically from the kv contents it reads back. A pass that reads
// a slot it never wrote, or one holding the wrong token, fails, so block
// table bookkeeping errors surface as execution failures.
type MockModelRunner struct {
	mu        sync.Mutex
	blockSize int
	gpu       []int
	cpu       []int
	pending   map[int64][]int
	passes    int

	// Vocab bounds sampled token ids.
	Vocab int
	// ForwardHook runs before each pass; an error fails the pass.
	ForwardHook func(batch *ForwardBatch) error
	// FetchHook runs in Fetch; an error fails the fetch.
	FetchHook func(batch *ForwardBatch) error
}

// NewMockModelRunner creates a new mock model runner sized to config's pools.
func NewMockModelRunner(config *Config) *MockModelRunner {
	m := &MockModelRunner{
		blockSize: config.KVCacheBlockSize,
		gpu:       make([]int, config.NumGPUBlocks()*config.KVCacheBlockSize),
		cpu:       make([]int, config.NumCPUBlocks*config.KVCacheBlockSize),
		pending:   make(map[int64][]int),
		Vocab:     defaultMockVocab,
	}
	for i := range m.gpu {
		m.gpu[i] = -1
	}
	for i := range m.cpu {
		m.cpu[i] = -1
	}
	return m
}

// NumPasses returns the number of forward passes executed.
func (m *MockModelRunner) NumPasses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passes
}

type mockPendingStep struct {
	runner *MockModelRunner
	batch  *ForwardBatch
	output *StepOutput
}

func (p *mockPendingStep) Fetch(ctx context.Context) (*StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook := p.runner.FetchHook; hook != nil {
		if err := hook(p.batch); err != nil {
			return nil, err
		}
	}
	return p.output, nil
}

// Forward runs one pass. The results are held until Fetch.
func (m *MockModelRunner) Forward(ctx context.Context, batch *ForwardBatch) (PendingStep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ForwardHook != nil {
		if err := m.ForwardHook(batch); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.passes++

	for gpuID, cpuID := range batch.BlocksToSwapOut {
		m.copyBlock(m.cpu, cpuID, m.gpu, gpuID)
	}
	for _, c := range batch.BlocksToCopy {
		m.copyBlock(m.gpu, c.Dst, m.gpu, c.Src)
	}
	for cpuID, gpuID := range batch.BlocksToSwapIn {
		m.copyBlock(m.gpu, gpuID, m.cpu, cpuID)
	}

	out := &StepOutput{Outputs: make([]SequenceOutput, 0, len(batch.Seqs))}
	for _, seq := range batch.Seqs {
		o, err := m.run(seq)
		if err != nil {
			return nil, fmt.Errorf("step %d seq %d: %w", batch.Step, seq.SeqID, err)
		}
		out.Outputs = append(out.Outputs, o)
	}
	return &mockPendingStep{runner: m, batch: batch, output: out}, nil
}

func (m *MockModelRunner) copyBlock(dst []int, dstID int, src []int, srcID int) {
	copy(dst[dstID*m.blockSize:(dstID+1)*m.blockSize], src[srcID*m.blockSize:(srcID+1)*m.blockSize])
}

func (m *MockModelRunner) slot(table []int, pos int) (int, error) {
	idx := pos / m.blockSize
	if idx >= len(table) {
		return 0, fmt.Errorf("position %d has no reserved block (table has %d)", pos, len(table))
	}
	blockID := table[idx]
	if blockID < 0 || (blockID+1)*m.blockSize > len(m.gpu) {
		return 0, fmt.Errorf("block %d out of range", blockID)
	}
	return blockID*m.blockSize + pos%m.blockSize, nil
}

func (m *MockModelRunner) run(seq *ForwardSeq) (SequenceOutput, error) {
	if seq.NumPendingTokens == 0 {
		delete(m.pending, seq.SeqID)
	}
	pending := m.pending[seq.SeqID]
	if len(pending) < seq.NumPendingTokens {
		return SequenceOutput{}, fmt.Errorf("%d pending tokens requested, device holds %d", seq.NumPendingTokens, len(pending))
	}
	pending = pending[:seq.NumPendingTokens]

	history := make([]int, 0, seq.NumTokens())
	history = append(history, seq.TokenIDs...)
	history = append(history, pending...)

	for pos := seq.NumComputedTokens; pos < len(history); pos++ {
		s, err := m.slot(seq.BlockTable, pos)
		if err != nil {
			return SequenceOutput{}, err
		}
		m.gpu[s] = history[pos]
	}

	h := xxhash.New()
	buf := make([]byte, 8)
	for pos, want := range history {
		s, err := m.slot(seq.BlockTable, pos)
		if err != nil {
			return SequenceOutput{}, err
		}
		got := m.gpu[s]
		if got < 0 {
			return SequenceOutput{}, fmt.Errorf("position %d read before it was written", pos)
		}
		if got != want {
			return SequenceOutput{}, fmt.Errorf("position %d holds token %d, want %d", pos, got, want)
		}
		binary.LittleEndian.PutUint64(buf, uint64(got))
		h.Write(buf)
	}
	binary.LittleEndian.PutUint64(buf, seq.Seed)
	h.Write(buf)
	if seq.Temperature > 0 {
		binary.LittleEndian.PutUint64(buf, uint64(seq.SampleIndex))
		h.Write(buf)
	}
	sum := h.Sum64()

	tokenID := int(sum % uint64(m.Vocab))
	out := SequenceOutput{
		SeqID:   seq.SeqID,
		TokenID: tokenID,
		LogProb: mockLogProb(sum),
	}
	if seq.NumLogProbs > 0 {
		out.TopLogProbs = make(map[int]float64, seq.NumLogProbs)
		out.TopLogProbs[tokenID] = out.LogProb
		for i := 1; len(out.TopLogProbs) < seq.NumLogProbs && i < m.Vocab; i++ {
			out.TopLogProbs[(tokenID+i)%m.Vocab] = out.LogProb - float64(i)
		}
	}
	if seq.NumPromptLogProbs > 0 {
		// One entry per prompt token after the first, which has no prefix
		// to condition on.
		out.PromptLogProbs = make([]float64, 0, len(seq.TokenIDs))
		ph := xxhash.New()
		for i, tok := range seq.TokenIDs {
			binary.LittleEndian.PutUint64(buf, uint64(tok))
			ph.Write(buf)
			if i > 0 {
				out.PromptLogProbs = append(out.PromptLogProbs, mockLogProb(ph.Sum64()))
			}
		}
	}

	m.pending[seq.SeqID] = append(pending, tokenID)
	return out, nil
}

func mockLogProb(sum uint64) float64 {
	return -float64((sum>>32)%1000) / 100
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[int64][]int)
	return nil
}
