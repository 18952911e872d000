package nanovllm

import "context"

// ForwardSeq describes one sequence in a forward pass.
type ForwardSeq struct {
	SeqID       int64
	RequestID   string
	SampleIndex int
	Seed        uint64
	Temperature float64

	// TokenIDs is the host-known token history.
	TokenIDs []int
	// NumPendingTokens counts tokens the runner sampled earlier in the
	// window that are not in TokenIDs yet. They are fed from the device.
	NumPendingTokens int
	// NumComputedTokens is the number of leading positions whose kv
	// entries are already present in BlockTable.
	NumComputedTokens int
	BlockTable        []int

	NumLogProbs       int
	NumPromptLogProbs int
}

// NumTokens returns the length of the history the pass conditions on.
func (s *ForwardSeq) NumTokens() int {
	return len(s.TokenIDs) + s.NumPendingTokens
}

// ForwardBatch is one sub-step of an execution window. The runner applies
// block operations in order: swap out, copy, swap in, then compute.
type ForwardBatch struct {
	Step int
	Seqs []*ForwardSeq

	BlocksToSwapOut map[int]int
	BlocksToSwapIn  map[int]int
	BlocksToCopy    []BlockCopy
}

// SequenceOutput is the sampling result for one sequence.
type SequenceOutput struct {
	SeqID          int64
	TokenID        int
	LogProb        float64
	TopLogProbs    map[int]float64
	PromptLogProbs []float64
}

// StepOutput is the result of one forward pass.
type StepOutput struct {
	Outputs []SequenceOutput
}

// PendingStep is a forward pass whose results are still on the device.
type PendingStep interface {
	// Fetch blocks until the pass has finished and copies its results to the host.
	Fetch(ctx context.Context) (*StepOutput, error)
}

// ModelRunner is an interface for running model inference
// This can be implemented using various backends:
// - CGo bindings to PyTorch/ONNX
// - HTTP/gRPC calls to inference servers
// - Custom CUDA kernels
type ModelRunner interface {
	// Forward enqueues one pass over the batch and returns without waiting for it.
	Forward(ctx context.Context, batch *ForwardBatch) (PendingStep, error)

	// Close cleans up resources
	Close() error
}
