package nanovllm

import (
	"fmt"
	"sync/atomic"
	"time"
)

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusSwapped
	StatusFinishedStopped
	StatusFinishedLength
	StatusFinishedAborted
)

var statusNames = [...]string{
	StatusWaiting:         "WAITING",
	StatusRunning:         "RUNNING",
	StatusSwapped:         "SWAPPED",
	StatusFinishedStopped: "FINISHED_STOPPED",
	StatusFinishedLength:  "FINISHED_LENGTH",
	StatusFinishedAborted: "FINISHED_ABORTED",
}

func (s SequenceStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("SequenceStatus(%d)", int(s))
}

// IsFinished reports whether s is one of the terminal states.
func (s SequenceStatus) IsFinished() bool {
	return s >= StatusFinishedStopped
}

// FinishReason returns the client facing reason for a terminal status.
func (s SequenceStatus) FinishReason() string {
	switch s {
	case StatusFinishedStopped:
		return "stop"
	case StatusFinishedLength:
		return "length"
	case StatusFinishedAborted:
		return "abort"
	}
	return ""
}

// Sequence represents a single generation thread of a request
type Sequence struct {
	SeqID           int64
	RequestID       string
	Index           int
	Status          SequenceStatus
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	NumCachedTokens int
	BlockTable      []int
	BlockSize       int

	// NumComputedTokens counts tokens whose kv entries are in the cache.
	NumComputedTokens int

	CumulativeLogProb float64
	LogProbs          []float64
	TopLogProbs       []map[int]float64

	// inflight counts tokens issued to the runner in the current window
	// whose values are not on the host yet.
	inflight    int
	blockDevice Device
}

var seqCounter int64 = 0

// NewSequence creates a new sequence from prompt token IDs
func NewSequence(tokenIDs []int, blockSize int) *Sequence {
	seqID := atomic.AddInt64(&seqCounter, 1) - 1

	// Make a copy of token IDs
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	lastToken := -1
	if len(tokens) > 0 {
		lastToken = tokens[len(tokens)-1]
	}

	return &Sequence{
		SeqID:           seqID,
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		LastToken:       lastToken,
		NumTokens:       len(tokens),
		NumPromptTokens: len(tokens),
		NumCachedTokens: 0,
		BlockTable:      make([]int, 0),
		BlockSize:       blockSize,
	}
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence has finished generating
func (s *Sequence) IsFinished() bool {
	return s.Status.IsFinished()
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumCachedBlocks returns the number of cached blocks
func (s *Sequence) NumCachedBlocks() int {
	return s.NumCachedTokens / s.BlockSize
}

// NumBlocks returns the total number of blocks needed
func (s *Sequence) NumBlocks() int {
	return blocksFor(s.NumTokens, s.BlockSize)
}

// LastBlockNumTokens returns the number of tokens in the last block
func (s *Sequence) LastBlockNumTokens() int {
	return s.NumTokens - (s.NumBlocks()-1)*s.BlockSize
}

// Block returns the tokens in the i-th block
func (s *Sequence) Block(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	start := i * s.BlockSize
	end := (i + 1) * s.BlockSize
	if end > len(s.TokenIDs) {
		end = len(s.TokenIDs)
	}
	return s.TokenIDs[start:end]
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int, logProb float64) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
	s.CumulativeLogProb += logProb
	s.LogProbs = append(s.LogProbs, logProb)
}

// IsPrefill reports whether more than the last token still needs its kv computed.
func (s *Sequence) IsPrefill() bool {
	return s.NumComputedTokens < s.NumTokens-1
}

// resetForRecompute drops computed state so the whole history is prefilled again.
func (s *Sequence) resetForRecompute() {
	s.NumComputedTokens = 0
	s.NumCachedTokens = 0
	s.inflight = 0
}

func blocksFor(numTokens, blockSize int) int {
	return (numTokens + blockSize - 1) / blockSize
}

var arrivalCounter uint64

// SequenceGroup is the set of sequences generated from one request.
// All sequences start from the same prompt and share its blocks.
type SequenceGroup struct {
	RequestID   string
	Seqs        []*Sequence
	Params      *SamplingParams
	Priority    int
	ArrivalTime time.Time

	PromptTokenIDs []int
	PromptLogProbs []float64

	arrival        uint64
	abortRequested bool
	err            error
}

// NewSequenceGroup creates params.N waiting sequences for one prompt.
func NewSequenceGroup(requestID string, prompt []int, params *SamplingParams, blockSize int) *SequenceGroup {
	n := params.N
	if n < 1 {
		n = 1
	}
	g := &SequenceGroup{
		RequestID:      requestID,
		Params:         params,
		ArrivalTime:    time.Now(),
		PromptTokenIDs: append([]int(nil), prompt...),
		arrival:        atomic.AddUint64(&arrivalCounter, 1),
	}
	for i := 0; i < n; i++ {
		seq := NewSequence(prompt, blockSize)
		seq.RequestID = requestID
		seq.Index = i
		g.Seqs = append(g.Seqs, seq)
	}
	return g
}

// SeqsWithStatus returns the group's sequences in the given status.
func (g *SequenceGroup) SeqsWithStatus(status SequenceStatus) []*Sequence {
	var out []*Sequence
	for _, seq := range g.Seqs {
		if seq.Status == status {
			out = append(out, seq)
		}
	}
	return out
}

// Unfinished returns the sequences that have not reached a terminal state.
func (g *SequenceGroup) Unfinished() []*Sequence {
	var out []*Sequence
	for _, seq := range g.Seqs {
		if !seq.IsFinished() {
			out = append(out, seq)
		}
	}
	return out
}

// IsFinished returns true once every sequence in the group is finished.
func (g *SequenceGroup) IsFinished() bool {
	for _, seq := range g.Seqs {
		if !seq.IsFinished() {
			return false
		}
	}
	return true
}

// Err returns the error that terminated the group, if any.
func (g *SequenceGroup) Err() error {
	return g.err
}

// isFresh reports whether no sequence has generated anything yet, so the
// prompt blocks can be allocated once and forked.
func (g *SequenceGroup) isFresh() bool {
	for _, seq := range g.Unfinished() {
		if seq.NumCompletionTokens() > 0 {
			return false
		}
	}
	return true
}

// numPrefillTokens is the token budget the group consumes when admitted.
func (g *SequenceGroup) numPrefillTokens() int {
	live := g.Unfinished()
	if len(live) == 0 {
		return 0
	}
	if g.isFresh() {
		return live[0].Len()
	}
	total := 0
	for _, seq := range live {
		total += seq.Len()
	}
	return total
}

func (g *SequenceGroup) setStatus(from, to SequenceStatus) {
	for _, seq := range g.Seqs {
		if seq.Status == from {
			seq.Status = to
		}
	}
}

func (g *SequenceGroup) String() string {
	return fmt.Sprintf("SequenceGroup(%s, seqs=%d, arrival=%d)", g.RequestID, len(g.Seqs), g.arrival)
}
