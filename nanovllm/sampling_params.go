package nanovllm

import "fmt"

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	// N is the number of sequences generated from one prompt. They share
	// the prompt's kv cache blocks until their outputs diverge.
	N           int
	Temperature float64
	Seed        uint64
	MaxTokens   int
	IgnoreEOS   bool

	// StopTokenIDs finish a sequence as soon as one of them is sampled.
	StopTokenIDs []int
	// StopSequences finish a sequence when its output ends with one of them.
	StopSequences [][]int

	// LogProbs is the number of top log-probabilities returned per token.
	LogProbs int
	// PromptLogProbs requests log-probabilities for prompt tokens.
	PromptLogProbs int
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		N:           1,
		Temperature: 1.0,
		MaxTokens:   64,
		IgnoreEOS:   false,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		panic(err)
	}

	return sp
}

// validate checks if the sampling parameters are valid
func (sp *SamplingParams) validate() error {
	if sp.N < 1 {
		return fmt.Errorf("n must be >= 1, got %d", sp.N)
	}
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %v", sp.Temperature)
	}
	if sp.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1, got %d", sp.MaxTokens)
	}
	if sp.LogProbs < 0 || sp.PromptLogProbs < 0 {
		return fmt.Errorf("logprobs and prompt_logprobs must be >= 0")
	}
	for _, stop := range sp.StopSequences {
		if len(stop) == 0 {
			return fmt.Errorf("stop sequences must not be empty")
		}
	}
	return nil
}

// WithN sets the number of parallel samples
func WithN(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.N = n
	}
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithSeed sets the sampling seed
func WithSeed(seed uint64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Seed = seed
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}

// WithStopTokenIDs sets token ids that end generation
func WithStopTokenIDs(ids ...int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.StopTokenIDs = ids
	}
}

// WithStopSequences sets token sequences that end generation
func WithStopSequences(seqs ...[]int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.StopSequences = seqs
	}
}

// WithLogProbs sets the number of top log-probabilities per generated token
func WithLogProbs(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.LogProbs = n
	}
}

// WithPromptLogProbs sets the number of log-probabilities per prompt token
func WithPromptLogProbs(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.PromptLogProbs = n
	}
}
