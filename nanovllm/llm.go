package nanovllm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Output represents the output of a generation request
type Output struct {
	RequestID    string
	Text         string
	TokenIDs     []int
	FinishReason string
	Err          error
}

// LLM is the user-facing API for the inference engine
type LLM struct {
	*LLMEngine
	tokenizer Tokenizer
}

// NewLLM creates a new LLM backed by the mock tokenizer and runner
func NewLLM(config *Config) (*LLM, error) {
	if config.EOS == -1 {
		config.EOS = 2 // Default EOS token
	}
	return NewLLMWithComponents(config, NewMockModelRunner(config), NewMockTokenizer(config.EOS))
}

// NewLLMWithComponents creates a new LLM with custom components
func NewLLMWithComponents(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) (*LLM, error) {
	engine, err := NewLLMEngine(config, modelRunner)
	if err != nil {
		return nil, err
	}
	return &LLM{
		LLMEngine: engine,
		tokenizer: tokenizer,
	}, nil
}

// Generate runs every prompt to completion and returns the first sequence
// of each request in prompt order.
func (llm *LLM) Generate(ctx context.Context, prompts []string, samplingParams *SamplingParams, showProgress bool) ([]Output, error) {
	ids := make([]string, len(prompts))
	for i, prompt := range prompts {
		tokenIDs, err := llm.tokenizer.Encode(prompt)
		if err != nil {
			return nil, fmt.Errorf("failed to encode prompt %d: %w", i, err)
		}
		id, err := llm.Submit(&Request{PromptTokenIDs: tokenIDs, Params: samplingParams})
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		ids[i] = id
	}

	// Set up progress bar
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	finished := make(map[string]RequestOutput, len(prompts))
	for llm.HasPendingWork() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		tokensBefore := llm.Stats().GeneratedTokens
		outs, err := llm.Step(ctx)
		if err != nil && !errors.Is(err, ErrExecutionFailure) {
			return nil, err
		}
		if showProgress {
			tps := float64(llm.Stats().GeneratedTokens-tokensBefore) / time.Since(start).Seconds()
			bar.Describe(fmt.Sprintf("Generating [Decode: %dtok/s]", int(tps)))
		}
		for _, out := range outs {
			if !out.Finished {
				continue
			}
			finished[out.RequestID] = out
			if showProgress {
				bar.Add(1)
			}
		}
	}

	if showProgress {
		bar.Finish()
	}

	// Reconstruct outputs in order
	outputs := make([]Output, len(prompts))
	for i, id := range ids {
		res := finished[id]
		outputs[i] = Output{RequestID: id, Err: res.Err}
		if len(res.Outputs) == 0 {
			continue
		}
		first := res.Outputs[0]
		text, err := llm.tokenizer.Decode(first.TokenIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to decode tokens: %w", err)
		}
		outputs[i].Text = text
		outputs[i].TokenIDs = first.TokenIDs
		outputs[i].FinishReason = first.FinishReason
	}

	return outputs, nil
}
