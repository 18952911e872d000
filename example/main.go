package main

import (
	"context"
	"fmt"
	"log"

	"nano-vllm-core/nanovllm"
)

func main() {
	// Size the kv cache pool directly; a real deployment derives it from
	// device memory with WithDeviceMemory.
	config, err := nanovllm.NewConfig(
		nanovllm.WithMaxNumSeqs(512),
		nanovllm.WithMaxNumBatchedTokens(16384),
		nanovllm.WithNumKVCacheBlocks(1024),
		nanovllm.WithNumSchedulerSteps(4),
	)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Create LLM engine
	llm, err := nanovllm.NewLLM(config)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer llm.Close()

	// Set up sampling parameters
	samplingParams := nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(0.6),
		nanovllm.WithMaxTokens(256),
	)

	// Prompts to generate
	prompts := []string{
		"Hello, Nano-vLLM-Go!",
		"What is the meaning of life?",
		"Explain quantum computing in simple terms.",
	}

	fmt.Println("Starting generation...")
	fmt.Println()

	outputs, err := llm.Generate(context.Background(), prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	// Print results
	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		fmt.Printf("Output: %s\n", output.Text)
		fmt.Printf("Tokens: %d (%s)\n", len(output.TokenIDs), output.FinishReason)
	}

	stats := llm.Stats()
	fmt.Printf("\n%d windows, %d forward passes, %d preemptions\n", stats.Windows, stats.SubSteps, stats.Preemptions)
}
