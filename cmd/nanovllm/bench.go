package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"nano-vllm-core/nanovllm"
)

var (
	numRequests  int
	minInputLen  int
	maxInputLen  int
	minOutputLen int
	maxOutputLen int
	workloadSeed int64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a random token workload and report throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		engine, err := nanovllm.NewLLMEngine(config, nanovllm.NewMockModelRunner(config))
		if err != nil {
			return err
		}

		fmt.Printf("Configuration:\n")
		fmt.Printf("  Number of requests: %d\n", numRequests)
		fmt.Printf("  Input length: %d-%d tokens\n", minInputLen, maxInputLen)
		fmt.Printf("  Output length: %d-%d tokens\n", minOutputLen, maxOutputLen)
		fmt.Printf("  KV cache: %d GPU blocks, %d CPU blocks of %d tokens\n",
			config.NumGPUBlocks(), config.NumCPUBlocks, config.KVCacheBlockSize)
		fmt.Printf("  Scheduler steps: %d\n", config.NumSchedulerSteps)
		fmt.Println()

		rng := rand.New(rand.NewSource(workloadSeed))
		for i := 0; i < numRequests; i++ {
			inputLen := minInputLen + rng.Intn(maxInputLen-minInputLen+1)
			outputLen := minOutputLen + rng.Intn(maxOutputLen-minOutputLen+1)

			tokens := make([]int, inputLen)
			for j := range tokens {
				tokens[j] = rng.Intn(32000)
			}
			_, err := engine.Submit(&nanovllm.Request{
				PromptTokenIDs: tokens,
				Params: nanovllm.NewSamplingParams(
					nanovllm.WithTemperature(temperature),
					nanovllm.WithMaxTokens(outputLen),
					nanovllm.WithSeed(seed),
					nanovllm.WithIgnoreEOS(true),
				),
			})
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
		}

		var bar *progressbar.ProgressBar
		if showProgress {
			bar = progressbar.NewOptions(numRequests,
				progressbar.OptionSetDescription("Benchmarking"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
			)
		}

		startTime := time.Now()
		failed := 0
		for engine.HasPendingWork() {
			outs, err := engine.Step(cmd.Context())
			if err != nil {
				fmt.Printf("step failed: %v\n", err)
			}
			for _, out := range outs {
				if !out.Finished {
					continue
				}
				if out.Err != nil {
					failed++
				}
				if bar != nil {
					bar.Add(1)
				}
			}
		}
		elapsed := time.Since(startTime).Seconds()
		if bar != nil {
			bar.Finish()
		}

		stats := engine.Stats()
		if err := engine.Close(); err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Benchmark Results:")
		fmt.Println("==================")
		fmt.Printf("Total requests: %d (%d failed)\n", numRequests, failed)
		fmt.Printf("Total output tokens: %d\n", stats.GeneratedTokens)
		fmt.Printf("Time elapsed: %.2f seconds\n", elapsed)
		fmt.Printf("Throughput: %.2f tokens/sec\n", float64(stats.GeneratedTokens)/elapsed)
		fmt.Printf("Ticks: %d, windows: %d, forward passes: %d\n", stats.Ticks, stats.Windows, stats.SubSteps)
		fmt.Printf("Preemptions: %d, stalls: %d\n", stats.Preemptions, stats.Stalls)
		return nil
	},
}

func init() {
	benchCmd.Flags().IntVar(&numRequests, "num-requests", 256, "Number of requests")
	benchCmd.Flags().IntVar(&minInputLen, "min-input-len", 100, "Minimum prompt length")
	benchCmd.Flags().IntVar(&maxInputLen, "max-input-len", 1024, "Maximum prompt length")
	benchCmd.Flags().IntVar(&minOutputLen, "min-output-len", 100, "Minimum completion length")
	benchCmd.Flags().IntVar(&maxOutputLen, "max-output-len", 1024, "Maximum completion length")
	benchCmd.Flags().Int64Var(&workloadSeed, "workload-seed", 42, "Seed for the random workload")
}
