// Command nanovllm drives the serving core against the simulated executor.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nano-vllm-core/nanovllm"
)

var (
	configPath          string
	logLevel            string
	maxNumSeqs          int
	maxNumBatchedTokens int
	maxModelLen         int
	blockSize           int
	numBlocks           int
	numCPUBlocks        int
	numSchedulerSteps   int
	preemptionMode      string
	watermark           float64
	prefixCaching       bool

	temperature  float64
	maxTokens    int
	seed         uint64
	numSamples   int
	ignoreEOS    bool
	showProgress bool
)

var rootCmd = &cobra.Command{
	Use:   "nanovllm",
	Short: "Paged kv cache scheduler and multi-step executor",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

// buildConfig layers the config file, if any, under explicitly set flags.
func buildConfig(cmd *cobra.Command) (*nanovllm.Config, error) {
	var opts []nanovllm.ConfigOption
	if configPath != "" {
		fc, err := nanovllm.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fc.Options()...)
	} else {
		opts = append(opts, nanovllm.WithNumKVCacheBlocks(numBlocks))
	}

	flags := cmd.Flags()
	if flags.Changed("max-num-seqs") {
		opts = append(opts, nanovllm.WithMaxNumSeqs(maxNumSeqs))
	}
	if flags.Changed("max-num-batched-tokens") {
		opts = append(opts, nanovllm.WithMaxNumBatchedTokens(maxNumBatchedTokens))
	}
	if flags.Changed("max-model-len") {
		opts = append(opts, nanovllm.WithMaxModelLen(maxModelLen))
	}
	if flags.Changed("block-size") {
		opts = append(opts, nanovllm.WithKVCacheBlockSize(blockSize))
	}
	if flags.Changed("num-blocks") {
		opts = append(opts, nanovllm.WithNumKVCacheBlocks(numBlocks))
	}
	if flags.Changed("num-cpu-blocks") {
		opts = append(opts, nanovllm.WithNumCPUBlocks(numCPUBlocks))
	}
	if flags.Changed("num-scheduler-steps") {
		opts = append(opts, nanovllm.WithNumSchedulerSteps(numSchedulerSteps))
	}
	if flags.Changed("preemption-mode") {
		opts = append(opts, nanovllm.WithPreemptionMode(nanovllm.PreemptionMode(preemptionMode)))
	}
	if flags.Changed("watermark") {
		opts = append(opts, nanovllm.WithWatermark(watermark))
	}
	if flags.Changed("prefix-caching") {
		opts = append(opts, nanovllm.WithPrefixCaching(prefixCaching))
	}
	return nanovllm.NewConfig(opts...)
}

func samplingParams() *nanovllm.SamplingParams {
	return nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(temperature),
		nanovllm.WithMaxTokens(maxTokens),
		nanovllm.WithSeed(seed),
		nanovllm.WithN(numSamples),
		nanovllm.WithIgnoreEOS(ignoreEOS),
	)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML engine config file")
	pf.StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	pf.IntVar(&maxNumSeqs, "max-num-seqs", 256, "Maximum number of sequences per batch")
	pf.IntVar(&maxNumBatchedTokens, "max-num-batched-tokens", 16384, "Maximum number of tokens per batch")
	pf.IntVar(&maxModelLen, "max-model-len", 4096, "Max sequence length (prompt + completion)")
	pf.IntVar(&blockSize, "block-size", 16, "Number of tokens per kv cache block")
	pf.IntVar(&numBlocks, "num-blocks", 4096, "Number of GPU kv cache blocks")
	pf.IntVar(&numCPUBlocks, "num-cpu-blocks", 0, "Number of CPU swap blocks")
	pf.IntVar(&numSchedulerSteps, "num-scheduler-steps", 1, "Forward passes per host sync")
	pf.StringVar(&preemptionMode, "preemption-mode", string(nanovllm.PreemptRecompute), "Preemption mode (recompute, swap)")
	pf.Float64Var(&watermark, "watermark", 0.01, "Fraction of GPU blocks held back from admission")
	pf.BoolVar(&prefixCaching, "prefix-caching", false, "Share full prompt blocks by content hash")

	pf.Float64Var(&temperature, "temperature", 0.6, "Sampling temperature")
	pf.IntVar(&maxTokens, "max-tokens", 256, "Maximum completion tokens per sequence")
	pf.Uint64Var(&seed, "seed", 0, "Sampling seed")
	pf.IntVar(&numSamples, "n", 1, "Samples per request")
	pf.BoolVar(&ignoreEOS, "ignore-eos", false, "Keep generating past EOS")
	pf.BoolVar(&showProgress, "progress", true, "Show a progress bar")

	rootCmd.AddCommand(runCmd, benchCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
