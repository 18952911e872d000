package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nano-vllm-core/nanovllm"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Generate completions for the given prompts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := buildConfig(cmd)
		if err != nil {
			return err
		}

		llm, err := nanovllm.NewLLM(config)
		if err != nil {
			return err
		}
		defer llm.Close()

		outputs, err := llm.Generate(cmd.Context(), args, samplingParams(), showProgress)
		if err != nil {
			return fmt.Errorf("generation failed: %w", err)
		}

		fmt.Println("\nResults:")
		fmt.Println("========")
		for i, output := range outputs {
			fmt.Printf("\nPrompt %d: %s\n", i+1, args[i])
			if output.Err != nil {
				fmt.Printf("Error: %v\n", output.Err)
				continue
			}
			fmt.Printf("Output: %s\n", output.Text)
			fmt.Printf("Tokens: %d (%s)\n", len(output.TokenIDs), output.FinishReason)
		}
		return nil
	},
}
