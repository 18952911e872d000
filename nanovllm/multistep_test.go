package nanovllm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiStep_MatchesSingleStep(t *testing.T) {
	prompts := map[string][]int{
		"a": seqTokens(5),
		"b": {9, 8, 7, 6, 5, 4, 3, 2, 1},
		"c": {42, 43, 44},
	}
	params := NewSamplingParams(WithMaxTokens(7), WithTemperature(0.8), WithSeed(3), WithN(2), WithLogProbs(1))

	// GIVEN the same workload run one step per sync and four steps per sync
	single, singleStats := generateAll(t, []ConfigOption{WithNumKVCacheBlocks(64)}, prompts, params)
	multi, multiStats := generateAll(t, []ConfigOption{WithNumKVCacheBlocks(64), WithNumSchedulerSteps(4)}, prompts, params)

	// THEN the tokens are identical
	assert.Equal(t, single, multi)
	for id, seqs := range multi {
		for _, tokens := range seqs {
			assert.Len(t, tokens, 7, id)
		}
	}
	// AND the windowed run synchronized less often
	assert.Equal(t, 7, singleStats.Windows)
	assert.Equal(t, 2, multiStats.Windows)
	assert.Equal(t, 7, multiStats.SubSteps)
}

func TestMultiStep_LogProbsMatchSingleStep(t *testing.T) {
	run := func(steps int) RequestOutput {
		e, _ := newTestEngine(t, WithNumSchedulerSteps(steps))
		submit(t, e, "a", seqTokens(6), NewSamplingParams(WithMaxTokens(5), WithLogProbs(2)))
		out := runToCompletion(t, e)["a"]
		require.NoError(t, e.Close())
		return out
	}

	single := run(1)
	multi := run(5)

	require.Len(t, multi.Outputs, 1)
	assert.Equal(t, single.Outputs[0].TokenIDs, multi.Outputs[0].TokenIDs)
	assert.InDeltaSlice(t, single.Outputs[0].LogProbs, multi.Outputs[0].LogProbs, 1e-9)
	assert.InDelta(t, single.Outputs[0].CumulativeLogProb, multi.Outputs[0].CumulativeLogProb, 1e-9)
	assert.Equal(t, single.Outputs[0].TopLogProbs, multi.Outputs[0].TopLogProbs)
}

func TestMultiStep_DiscardsTokensAfterStop(t *testing.T) {
	// GIVEN the tokens a request produces without stop conditions
	params := NewSamplingParams(WithMaxTokens(4), WithTemperature(0))
	baseline, _ := generateAll(t, nil, map[string][]int{"a": seqTokens(5)}, params)
	tokens := baseline["a"][0]
	require.Len(t, tokens, 4)

	// WHEN the second token is a stop token and the window runs all four steps
	stop := tokens[1]
	e, _ := newTestEngine(t, WithNumSchedulerSteps(4))
	submit(t, e, "a", seqTokens(5), NewSamplingParams(WithMaxTokens(4), WithTemperature(0), WithStopTokenIDs(stop)))
	outs, err := e.Step(context.Background())
	require.NoError(t, err)

	// THEN the request finishes in that window and keeps nothing past the stop token
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Finished)
	want := tokens[:2]
	if tokens[0] == stop {
		want = tokens[:1]
	}
	assert.Equal(t, want, outs[0].Outputs[0].TokenIDs)
	assert.Equal(t, "stop", outs[0].Outputs[0].FinishReason)
	assert.NoError(t, e.Scheduler().BlockManager().CheckReclaimed())
}

func TestMultiStep_StallsWhenPoolRunsOut(t *testing.T) {
	// GIVEN two requests that each need a second block halfway through a
	// window, with only one block left to hand out
	params := NewSamplingParams(WithMaxTokens(4), WithTemperature(0))
	prompts := map[string][]int{"a": {3, 1, 4}, "b": {2, 7, 1}}
	baseline, _ := generateAll(t, []ConfigOption{WithNumKVCacheBlocks(16)}, prompts, params)

	got, stats := generateAll(t, []ConfigOption{WithNumKVCacheBlocks(3), WithNumSchedulerSteps(4)}, prompts, params)

	// THEN the loser sits out the rest of the window, resumes once the
	// winner's blocks come back, and still yields the same tokens
	assert.Equal(t, 1, stats.Stalls)
	assert.Zero(t, stats.Preemptions)
	assert.Equal(t, baseline, got)
}

func TestMultiStep_ForkedSiblingsWriteIntoSharedPromptBlock(t *testing.T) {
	// GIVEN two samples of a prompt that stops short of a block boundary
	prompts := map[string][]int{"c": {42, 43, 44}}
	params := NewSamplingParams(WithN(2), WithMaxTokens(6), WithTemperature(0.8), WithSeed(11))
	single, _ := generateAll(t, []ConfigOption{WithNumKVCacheBlocks(8)}, prompts, params)

	for _, steps := range []int{2, 4} {
		// WHEN both write their first generated token inside the shared block
		multi, stats := generateAll(t, []ConfigOption{WithNumKVCacheBlocks(8), WithNumSchedulerSteps(steps)}, prompts, params)

		// THEN each got its own copy and the window matches single stepping
		assert.Equal(t, single, multi, "steps=%d", steps)
		assert.Zero(t, stats.Stalls, "steps=%d", steps)
	}
	require.Len(t, single["c"], 2)
	assert.NotEqual(t, single["c"][0], single["c"][1])
}

func TestMultiStep_BudgetStopsAtMaxTokens(t *testing.T) {
	e, runner := newTestEngine(t, WithNumSchedulerSteps(8))
	submit(t, e, "a", seqTokens(3), NewSamplingParams(WithMaxTokens(3)))

	outs, err := e.Step(context.Background())

	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Finished)
	assert.Len(t, outs[0].Outputs[0].TokenIDs, 3)
	// no pass is issued past the sequence's budget
	assert.Equal(t, 3, runner.NumPasses())
}

func TestMultiStep_ExtendsTableEachSubStep(t *testing.T) {
	e, runner := newTestEngine(t, WithNumSchedulerSteps(4))
	submit(t, e, "a", seqTokens(4), NewSamplingParams(WithMaxTokens(4)))

	var tables [][]int
	runner.ForwardHook = func(batch *ForwardBatch) error {
		require.Len(t, batch.Seqs, 1)
		assert.Equal(t, batch.Step, batch.Seqs[0].NumPendingTokens)
		tables = append(tables, batch.Seqs[0].BlockTable)
		return nil
	}
	_, err := e.Step(context.Background())
	require.NoError(t, err)

	require.Len(t, tables, 4)
	assert.Len(t, tables[0], 1)
	assert.Len(t, tables[1], 2)
	assert.Equal(t, tables[1], tables[3])
}

func TestMockModelRunner_DetectsBadTables(t *testing.T) {
	config := newTestConfig(t)

	t.Run("unreserved slot", func(t *testing.T) {
		runner := NewMockModelRunner(config)
		_, err := runner.Forward(context.Background(), &ForwardBatch{Seqs: []*ForwardSeq{{
			SeqID:      1,
			TokenIDs:   seqTokens(5),
			BlockTable: []int{0},
		}}})
		assert.ErrorContains(t, err, "no reserved block")
	})

	t.Run("read before write", func(t *testing.T) {
		runner := NewMockModelRunner(config)
		_, err := runner.Forward(context.Background(), &ForwardBatch{Seqs: []*ForwardSeq{{
			SeqID:             1,
			TokenIDs:          seqTokens(3),
			NumComputedTokens: 2,
			BlockTable:        []int{0},
		}}})
		assert.ErrorContains(t, err, "read before it was written")
	})

	t.Run("missing copy on write", func(t *testing.T) {
		runner := NewMockModelRunner(config)
		_, err := runner.Forward(context.Background(), &ForwardBatch{Seqs: []*ForwardSeq{{
			SeqID:      1,
			TokenIDs:   []int{1, 2, 3},
			BlockTable: []int{0},
		}}})
		require.NoError(t, err)

		// a second sequence reusing block 0 without a copy sees foreign tokens
		_, err = runner.Forward(context.Background(), &ForwardBatch{Seqs: []*ForwardSeq{{
			SeqID:             2,
			TokenIDs:          []int{1, 2, 9},
			NumComputedTokens: 3,
			BlockTable:        []int{0},
		}}})
		assert.ErrorContains(t, err, "holds token 3, want 9")
	})
}
