package nanovllm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// windowSeq tracks one sequence across the sub-steps of a window.
type windowSeq struct {
	seq       *Sequence
	group     *SequenceGroup
	budget    int
	issued    int
	stalled   bool
	wantsLogs bool
}

type windowResult struct {
	outputs  []*StepOutput
	stalled  []*Sequence
	numSteps int
}

// multiStepExecutor issues up to NumSteps forward passes for a plan and
// synchronizes with the runner once, when the window is drained.
type multiStepExecutor struct {
	runner       ModelRunner
	blockManager *BlockManager
	maxModelLen  int
}

func (e *multiStepExecutor) stepBudget(seq *Sequence, params *SamplingParams, numSteps int) int {
	budget := numSteps
	if n := params.MaxTokens - seq.NumCompletionTokens(); n < budget {
		budget = n
	}
	if n := e.maxModelLen - seq.Len(); n < budget {
		budget = n
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

func (e *multiStepExecutor) windowSeqs(plan *StepPlan) []*windowSeq {
	var seqs []*windowSeq
	for _, sg := range plan.Groups {
		g := sg.Group
		first := true
		for _, seq := range g.SeqsWithStatus(StatusRunning) {
			ws := &windowSeq{
				seq:    seq,
				group:  g,
				budget: e.stepBudget(seq, g.Params, plan.NumSteps),
			}
			// prompt logprobs come from the first sequence's prefill only
			ws.wantsLogs = first && g.Params.PromptLogProbs > 0 && g.PromptLogProbs == nil && g.isFresh()
			first = false
			seqs = append(seqs, ws)
		}
	}
	return seqs
}

func (e *multiStepExecutor) forwardSeq(ws *windowSeq, step int) *ForwardSeq {
	seq := ws.seq
	fs := &ForwardSeq{
		SeqID:             seq.SeqID,
		RequestID:         seq.RequestID,
		SampleIndex:       seq.Index,
		Seed:              ws.group.Params.Seed,
		Temperature:       ws.group.Params.Temperature,
		TokenIDs:          seq.TokenIDs,
		NumPendingTokens:  step,
		NumComputedTokens: seq.NumComputedTokens,
		BlockTable:        append([]int(nil), seq.BlockTable...),
		NumLogProbs:       ws.group.Params.LogProbs,
	}
	if step > 0 {
		// everything but the token sampled in the previous sub-step
		fs.NumComputedTokens = seq.Len() + step - 1
	}
	if step == 0 && ws.wantsLogs {
		fs.NumPromptLogProbs = ws.group.Params.PromptLogProbs
	}
	return fs
}

type issuedStep struct {
	step    int
	pending PendingStep
}

// execute runs the plan's window. On error no output of the window is
// returned and the caller must fail the plan.
func (e *multiStepExecutor) execute(ctx context.Context, plan *StepPlan) (*windowResult, error) {
	res := &windowResult{}
	seqs := e.windowSeqs(plan)
	queue := make(chan issuedStep, plan.NumSteps)

	for step := 0; step < plan.NumSteps; step++ {
		batch := &ForwardBatch{Step: step}
		if step == 0 {
			batch.BlocksToSwapOut = plan.BlocksToSwapOut
			batch.BlocksToSwapIn = plan.BlocksToSwapIn
			batch.BlocksToCopy = append(batch.BlocksToCopy, plan.BlocksToCopy...)
		}

		for _, ws := range seqs {
			if ws.stalled || ws.issued >= ws.budget {
				continue
			}
			if step > 0 {
				cow, err := e.blockManager.AppendSlot(ws.seq)
				if err != nil {
					ws.stalled = true
					res.stalled = append(res.stalled, ws.seq)
					logrus.Infof("[tick %07d] seq %d of %s stalled at sub-step %d: %v",
						plan.Tick, ws.seq.SeqID, ws.group.RequestID, step, err)
					continue
				}
				if cow != nil {
					batch.BlocksToCopy = append(batch.BlocksToCopy, *cow)
				}
			}
			batch.Seqs = append(batch.Seqs, e.forwardSeq(ws, step))
		}

		if len(batch.Seqs) == 0 {
			if step > 0 || !plan.hasBlockOps() {
				break
			}
		}

		pending, err := e.runner.Forward(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("tick %d sub-step %d: %w: %w", plan.Tick, step, err, ErrExecutionFailure)
		}
		for _, ws := range seqs {
			if !ws.stalled && ws.issued < ws.budget {
				ws.issued++
				ws.seq.inflight++
			}
		}
		queue <- issuedStep{step: step, pending: pending}
		res.numSteps++

		if len(batch.Seqs) == 0 {
			break
		}
	}
	close(queue)

	for issued := range queue {
		out, err := issued.pending.Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("tick %d fetch of sub-step %d: %w: %w", plan.Tick, issued.step, err, ErrExecutionFailure)
		}
		res.outputs = append(res.outputs, out)
	}
	return res, nil
}
