package nanovllm

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// OutputProcessor folds runner outputs back into sequence state. It is the
// only place sequences enter a finished state.
type OutputProcessor struct {
	scheduler    *Scheduler
	blockManager *BlockManager
	eos          int
	maxModelLen  int
}

// NewOutputProcessor creates an output processor for the scheduler's state.
func NewOutputProcessor(config *Config, scheduler *Scheduler) *OutputProcessor {
	return &OutputProcessor{
		scheduler:    scheduler,
		blockManager: scheduler.BlockManager(),
		eos:          config.EOS,
		maxModelLen:  config.MaxModelLen,
	}
}

// Process applies a window's outputs in sub-step order and returns the
// number of tokens appended.
func (o *OutputProcessor) Process(plan *StepPlan, outputs []*StepOutput) int {
	type owner struct {
		seq   *Sequence
		group *SequenceGroup
	}
	owners := make(map[int64]owner)
	for _, sg := range plan.Groups {
		for _, seq := range sg.Group.Seqs {
			owners[seq.SeqID] = owner{seq: seq, group: sg.Group}
		}
	}

	appended := 0
	for _, step := range outputs {
		for _, out := range step.Outputs {
			ow, ok := owners[out.SeqID]
			if !ok {
				continue
			}
			seq, g := ow.seq, ow.group
			if g.abortRequested || seq.IsFinished() {
				// produced after the sequence stopped inside the window
				continue
			}

			seq.AppendToken(out.TokenID, out.LogProb)
			if seq.inflight > 0 {
				seq.inflight--
			}
			if g.Params.LogProbs > 0 {
				seq.TopLogProbs = append(seq.TopLogProbs, out.TopLogProbs)
			}
			if out.PromptLogProbs != nil && g.PromptLogProbs == nil {
				n := len(g.PromptTokenIDs) - 1
				if n > len(out.PromptLogProbs) {
					n = len(out.PromptLogProbs)
				}
				g.PromptLogProbs = append([]float64{}, out.PromptLogProbs[:n]...)
			}
			appended++

			if status, done := o.checkStop(seq, g.Params); done {
				seq.Status = status
			}
		}
	}

	for _, sg := range plan.Groups {
		g := sg.Group
		for _, seq := range g.Seqs {
			switch {
			case seq.IsFinished():
				if len(seq.BlockTable) > 0 {
					if seq.Status != StatusFinishedAborted {
						seq.NumComputedTokens = seq.Len() - 1
						o.blockManager.UpdateHashes(seq)
					}
					o.blockManager.Free(seq)
				}
				seq.inflight = 0
			case seq.Status == StatusRunning:
				seq.inflight = 0
				seq.NumComputedTokens = seq.Len() - 1
				o.blockManager.UpdateHashes(seq)
			}
		}
		if g.IsFinished() {
			o.scheduler.Remove(g)
		}
	}
	return appended
}

// checkStop evaluates the stop conditions after seq's last append.
func (o *OutputProcessor) checkStop(seq *Sequence, params *SamplingParams) (SequenceStatus, bool) {
	last := seq.LastToken
	if !params.IgnoreEOS && o.eos >= 0 && last == o.eos {
		return StatusFinishedStopped, true
	}
	for _, id := range params.StopTokenIDs {
		if last == id {
			return StatusFinishedStopped, true
		}
	}
	completion := seq.CompletionTokenIDs()
	for _, stop := range params.StopSequences {
		if hasSuffix(completion, stop) {
			return StatusFinishedStopped, true
		}
	}
	if seq.NumCompletionTokens() >= params.MaxTokens {
		return StatusFinishedLength, true
	}
	if seq.Len() >= o.maxModelLen {
		return StatusFinishedLength, true
	}
	return seq.Status, false
}

func hasSuffix(tokens, suffix []int) bool {
	if len(suffix) > len(tokens) {
		return false
	}
	off := len(tokens) - len(suffix)
	for i, id := range suffix {
		if tokens[off+i] != id {
			return false
		}
	}
	return true
}

// Abort finishes every unfinished sequence of g and releases its blocks.
// Aborting a finished group does nothing.
func (o *OutputProcessor) Abort(g *SequenceGroup) {
	for _, seq := range g.Seqs {
		if seq.IsFinished() {
			continue
		}
		if len(seq.BlockTable) > 0 {
			o.blockManager.Free(seq)
		}
		seq.inflight = 0
		seq.Status = StatusFinishedAborted
	}
	o.scheduler.Remove(g)
}

// Ignore fails g with ErrSequenceTooLarge.
func (o *OutputProcessor) Ignore(g *SequenceGroup) {
	if g.err == nil {
		g.err = ErrSequenceTooLarge
	}
	o.Abort(g)
}

// FailPlan aborts every group the plan touched after an execution failure.
func (o *OutputProcessor) FailPlan(plan *StepPlan, err error) []*SequenceGroup {
	var failed []*SequenceGroup
	fail := func(g *SequenceGroup) {
		if g.IsFinished() {
			return
		}
		if g.err == nil {
			g.err = err
		}
		o.Abort(g)
		failed = append(failed, g)
	}
	for _, sg := range plan.Groups {
		fail(sg.Group)
	}
	// Swap-outs were part of the failed pass; their cpu copies are not valid.
	for _, p := range plan.Preempted {
		if p.Mode == PreemptSwap {
			fail(p.Group)
		}
	}
	if errors.Is(err, ErrExecutionFailure) {
		logrus.Errorf("[tick %07d] %v: aborted %d groups", plan.Tick, err, len(failed))
	}
	return failed
}
