package nanovllm

import "github.com/sirupsen/logrus"

// PreemptionMode selects what happens to a group evicted under memory pressure.
type PreemptionMode string

const (
	// PreemptRecompute frees the group's blocks and requeues it; its tokens
	// are prefilled again on re-admission.
	PreemptRecompute PreemptionMode = "recompute"
	// PreemptSwap moves the group's blocks to the CPU pool.
	PreemptSwap PreemptionMode = "swap"
)

// preemptionHandler evicts g and returns the mode that was actually applied.
type preemptionHandler func(s *Scheduler, g *SequenceGroup, plan *StepPlan) PreemptionMode

var preemptionHandlers = map[PreemptionMode]preemptionHandler{
	PreemptRecompute: preemptByRecompute,
	PreemptSwap:      preemptBySwap,
}

func preemptByRecompute(s *Scheduler, g *SequenceGroup, plan *StepPlan) PreemptionMode {
	for _, seq := range g.SeqsWithStatus(StatusRunning) {
		s.blockManager.Free(seq)
		seq.resetForRecompute()
		seq.Status = StatusWaiting
	}
	insertByArrival(s.waiting, g)
	return PreemptRecompute
}

func preemptBySwap(s *Scheduler, g *SequenceGroup, plan *StepPlan) PreemptionMode {
	mapping, err := s.blockManager.SwapOut(g)
	if err != nil {
		logrus.Warnf("[tick %07d] swap out of %s failed (%v), falling back to recompute", plan.Tick, g.RequestID, err)
		return preemptByRecompute(s, g, plan)
	}
	for gpuID, cpuID := range mapping {
		plan.BlocksToSwapOut[gpuID] = cpuID
	}
	g.setStatus(StatusRunning, StatusSwapped)
	insertByArrival(s.swapped, g)
	return PreemptSwap
}
