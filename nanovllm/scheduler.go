package nanovllm

import (
	"container/list"

	"github.com/sirupsen/logrus"
)

// ScheduledGroup is one group selected to run in a step.
type ScheduledGroup struct {
	Group     *SequenceGroup
	IsPrefill bool
	// NumNewTokens is the number of tokens the group computes in the first sub-step.
	NumNewTokens int

	copies []BlockCopy
}

// Preemption records a group evicted during scheduling.
type Preemption struct {
	Group *SequenceGroup
	Mode  PreemptionMode
}

// StepPlan is the output of one scheduling tick.
type StepPlan struct {
	Tick     int
	Groups   []*ScheduledGroup
	NumSteps int

	BlocksToSwapIn  map[int]int
	BlocksToSwapOut map[int]int
	BlocksToCopy    []BlockCopy

	Preempted []Preemption
	// Ignored groups can never fit in the cache and are failed with ErrSequenceTooLarge.
	Ignored []*SequenceGroup

	NumBatchedTokens int
}

func newStepPlan(tick, numSteps int) *StepPlan {
	return &StepPlan{
		Tick:            tick,
		NumSteps:        numSteps,
		BlocksToSwapIn:  make(map[int]int),
		BlocksToSwapOut: make(map[int]int),
	}
}

// IsEmpty reports whether the plan has nothing for the runner to do.
func (p *StepPlan) IsEmpty() bool {
	return len(p.Groups) == 0 && !p.hasBlockOps()
}

func (p *StepPlan) hasBlockOps() bool {
	return len(p.BlocksToSwapIn) > 0 || len(p.BlocksToSwapOut) > 0 || len(p.BlocksToCopy) > 0
}

// PreemptionHappened reports whether any group was evicted this tick.
func (p *StepPlan) PreemptionHappened() bool {
	return len(p.Preempted) > 0
}

func (p *StepPlan) add(sg *ScheduledGroup) {
	p.Groups = append(p.Groups, sg)
	p.BlocksToCopy = append(p.BlocksToCopy, sg.copies...)
	p.NumBatchedTokens += sg.NumNewTokens
}

type schedulingBudget struct {
	maxSeqs   int
	maxTokens int
	numSeqs   int
	numTokens int
}

func (b *schedulingBudget) fits(numSeqs, numTokens int) bool {
	if b.numSeqs+numSeqs > b.maxSeqs {
		return false
	}
	// An empty batch always takes its first group so oversized prefills still progress.
	return b.numTokens == 0 || b.numTokens+numTokens <= b.maxTokens
}

func (b *schedulingBudget) add(numSeqs, numTokens int) {
	b.numSeqs += numSeqs
	b.numTokens += numTokens
}

// Scheduler decides which sequence groups run each tick
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	numSchedulerSteps   int
	preemptionMode      PreemptionMode
	blockManager        *BlockManager
	waiting             *list.List
	running             *list.List
	swapped             *list.List
	tick                int
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	return &Scheduler{
		maxNumSeqs:          config.MaxNumSeqs,
		maxNumBatchedTokens: config.MaxNumBatchedTokens,
		numSchedulerSteps:   config.NumSchedulerSteps,
		preemptionMode:      config.PreemptionMode,
		blockManager:        newBlockManagerFromConfig(config),
		waiting:             list.New(),
		running:             list.New(),
		swapped:             list.New(),
	}
}

// BlockManager returns the scheduler's block manager.
func (s *Scheduler) BlockManager() *BlockManager {
	return s.blockManager
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0 && s.swapped.Len() == 0
}

// NumWaiting returns the number of waiting groups.
func (s *Scheduler) NumWaiting() int { return s.waiting.Len() }

// NumRunning returns the number of running groups.
func (s *Scheduler) NumRunning() int { return s.running.Len() }

// NumSwapped returns the number of swapped groups.
func (s *Scheduler) NumSwapped() int { return s.swapped.Len() }

// Add adds a sequence group to the waiting queue
func (s *Scheduler) Add(g *SequenceGroup) {
	insertByArrival(s.waiting, g)
}

// Remove drops g from whichever queue holds it.
func (s *Scheduler) Remove(g *SequenceGroup) {
	for _, l := range []*list.List{s.waiting, s.running, s.swapped} {
		if removeGroup(l, g) {
			return
		}
	}
}

// Schedule schedules sequence groups for the next step
func (s *Scheduler) Schedule() *StepPlan {
	s.tick++
	plan := newStepPlan(s.tick, s.numSchedulerSteps)
	budget := &schedulingBudget{maxSeqs: s.maxNumSeqs, maxTokens: s.maxNumBatchedTokens}

	s.scheduleRunning(plan, budget)

	// Do not bring back swapped or new work while evicting, it would
	// only be evicted again.
	if !plan.PreemptionHappened() {
		s.scheduleSwapped(plan, budget)
		if s.swapped.Len() == 0 {
			s.schedulePrefills(plan, budget)
		}
	}

	logrus.Debugf("[tick %07d] scheduled %d groups (%d tokens), waiting=%d running=%d swapped=%d preempted=%d",
		plan.Tick, len(plan.Groups), plan.NumBatchedTokens, s.waiting.Len(), s.running.Len(), s.swapped.Len(), len(plan.Preempted))
	return plan
}

// scheduleRunning reserves one slot per running sequence, evicting later
// arrivals when the pool is full.
func (s *Scheduler) scheduleRunning(plan *StepPlan, budget *schedulingBudget) {
	groups := listGroups(s.running)
	for i, g := range groups {
		seqs := g.SeqsWithStatus(StatusRunning)
		if len(seqs) == 0 {
			// evicted earlier in this pass
			continue
		}
		if !budget.fits(len(seqs), len(seqs)) {
			break
		}

		preemptedSelf := false
		for !s.blockManager.CanAppendSlots(g) {
			victim := selectVictim(groups[i+1:])
			if victim == nil {
				s.preempt(g, plan)
				preemptedSelf = true
				break
			}
			s.preempt(victim, plan)
		}
		if preemptedSelf {
			continue
		}

		sg := &ScheduledGroup{Group: g, NumNewTokens: len(seqs)}
		for _, seq := range seqs {
			cow, err := s.blockManager.AppendSlot(seq)
			if err != nil {
				panic(err)
			}
			if cow != nil {
				sg.copies = append(sg.copies, *cow)
			}
		}
		plan.add(sg)
		budget.add(len(seqs), len(seqs))
	}
}

// scheduleSwapped brings swapped groups back in arrival order.
func (s *Scheduler) scheduleSwapped(plan *StepPlan, budget *schedulingBudget) {
	for _, g := range listGroups(s.swapped) {
		seqs := g.SeqsWithStatus(StatusSwapped)
		if distinctBlocks(seqs)+len(seqs) > s.blockManager.NumGPUBlocks()-s.blockManager.watermarkBlocks {
			logrus.Warnf("[tick %07d] %s can never be swapped back in", plan.Tick, g.RequestID)
			removeGroup(s.swapped, g)
			plan.Ignored = append(plan.Ignored, g)
			continue
		}
		if !budget.fits(len(seqs), len(seqs)) || !s.blockManager.CanSwapIn(g) {
			break
		}

		mapping, err := s.blockManager.SwapIn(g)
		if err != nil {
			panic(err)
		}
		for cpuID, gpuID := range mapping {
			plan.BlocksToSwapIn[cpuID] = gpuID
		}
		g.setStatus(StatusSwapped, StatusRunning)
		removeGroup(s.swapped, g)
		insertByArrival(s.running, g)

		sg := &ScheduledGroup{Group: g, NumNewTokens: len(seqs)}
		for _, seq := range seqs {
			cow, err := s.blockManager.AppendSlot(seq)
			if err != nil {
				panic(err)
			}
			if cow != nil {
				sg.copies = append(sg.copies, *cow)
			}
		}
		plan.add(sg)
		budget.add(len(seqs), len(seqs))
		logrus.Debugf("[tick %07d] swapped in %s (%d blocks)", plan.Tick, g.RequestID, len(mapping))
	}
}

// schedulePrefills admits waiting groups in arrival order.
func (s *Scheduler) schedulePrefills(plan *StepPlan, budget *schedulingBudget) {
	for _, g := range listGroups(s.waiting) {
		live := g.Unfinished()
		if len(live) == 0 {
			continue
		}

		need := s.blockManager.NumBlocksToAllocate(g)
		switch s.blockManager.Feasibility(need) {
		case AllocNever:
			logrus.Warnf("[tick %07d] %s needs %d blocks, pool has %d: ignoring",
				plan.Tick, g.RequestID, need, s.blockManager.NumGPUBlocks())
			removeGroup(s.waiting, g)
			plan.Ignored = append(plan.Ignored, g)
			continue
		case AllocLater:
			return
		}

		numTokens := g.numPrefillTokens()
		if !budget.fits(len(live), numTokens) {
			return
		}

		if err := s.blockManager.AllocateGroup(g); err != nil {
			panic(err)
		}
		g.setStatus(StatusWaiting, StatusRunning)
		removeGroup(s.waiting, g)
		insertByArrival(s.running, g)

		plan.add(&ScheduledGroup{Group: g, IsPrefill: true, NumNewTokens: numTokens})
		budget.add(len(live), numTokens)
	}
}

func (s *Scheduler) preempt(g *SequenceGroup, plan *StepPlan) {
	removeGroup(s.running, g)
	mode := preemptionHandlers[s.preemptionMode](s, g, plan)
	plan.Preempted = append(plan.Preempted, Preemption{Group: g, Mode: mode})
	logrus.Warnf("[tick %07d] preemption: evicting %s by %s", plan.Tick, g.RequestID, mode)
}

// selectVictim picks the lowest priority candidate, breaking ties by
// latest arrival.
func selectVictim(candidates []*SequenceGroup) *SequenceGroup {
	var victim *SequenceGroup
	for i := len(candidates) - 1; i >= 0; i-- {
		g := candidates[i]
		if len(g.SeqsWithStatus(StatusRunning)) == 0 {
			continue
		}
		if victim == nil || g.Priority < victim.Priority {
			victim = g
		}
	}
	return victim
}

func listGroups(l *list.List) []*SequenceGroup {
	groups := make([]*SequenceGroup, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		groups = append(groups, e.Value.(*SequenceGroup))
	}
	return groups
}

// insertByArrival keeps l ordered by arrival so requeued groups do not
// lose their place.
func insertByArrival(l *list.List, g *SequenceGroup) {
	for e := l.Back(); e != nil; e = e.Prev() {
		if e.Value.(*SequenceGroup).arrival < g.arrival {
			l.InsertAfter(g, e)
			return
		}
	}
	l.PushFront(g)
}

func removeGroup(l *list.List, g *SequenceGroup) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*SequenceGroup) == g {
			l.Remove(e)
			return true
		}
	}
	return false
}
