package nanovllm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Request is a generation request submitted to the engine.
type Request struct {
	// RequestID is generated when empty.
	RequestID      string
	PromptTokenIDs []int
	Params         *SamplingParams
	// Priority orders preemption; lower values are evicted first.
	Priority int
}

// CompletionOutput is the state of one sequence of a request.
type CompletionOutput struct {
	Index             int
	TokenIDs          []int
	LogProbs          []float64
	TopLogProbs       []map[int]float64
	CumulativeLogProb float64
	Status            SequenceStatus
	FinishReason      string
}

// RequestOutput is reported for every request a step touched.
type RequestOutput struct {
	RequestID      string
	PromptTokenIDs []int
	PromptLogProbs []float64
	Outputs        []CompletionOutput
	Finished       bool
	// Err is set when the request was failed by the engine.
	Err error
}

// Stats are cumulative engine counters.
type Stats struct {
	Ticks             int
	Windows           int
	SubSteps          int
	Preemptions       int
	Stalls            int
	GeneratedTokens   int
	ExecutionFailures int
}

// LLMEngine is the main inference engine. Step must be driven from a
// single goroutine; Submit and Abort may be called from any goroutine.
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	scheduler   *Scheduler
	executor    *multiStepExecutor
	processor   *OutputProcessor
	metrics     *engineMetrics

	groups map[string]*SequenceGroup
	stats  Stats

	mu     sync.Mutex
	inbox  []*SequenceGroup
	aborts []string
	ids    map[string]struct{}
}

// NewLLMEngine creates a new LLM engine
func NewLLMEngine(config *Config, modelRunner ModelRunner) (*LLMEngine, error) {
	metrics, err := newEngineMetrics(config.Registerer)
	if err != nil {
		return nil, err
	}
	scheduler := NewScheduler(config)
	e := &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		scheduler:   scheduler,
		executor: &multiStepExecutor{
			runner:       modelRunner,
			blockManager: scheduler.BlockManager(),
			maxModelLen:  config.MaxModelLen,
		},
		processor: NewOutputProcessor(config, scheduler),
		metrics:   metrics,
		groups:    make(map[string]*SequenceGroup),
		ids:       make(map[string]struct{}),
	}
	metrics.observeScheduler(scheduler)

	logrus.Infof("engine: %d gpu blocks, %d cpu blocks, block size %d, %d scheduler steps, %s preemption",
		scheduler.BlockManager().NumGPUBlocks(), config.NumCPUBlocks, config.KVCacheBlockSize,
		config.NumSchedulerSteps, config.PreemptionMode)
	return e, nil
}

// Scheduler returns the engine's scheduler. It must only be used from the
// goroutine driving Step.
func (e *LLMEngine) Scheduler() *Scheduler {
	return e.scheduler
}

// Stats returns the cumulative counters.
func (e *LLMEngine) Stats() Stats {
	return e.stats
}

// Submit validates req and queues it for the next step.
func (e *LLMEngine) Submit(req *Request) (string, error) {
	if req == nil || len(req.PromptTokenIDs) == 0 {
		return "", fmt.Errorf("empty prompt: %w", ErrInvalidRequest)
	}
	if n := len(req.PromptTokenIDs); n > e.config.MaxModelLen {
		return "", fmt.Errorf("prompt has %d tokens, max_model_len is %d: %w", n, e.config.MaxModelLen, ErrInvalidRequest)
	}
	params := req.Params
	if params == nil {
		params = NewSamplingParams()
	}
	if err := params.validate(); err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrInvalidRequest)
	}
	if params.N > e.config.MaxNumSeqs {
		return "", fmt.Errorf("n=%d exceeds max_num_seqs=%d: %w", params.N, e.config.MaxNumSeqs, ErrInvalidRequest)
	}

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.ids[id]; dup {
		return "", fmt.Errorf("duplicate request id %q: %w", id, ErrInvalidRequest)
	}
	g := NewSequenceGroup(id, req.PromptTokenIDs, params, e.config.KVCacheBlockSize)
	g.Priority = req.Priority
	e.ids[id] = struct{}{}
	e.inbox = append(e.inbox, g)
	return id, nil
}

// AddRequest submits a prompt with a generated request id.
func (e *LLMEngine) AddRequest(prompt []int, params *SamplingParams) (string, error) {
	return e.Submit(&Request{PromptTokenIDs: prompt, Params: params})
}

// Abort cancels a request. It takes effect at the end of the next step;
// unknown or finished requests are ignored.
func (e *LLMEngine) Abort(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborts = append(e.aborts, requestID)
}

// HasPendingWork reports whether any submitted request has not finished.
func (e *LLMEngine) HasPendingWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ids) > 0
}

func (e *LLMEngine) drainInbox() {
	e.mu.Lock()
	inbox := e.inbox
	e.inbox = nil
	e.mu.Unlock()

	for _, g := range inbox {
		e.groups[g.RequestID] = g
		e.scheduler.Add(g)
	}
}

// takeAborts flags every known group with a pending abort. Requests
// submitted after this step's drain keep their abort for the next step.
func (e *LLMEngine) takeAborts() []*SequenceGroup {
	e.mu.Lock()
	defer e.mu.Unlock()

	var flagged []*SequenceGroup
	var carry []string
	for _, id := range e.aborts {
		if g, ok := e.groups[id]; ok {
			if !g.abortRequested && !g.IsFinished() {
				g.abortRequested = true
				flagged = append(flagged, g)
			}
			continue
		}
		if _, ok := e.ids[id]; ok {
			carry = append(carry, id)
		}
	}
	e.aborts = carry
	return flagged
}

type touchedGroups struct {
	order []*SequenceGroup
	seen  map[*SequenceGroup]struct{}
}

func (t *touchedGroups) add(g *SequenceGroup) {
	if t.seen == nil {
		t.seen = make(map[*SequenceGroup]struct{})
	}
	if _, ok := t.seen[g]; ok {
		return
	}
	t.seen[g] = struct{}{}
	t.order = append(t.order, g)
}

// Step runs one scheduling tick and returns the state of every request it
// touched. A failed execution window aborts the plan's requests and is
// returned as an error wrapping ErrExecutionFailure alongside their
// outputs; the engine stays usable.
func (e *LLMEngine) Step(ctx context.Context) ([]RequestOutput, error) {
	e.drainInbox()
	e.stats.Ticks++

	var touched touchedGroups
	var stepErr error

	plan := e.scheduler.Schedule()
	for _, g := range plan.Ignored {
		e.processor.Ignore(g)
		e.metrics.sequenceTooLarge.Inc()
		touched.add(g)
	}
	for _, p := range plan.Preempted {
		e.stats.Preemptions++
		e.metrics.preemptionsTotal.WithLabelValues(string(p.Mode)).Inc()
	}

	if !plan.IsEmpty() {
		res, err := e.executor.execute(ctx, plan)
		if err != nil {
			stepErr = err
			e.stats.ExecutionFailures++
			e.metrics.executionFailures.Inc()
			for _, g := range e.processor.FailPlan(plan, err) {
				touched.add(g)
			}
		} else {
			e.takeAbortsInto(&touched)
			n := e.processor.Process(plan, res.outputs)

			e.stats.Windows++
			e.stats.SubSteps += res.numSteps
			e.stats.Stalls += len(res.stalled)
			e.stats.GeneratedTokens += n
			e.metrics.windowsTotal.Inc()
			e.metrics.stallsTotal.Add(float64(len(res.stalled)))
			e.metrics.generatedTokens.Add(float64(n))
			for _, sg := range plan.Groups {
				touched.add(sg.Group)
			}
		}
	}
	e.takeAbortsInto(&touched)

	outputs := make([]RequestOutput, 0, len(touched.order))
	for _, g := range touched.order {
		outputs = append(outputs, newRequestOutput(g))
		if g.IsFinished() {
			e.forget(g)
		}
	}
	e.metrics.observeScheduler(e.scheduler)
	return outputs, stepErr
}

// takeAbortsInto applies pending aborts at the reconciliation boundary.
func (e *LLMEngine) takeAbortsInto(touched *touchedGroups) {
	for _, g := range e.takeAborts() {
		e.processor.Abort(g)
		logrus.Debugf("[tick %07d] aborted %s", e.stats.Ticks, g.RequestID)
		touched.add(g)
	}
}

func (e *LLMEngine) forget(g *SequenceGroup) {
	for _, seq := range g.Seqs {
		e.metrics.finishedRequests.WithLabelValues(seq.Status.FinishReason()).Inc()
	}
	delete(e.groups, g.RequestID)
	e.mu.Lock()
	delete(e.ids, g.RequestID)
	e.mu.Unlock()
}

func newRequestOutput(g *SequenceGroup) RequestOutput {
	out := RequestOutput{
		RequestID:      g.RequestID,
		PromptTokenIDs: append([]int(nil), g.PromptTokenIDs...),
		PromptLogProbs: append([]float64(nil), g.PromptLogProbs...),
		Finished:       g.IsFinished(),
		Err:            g.err,
	}
	for _, seq := range g.Seqs {
		out.Outputs = append(out.Outputs, CompletionOutput{
			Index:             seq.Index,
			TokenIDs:          append([]int(nil), seq.CompletionTokenIDs()...),
			LogProbs:          append([]float64(nil), seq.LogProbs...),
			TopLogProbs:       append([]map[int]float64(nil), seq.TopLogProbs...),
			CumulativeLogProb: seq.CumulativeLogProb,
			Status:            seq.Status,
			FinishReason:      seq.Status.FinishReason(),
		})
	}
	return out
}

// Close aborts whatever is still queued, checks that every block was
// returned and closes the runner.
func (e *LLMEngine) Close() error {
	e.drainInbox()
	for _, g := range e.groups {
		e.processor.Abort(g)
		e.forget(g)
	}
	return errors.Join(e.scheduler.BlockManager().CheckReclaimed(), e.modelRunner.Close())
}
