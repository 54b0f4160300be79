package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nnennaai/nai/internal/governance"
	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/graph"
	"github.com/nnennaai/nai/pkg/telemetry"
	"github.com/nnennaai/nai/pkg/trace"
)

// SchedulerConfig tunes one scheduler shared by all execution instances.
type SchedulerConfig struct {
	// Workers is the size of the worker pool.
	Workers int
	// Retry supplies the backoff curve; per-stage retry caps come from the
	// graph.
	Retry governance.RetryConfig
}

// Scheduler executes a graph under bounded concurrency. A fixed worker pool
// pulls ready tasks off a central queue; a stage becomes ready the instant
// its upstream has produced output, so independent branches run in parallel
// while a linear chain runs sequentially. The scheduler owns every task for
// its lifetime; adapters only ever see their own invocation.
type Scheduler struct {
	workers  int
	retryCfg governance.RetryConfig
	breakers *governance.BreakerManager
	metrics  *telemetry.SchedulerMetrics
	logger   *slog.Logger
}

// NewScheduler creates a scheduler over the shared breaker manager.
func NewScheduler(cfg SchedulerConfig, breakers *governance.BreakerManager, metrics *telemetry.SchedulerMetrics, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		workers:  cfg.Workers,
		retryCfg: cfg.Retry,
		breakers: breakers,
		metrics:  metrics,
		logger:   logger,
	}
}

// Result is the outcome of one execution instance.
type Result struct {
	Outcome domain.RunOutcome
	// Output is the terminal stage's payload; nil unless the terminal stage
	// succeeded.
	Output domain.Payload
	// Stages lists per-stage outcomes in the graph's topological order,
	// regardless of completion order.
	Stages []domain.StageOutcome
}

type task struct {
	id      string
	stage   *graph.Stage
	input   domain.Payload
	attempt int // zero-based re-attempt counter
}

type taskResult struct {
	task   *task
	start  time.Time
	end    time.Time
	output domain.Payload
	err    error
	kind   domain.FailureKind
}

type stageState struct {
	taskID      string
	outcome     domain.TaskOutcome
	attempts    int
	latency     time.Duration
	kind        domain.FailureKind
	errMsg      string
	inFlight    bool
	retryParked bool
}

// Execute runs one execution instance of the graph with the given initial
// payload, appending one TraceEvent per task attempt to rec. It blocks until
// every stage reaches a terminal outcome or ctx is cancelled, and always
// returns a Result describing what happened; the error return is reserved
// for misuse.
func (s *Scheduler) Execute(ctx context.Context, g *graph.Graph, initial domain.Payload, rec *trace.Recorder) (*Result, error) {
	if g == nil || g.Len() == 0 {
		return nil, errors.New("scheduler: nil or empty graph")
	}
	if rec == nil {
		rec = trace.NewRecorder()
	}

	states := make(map[string]*stageState, g.Len())
	policies := make(map[string]*governance.RetryPolicy, g.Len())
	for _, name := range g.Order() {
		states[name] = &stageState{taskID: uuid.NewString(), outcome: domain.OutcomePending}
		cfg := s.retryCfg
		cfg.MaxRetries = g.Stage(name).MaxRetries
		policies[name] = governance.NewRetryPolicy(cfg)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskCh := make(chan *task)
	resCh := make(chan *taskResult)
	retryCh := make(chan *task, g.Len())

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go s.worker(wctx, &wg, taskCh, resCh)
	}

	root := g.Stage(g.Root())
	ready := []*task{{id: states[root.Name].taskID, stage: root, input: initial}}
	done := 0
	cancelled := false
	ctxDone := ctx.Done()

	var terminalOutput domain.Payload

	// markSkipped walks every transitive downstream of a terminally failed
	// stage, records a skip marker event for each, and counts them done.
	var markSkipped func(name string, kind domain.FailureKind, reason string)
	markSkipped = func(name string, kind domain.FailureKind, reason string) {
		for _, downName := range g.Stage(name).Downstream {
			st := states[downName]
			if st.outcome != domain.OutcomePending || st.inFlight {
				continue
			}
			st.outcome = domain.OutcomeSkipped
			st.kind = kind
			st.errMsg = reason
			now := time.Now()
			rec.Append(domain.TraceEvent{
				TaskID:    st.taskID,
				Stage:     downName,
				Start:     now,
				End:       now,
				Outcome:   domain.OutcomeSkipped,
				ErrorKind: kind,
				Error:     reason,
			})
			s.metrics.ObserveTask(downName, domain.OutcomeSkipped, 0)
			done++
			markSkipped(downName, kind, reason)
		}
	}

	handle := func(res *taskResult) {
		t := res.task
		st := states[t.stage.Name]
		st.inFlight = false
		st.attempts = t.attempt + 1
		st.latency += res.end.Sub(res.start)

		inDigest, inBytes := t.input.Digest()
		event := domain.TraceEvent{
			TaskID:      t.id,
			Stage:       t.stage.Name,
			Attempt:     t.attempt + 1,
			Start:       res.start,
			End:         res.end,
			InputDigest: inDigest,
			InputBytes:  inBytes,
		}

		// A worker can observe the cancellation signal before the central
		// loop does; either way the stage ends cancelled.
		if res.kind == domain.KindCancelled && ctx.Err() != nil {
			cancelled = true
		}
		if cancelled {
			// A non-cooperative adapter may have finished after the
			// cancellation signal; its output is discarded either way.
			st.outcome = domain.OutcomeCancelled
			st.kind = domain.KindCancelled
			event.Outcome = domain.OutcomeCancelled
			event.ErrorKind = domain.KindCancelled
			if res.err != nil {
				event.Error = res.err.Error()
			}
			rec.Append(event)
			s.metrics.ObserveTask(t.stage.Name, domain.OutcomeCancelled, res.end.Sub(res.start))
			done++
			return
		}

		if res.err == nil {
			outDigest, outBytes := res.output.Digest()
			event.Outcome = domain.OutcomeSucceeded
			event.OutputDigest = outDigest
			event.OutputBytes = outBytes
			rec.Append(event)

			st.outcome = domain.OutcomeSucceeded
			s.metrics.ObserveTask(t.stage.Name, domain.OutcomeSucceeded, res.end.Sub(res.start))
			telemetry.RecordTaskMetrics(ctx, telemetry.TaskMetrics{
				Stage:    t.stage.Name,
				Adapter:  t.stage.Adapter.Info().Name,
				Outcome:  domain.OutcomeSucceeded,
				Duration: res.end.Sub(res.start),
				Retries:  t.attempt,
			})
			done++

			if t.stage.Name == g.Terminal() {
				terminalOutput = res.output
			}
			for i, downName := range t.stage.Downstream {
				down := g.Stage(downName)
				input := res.output
				if i > 0 {
					input = res.output.Clone()
				}
				ready = append(ready, &task{id: states[downName].taskID, stage: down, input: input})
			}
			s.metrics.SetQueueDepth(len(ready))
			return
		}

		kind := res.kind
		event.Outcome = domain.OutcomeFailed
		event.ErrorKind = kind
		event.Error = res.err.Error()
		rec.Append(event)
		telemetry.RecordTaskMetrics(ctx, telemetry.TaskMetrics{
			Stage:    t.stage.Name,
			Adapter:  t.stage.Adapter.Info().Name,
			Outcome:  domain.OutcomeFailed,
			Kind:     kind,
			Duration: res.end.Sub(res.start),
		})

		// Circuit rejections bypass retry accounting; cancellations end the
		// task outright.
		if kind != domain.KindCircuitOpen && kind != domain.KindCancelled &&
			policies[t.stage.Name].ShouldRetry(kind, t.attempt) {
			delay := policies[t.stage.Name].Backoff(t.attempt)
			next := &task{id: t.id, stage: t.stage, input: t.input, attempt: t.attempt + 1}
			st.retryParked = true
			s.logger.Debug("retrying stage",
				slog.String("stage", t.stage.Name),
				slog.Int("attempt", next.attempt+1),
				slog.Duration("backoff", delay),
				slog.String("kind", string(kind)))
			time.AfterFunc(delay, func() { retryCh <- next })
			return
		}

		st.outcome = domain.OutcomeFailed
		st.kind = kind
		st.errMsg = res.err.Error()
		s.metrics.ObserveTask(t.stage.Name, domain.OutcomeFailed, res.end.Sub(res.start))
		if kind == domain.KindCircuitOpen {
			s.metrics.BreakerOpened()
		}
		s.logger.Warn("stage failed",
			slog.String("stage", t.stage.Name),
			slog.String("kind", string(kind)),
			slog.Int("attempts", st.attempts),
			slog.String("error", res.err.Error()))
		done++
		markSkipped(t.stage.Name, kind, "skipped: upstream stage "+t.stage.Name+" failed: "+res.err.Error())
	}

	for done < g.Len() {
		var dispatch chan *task
		var next *task
		if !cancelled && len(ready) > 0 {
			dispatch = taskCh
			next = ready[0]
		}

		select {
		case dispatch <- next:
			ready = ready[1:]
			states[next.stage.Name].inFlight = true
			s.metrics.SetQueueDepth(len(ready))

		case res := <-resCh:
			handle(res)

		case t := <-retryCh:
			st := states[t.stage.Name]
			st.retryParked = false
			if cancelled {
				if st.outcome == domain.OutcomePending {
					s.cancelStage(rec, t.stage.Name, st)
					done++
				}
				continue
			}
			ready = append(ready, t)
			s.metrics.SetQueueDepth(len(ready))

		case <-ctxDone:
			ctxDone = nil
			cancelled = true
			// Queued but unstarted tasks are dropped without running.
			for _, t := range ready {
				st := states[t.stage.Name]
				s.cancelStage(rec, t.stage.Name, st)
				done++
			}
			ready = nil
			// Stages never reached end cancelled immediately; stages parked
			// on a retry timer settle when the timer fires, in-flight stages
			// when their workers report back.
			for _, name := range g.Order() {
				st := states[name]
				if st.outcome == domain.OutcomePending && !st.inFlight && !st.retryParked {
					s.cancelStage(rec, name, st)
					done++
				}
			}
		}
	}

	cancel()
	wg.Wait()
	rec.Close()

	result := &Result{Stages: make([]domain.StageOutcome, 0, g.Len())}
	for _, name := range g.Order() {
		st := states[name]
		result.Stages = append(result.Stages, domain.StageOutcome{
			Stage:     name,
			Outcome:   st.outcome,
			Attempts:  st.attempts,
			ErrorKind: st.kind,
			Error:     st.errMsg,
			Latency:   st.latency,
		})
	}

	switch {
	case cancelled:
		result.Outcome = domain.RunCancelled
	case states[g.Terminal()].outcome != domain.OutcomeSucceeded:
		result.Outcome = domain.RunFailed
	default:
		result.Outcome = domain.RunSucceeded
		for _, name := range g.Order() {
			if states[name].outcome != domain.OutcomeSucceeded {
				result.Outcome = domain.RunDegraded
				break
			}
		}
		result.Output = terminalOutput
	}
	s.metrics.ObserveRun(result.Outcome)
	return result, nil
}

func (s *Scheduler) cancelStage(rec *trace.Recorder, name string, st *stageState) {
	st.outcome = domain.OutcomeCancelled
	st.kind = domain.KindCancelled
	now := time.Now()
	rec.Append(domain.TraceEvent{
		TaskID:    st.taskID,
		Stage:     name,
		Start:     now,
		End:       now,
		Outcome:   domain.OutcomeCancelled,
		ErrorKind: domain.KindCancelled,
	})
	s.metrics.ObserveTask(name, domain.OutcomeCancelled, 0)
}

func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, taskCh <-chan *task, resCh chan<- *taskResult) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-taskCh:
			s.metrics.WorkerStarted()
			res := s.attempt(ctx, t)
			s.metrics.WorkerFinished()
			// The central loop always drains one result per dispatched
			// task, so this send cannot block forever.
			resCh <- res
		}
	}
}

// attempt performs one invocation of a stage's adapter under the stage's
// breaker and deadline. Breaker accounting happens here, on the worker, but
// all state transitions flow through breaker methods.
func (s *Scheduler) attempt(ctx context.Context, t *task) *taskResult {
	start := time.Now()
	breaker := s.breakers.Get(t.stage.Name)

	if err := breaker.Allow(); err != nil {
		return &taskResult{
			task:  t,
			start: start,
			end:   time.Now(),
			kind:  domain.KindCircuitOpen,
			err: &domain.Failure{
				Stage:   t.stage.Name,
				Kind:    domain.KindCircuitOpen,
				Attempt: t.attempt + 1,
				Err:     err,
			},
		}
	}

	actx := ctx
	if t.stage.Timeout > 0 {
		var cancelAttempt context.CancelFunc
		actx, cancelAttempt = context.WithTimeout(ctx, t.stage.Timeout)
		defer cancelAttempt()
	}

	output, err := t.stage.Adapter.Invoke(actx, t.input)
	end := time.Now()

	if err != nil {
		kind := domain.Classify(err)
		if kind == domain.KindTimeout && ctx.Err() != nil {
			// The whole instance was cancelled, not just this attempt.
			kind = domain.KindCancelled
		}
		if kind.CountsAgainstBreaker() {
			breaker.RecordFailure()
		}
		return &taskResult{
			task:  t,
			start: start,
			end:   end,
			kind:  kind,
			err: &domain.Failure{
				Stage:   t.stage.Name,
				Kind:    kind,
				Attempt: t.attempt + 1,
				Err:     err,
			},
		}
	}

	breaker.RecordSuccess()
	return &taskResult{task: t, start: start, end: end, output: output}
}
