// Package engine composes the pipeline graph, scheduler, resilience policy,
// and trace recorder into the ingest, run, and score operations. One Engine
// owns one set of graphs and one breaker manager for its lifetime; execution
// instances share them read-only except for breaker state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nnennaai/nai/internal/governance"
	"github.com/nnennaai/nai/pkg/config"
	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/graph"
	"github.com/nnennaai/nai/pkg/module"
	"github.com/nnennaai/nai/pkg/modules"
	"github.com/nnennaai/nai/pkg/runstore"
	"github.com/nnennaai/nai/pkg/telemetry"
	"github.com/nnennaai/nai/pkg/trace"
)

// TraceSink receives TraceEvents live, in completion order, while an
// operation executes.
type TraceSink func(domain.TraceEvent)

// Options supplies the engine's collaborators. Zero-value fields get
// defaults: the builtin module registry over an in-memory vector store, a
// run store picked from settings, and the process default logger.
type Options struct {
	Logger   *slog.Logger
	Registry *module.Registry
	Runs     runstore.Store
	Metrics  *telemetry.SchedulerMetrics
}

// Engine is the top-level facade over one configured pipeline.
type Engine struct {
	cfg      *config.Settings
	cfgHash  string
	registry *module.Registry
	breakers *governance.BreakerManager
	sched    *Scheduler
	runs     runstore.Store
	metrics  *telemetry.SchedulerMetrics
	logger   *slog.Logger
	tracer   oteltrace.Tracer

	ingestGraph *graph.Graph
	runGraph    *graph.Graph
	evalGraph   *graph.Graph
}

// New resolves settings into a ready engine: adapters constructed, graphs
// built and validated, breakers configured. Construction fails fast on any
// binding or structural error so no execution instance ever sees a partially
// built pipeline.
func New(cfg *config.Settings, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := opts.Registry
	if registry == nil {
		registry = module.NewRegistry()
		modules.RegisterBuiltins(registry, modules.NewMemoryVectorStore())
	}

	runs := opts.Runs
	if runs == nil {
		var err error
		if cfg.Pipeline.SaveRuns {
			runs, err = runstore.NewFileStore(cfg.Pipeline.RunDir)
			if err != nil {
				return nil, err
			}
		} else {
			runs = runstore.NewMemoryStore()
		}
	}

	breakers := governance.NewBreakerManager(breakerConfig(cfg.Pipeline.Breaker))
	for stage, override := range cfg.Pipeline.Stages {
		if override.Breaker != nil {
			breakers.Configure(stage, breakerConfig(*override.Breaker))
		}
	}

	e := &Engine{
		cfg:      cfg,
		cfgHash:  cfg.Hash(),
		registry: registry,
		breakers: breakers,
		runs:     runs,
		metrics:  opts.Metrics,
		logger:   logger,
		tracer:   otel.Tracer("nai.engine"),
	}
	e.sched = NewScheduler(SchedulerConfig{
		Workers: cfg.Pipeline.Workers,
		Retry: governance.RetryConfig{
			MaxRetries:        cfg.Pipeline.Retries.MaxRetries,
			InitialBackoff:    time.Duration(cfg.Pipeline.Retries.BaseMS) * time.Millisecond,
			MaxBackoff:        time.Duration(cfg.Pipeline.Retries.MaxMS) * time.Millisecond,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}, breakers, opts.Metrics, logger)

	var err error
	if e.ingestGraph, err = e.buildIngestGraph(); err != nil {
		return nil, fmt.Errorf("build ingest graph: %w", err)
	}
	if e.runGraph, err = e.buildRunGraph(); err != nil {
		return nil, fmt.Errorf("build run graph: %w", err)
	}
	if e.evalGraph, err = e.buildEvalGraph(); err != nil {
		return nil, fmt.Errorf("build eval graph: %w", err)
	}
	return e, nil
}

// Setup acquires adapter resources for every graph. Call once before the
// first operation; paired with Close.
func (e *Engine) Setup(ctx context.Context) error {
	for _, g := range []*graph.Graph{e.ingestGraph, e.runGraph, e.evalGraph} {
		if err := g.Setup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down adapters and releases the run store.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	for _, g := range []*graph.Graph{e.evalGraph, e.runGraph, e.ingestGraph} {
		if err := g.Teardown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.runs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Runs exposes the run-history store.
func (e *Engine) Runs() runstore.Store { return e.runs }

// BreakerStats reports every stage breaker for the admin surface.
func (e *Engine) BreakerStats() map[string]governance.BreakerStats {
	return e.breakers.Stats()
}

// ResetBreakers closes every stage breaker. This is the only way breaker
// state clears short of restarting the engine.
func (e *Engine) ResetBreakers() {
	e.breakers.ResetAll()
	e.logger.Info("circuit breakers reset")
}

// DocumentResult reports one document's fate within an ingest batch.
type DocumentResult struct {
	DocID   string            `json:"doc_id"`
	Outcome domain.RunOutcome `json:"outcome"`
	Indexed int               `json:"indexed"`
	Error   string            `json:"error,omitempty"`
}

// IngestResult is the outcome of one ingest batch.
type IngestResult struct {
	RunID     string           `json:"run_id"`
	Indexed   int              `json:"indexed"`
	Documents []DocumentResult `json:"documents"`
	Record    *domain.RunRecord
}

// Ingest chunks, embeds, and stores a batch of documents. Each document runs
// through its own execution instance, so one malformed document fails alone
// while the rest of the batch proceeds.
func (e *Engine) Ingest(ctx context.Context, docs []domain.Document, sink TraceSink) (*IngestResult, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("ingest: no documents")
	}

	runID := uuid.NewString()
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.ingest",
		oteltrace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("ingest.documents", len(docs)),
		))
	defer span.End()

	results := make([]DocumentResult, len(docs))
	perDoc := make([]*Result, len(docs))
	recorders := make([]*trace.Recorder, len(docs))

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.Pipeline.Workers)
	for i, doc := range docs {
		eg.Go(func() error {
			rec := trace.NewRecorder()
			recorders[i] = rec
			wait := streamTo(ectx, rec, sink)

			initial := domain.Payload{"text": doc.Text}
			if doc.ID != "" {
				initial["doc_id"] = doc.ID
			}
			if len(doc.Metadata) > 0 {
				meta := make(map[string]any, len(doc.Metadata))
				for k, v := range doc.Metadata {
					meta[k] = v
				}
				initial["metadata"] = meta
			}

			res, err := e.sched.Execute(ectx, e.ingestGraph, initial, rec)
			wait()
			if err != nil {
				return err
			}
			perDoc[i] = res

			results[i] = DocumentResult{DocID: doc.ID, Outcome: res.Outcome}
			if res.Outcome == domain.RunSucceeded || res.Outcome == domain.RunDegraded {
				if n, ok := res.Output.Float("indexed"); ok {
					results[i].Indexed = int(n)
				}
			} else {
				results[i].Error = firstFailure(res.Stages)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := &IngestResult{RunID: runID, Documents: results}
	for _, r := range results {
		out.Indexed += r.Indexed
	}

	record := &domain.RunRecord{
		RunID:      runID,
		Kind:       "ingest",
		Outcome:    batchOutcome(results),
		ConfigHash: e.cfgHash,
		StartedAt:  started,
	}
	for i := range docs {
		if perDoc[i] != nil {
			record.Stages = mergeStages(record.Stages, perDoc[i].Stages)
		}
		record.Trace = append(record.Trace, recorders[i].Snapshot()...)
	}
	record.CompletedAt = time.Now()
	record.Latency = record.CompletedAt.Sub(record.StartedAt)
	e.persist(ctx, record)
	out.Record = record

	e.logger.Info("ingest complete",
		slog.String("run_id", runID),
		slog.Int("documents", len(docs)),
		slog.Int("indexed", out.Indexed),
		slog.String("outcome", string(record.Outcome)))
	return out, nil
}

// RunResult is the outcome of one query execution.
type RunResult struct {
	RunID   string            `json:"run_id"`
	Outcome domain.RunOutcome `json:"outcome"`
	Answer  string            `json:"answer,omitempty"`
	Record  *domain.RunRecord
}

// Run executes the retrieval-generation graph for one query and returns the
// terminal stage's answer with the full trace in the persisted record.
func (e *Engine) Run(ctx context.Context, query string, sink TraceSink) (*RunResult, error) {
	runID := uuid.NewString()
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.run",
		oteltrace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	rec := trace.NewRecorder()
	wait := streamTo(ctx, rec, sink)
	res, err := e.sched.Execute(ctx, e.runGraph, domain.Payload{"query": query}, rec)
	wait()
	if err != nil {
		return nil, err
	}

	record := e.newRecord(runID, "run", query, res, rec.Snapshot(), started)
	e.persist(ctx, record)

	e.logger.Info("run complete",
		slog.String("run_id", runID),
		slog.String("outcome", string(res.Outcome)),
		slog.Duration("latency", record.Latency))
	return &RunResult{
		RunID:   runID,
		Outcome: res.Outcome,
		Answer:  record.Answer,
		Record:  record,
	}, nil
}

// ScoreResult is the outcome of one scored query execution.
type ScoreResult struct {
	RunID   string             `json:"run_id"`
	Outcome domain.RunOutcome  `json:"outcome"`
	Answer  string             `json:"answer,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Passed  bool               `json:"passed"`
	Record  *domain.RunRecord
}

// Score runs the query, then evaluates the answer against the ground truth
// and merges the evaluator's metrics into the run record. An evaluator
// failure degrades the run rather than failing it; the answer already
// exists.
func (e *Engine) Score(ctx context.Context, query, groundTruth string, sink TraceSink) (*ScoreResult, error) {
	runID := uuid.NewString()
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.score",
		oteltrace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	rec := trace.NewRecorder()
	wait := streamTo(ctx, rec, sink)
	res, err := e.sched.Execute(ctx, e.runGraph, domain.Payload{"query": query}, rec)
	wait()
	if err != nil {
		return nil, err
	}

	record := e.newRecord(runID, "score", query, res, rec.Snapshot(), started)

	out := &ScoreResult{RunID: runID, Outcome: res.Outcome, Answer: record.Answer}
	if res.Outcome != domain.RunSucceeded && res.Outcome != domain.RunDegraded {
		record.CompletedAt = time.Now()
		record.Latency = record.CompletedAt.Sub(started)
		e.persist(ctx, record)
		out.Record = record
		return out, nil
	}

	evalInput := res.Output.Clone()
	evalInput["ground_truth"] = groundTruth

	evalRec := trace.NewRecorder()
	evalWait := streamTo(ctx, evalRec, sink)
	evalRes, err := e.sched.Execute(ctx, e.evalGraph, evalInput, evalRec)
	evalWait()
	if err != nil {
		return nil, err
	}

	record.Stages = append(record.Stages, evalRes.Stages...)
	record.Trace = append(record.Trace, evalRec.Snapshot()...)

	switch evalRes.Outcome {
	case domain.RunSucceeded:
		out.Metrics = extractMetrics(evalRes.Output)
		if passed, ok := evalRes.Output["passed"].(bool); ok {
			out.Passed = passed
		}
		record.Metrics = out.Metrics
	case domain.RunCancelled:
		// The caller withdrew mid-evaluation; the answer stands but the
		// record says the instance was cancelled, not that scoring broke.
		out.Outcome = domain.RunCancelled
		record.Outcome = domain.RunCancelled
	default:
		out.Outcome = domain.RunDegraded
		record.Outcome = domain.RunDegraded
		e.logger.Warn("evaluator failed, run degraded",
			slog.String("run_id", runID),
			slog.String("error", firstFailure(evalRes.Stages)))
	}

	record.CompletedAt = time.Now()
	record.Latency = record.CompletedAt.Sub(started)
	e.persist(ctx, record)
	out.Record = record

	e.logger.Info("score complete",
		slog.String("run_id", runID),
		slog.String("outcome", string(out.Outcome)),
		slog.Bool("passed", out.Passed))
	return out, nil
}

func (e *Engine) newRecord(runID, kind, query string, res *Result, events []domain.TraceEvent, started time.Time) *domain.RunRecord {
	record := &domain.RunRecord{
		RunID:       runID,
		Kind:        kind,
		Query:       query,
		Outcome:     res.Outcome,
		ConfigHash:  e.cfgHash,
		StartedAt:   started,
		CompletedAt: time.Now(),
		Stages:      res.Stages,
		Trace:       events,
	}
	record.Latency = record.CompletedAt.Sub(started)
	if res.Output != nil {
		record.Answer = res.Output.String("answer")
		if cost, ok := res.Output.Float("cost"); ok {
			record.Cost = cost
		}
	}
	return record
}

func (e *Engine) persist(ctx context.Context, record *domain.RunRecord) {
	if err := e.runs.Append(ctx, record); err != nil {
		e.logger.Warn("failed to persist run record",
			slog.String("run_id", record.RunID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) buildIngestGraph() (*graph.Graph, error) {
	chunker, err := e.registry.New(module.CapCustom, "chunker", map[string]any{
		"chunk_size":    e.cfg.Pipeline.ChunkSize,
		"chunk_overlap": e.cfg.Pipeline.ChunkOverlap,
	})
	if err != nil {
		return nil, err
	}
	embedder, err := e.newEmbedder()
	if err != nil {
		return nil, err
	}
	writer, err := e.registry.New(module.CapCustom, e.cfg.Retriever.Provider+"-writer", map[string]any{
		"collection": e.cfg.Retriever.Collection,
	})
	if err != nil {
		return nil, err
	}

	return graph.Build([]graph.StageSpec{
		e.stageSpec("chunk", chunker, "",
			domain.Shape{"text": domain.FieldString},
			domain.Shape{"chunks": domain.FieldList}),
		e.stageSpec("embed", embedder, "chunk",
			domain.Shape{"chunks": domain.FieldList},
			domain.Shape{"chunks": domain.FieldList, "embeddings": domain.FieldList}),
		e.stageSpec("store", writer, "embed",
			domain.Shape{"chunks": domain.FieldList, "embeddings": domain.FieldList},
			domain.Shape{"indexed": domain.FieldNumber}),
	})
}

func (e *Engine) buildRunGraph() (*graph.Graph, error) {
	loader, err := e.registry.New(module.CapCustom, "query-loader", nil)
	if err != nil {
		return nil, err
	}
	embedder, err := e.newEmbedder()
	if err != nil {
		return nil, err
	}
	retriever, err := e.registry.New(module.CapRetriever, e.cfg.Retriever.Provider, map[string]any{
		"collection": e.cfg.Retriever.Collection,
		"top_k":      e.cfg.Retriever.TopK,
	})
	if err != nil {
		return nil, err
	}
	generator, err := e.registry.New(module.CapGenerator, e.cfg.Generator.Provider, map[string]any{
		"model":         e.cfg.Generator.Model,
		"system_prompt": e.cfg.Generator.SystemPrompt,
		"temperature":   e.cfg.Generator.Temperature,
		"max_tokens":    e.cfg.Generator.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	return graph.Build([]graph.StageSpec{
		e.stageSpec("load_query", loader, "",
			nil,
			domain.Shape{"query": domain.FieldString}),
		e.stageSpec("embed_query", embedder, "load_query",
			domain.Shape{"query": domain.FieldString},
			domain.Shape{"query": domain.FieldString, "embedding": domain.FieldList}),
		e.stageSpec("retrieve", retriever, "embed_query",
			domain.Shape{"embedding": domain.FieldList},
			domain.Shape{"query": domain.FieldString, "contexts": domain.FieldList}),
		e.stageSpec("generate", generator, "retrieve",
			domain.Shape{"query": domain.FieldString, "contexts": domain.FieldList},
			domain.Shape{"answer": domain.FieldString, "cost": domain.FieldNumber}),
	})
}

func (e *Engine) buildEvalGraph() (*graph.Graph, error) {
	evaluator, err := e.registry.New(module.CapEvaluator, e.cfg.Eval.Metric, map[string]any{
		"threshold": e.cfg.Eval.Threshold,
	})
	if err != nil {
		return nil, err
	}
	return graph.Build([]graph.StageSpec{
		e.stageSpec("evaluate", evaluator, "",
			nil,
			domain.Shape{"metrics": domain.FieldMap, "passed": domain.FieldBool}),
	})
}

func (e *Engine) newEmbedder() (module.Adapter, error) {
	return e.registry.New(module.CapEmbedder, e.cfg.Embeddings.Provider, map[string]any{
		"model":     e.cfg.Embeddings.Model,
		"dimension": e.cfg.Embeddings.Dimension,
	})
}

func (e *Engine) stageSpec(name string, adapter module.Adapter, upstream string, input, output domain.Shape) graph.StageSpec {
	return graph.StageSpec{
		Name:       name,
		Adapter:    adapter,
		Upstream:   upstream,
		Input:      input,
		Output:     output,
		Timeout:    time.Duration(e.cfg.StageTimeout(name)) * time.Millisecond,
		MaxRetries: e.cfg.StageRetries(name).MaxRetries,
	}
}

func breakerConfig(s config.BreakerSettings) governance.BreakerConfig {
	return governance.BreakerConfig{
		FailureThreshold: s.FailureThreshold,
		Cooldown:         time.Duration(s.CooldownS) * time.Second,
		Window:           time.Duration(s.WindowS) * time.Second,
	}
}

// streamTo forwards recorder events to the sink until the recorder closes,
// returning a wait function. A nil sink waits on nothing.
func streamTo(ctx context.Context, rec *trace.Recorder, sink TraceSink) func() {
	if sink == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range rec.Subscribe(ctx) {
			sink(ev)
		}
	}()
	return func() { <-done }
}

func firstFailure(stages []domain.StageOutcome) string {
	for _, st := range stages {
		if st.Outcome == domain.OutcomeFailed && st.Error != "" {
			return st.Error
		}
	}
	for _, st := range stages {
		if st.Error != "" {
			return st.Error
		}
	}
	return ""
}

func batchOutcome(results []DocumentResult) domain.RunOutcome {
	succeeded := 0
	for _, r := range results {
		switch r.Outcome {
		case domain.RunSucceeded, domain.RunDegraded:
			succeeded++
		case domain.RunCancelled:
			return domain.RunCancelled
		}
	}
	switch succeeded {
	case len(results):
		return domain.RunSucceeded
	case 0:
		return domain.RunFailed
	default:
		return domain.RunDegraded
	}
}

// mergeStages folds one document's stage outcomes into the batch view,
// keeping topological order, summing attempts and latency, and keeping the
// worst outcome seen for each stage.
func mergeStages(acc, next []domain.StageOutcome) []domain.StageOutcome {
	if acc == nil {
		out := make([]domain.StageOutcome, len(next))
		copy(out, next)
		return out
	}
	for i := range next {
		if i >= len(acc) {
			acc = append(acc, next[i])
			continue
		}
		acc[i].Attempts += next[i].Attempts
		acc[i].Latency += next[i].Latency
		if worseOutcome(next[i].Outcome, acc[i].Outcome) {
			acc[i].Outcome = next[i].Outcome
			acc[i].ErrorKind = next[i].ErrorKind
			acc[i].Error = next[i].Error
		}
	}
	return acc
}

var outcomeRank = map[domain.TaskOutcome]int{
	domain.OutcomeSucceeded: 0,
	domain.OutcomePending:   1,
	domain.OutcomeSkipped:   2,
	domain.OutcomeCancelled: 3,
	domain.OutcomeFailed:    4,
}

func worseOutcome(a, b domain.TaskOutcome) bool {
	return outcomeRank[a] > outcomeRank[b]
}

func extractMetrics(output domain.Payload) map[string]float64 {
	raw, ok := output["metrics"]
	if !ok {
		return nil
	}
	var entries map[string]any
	switch m := raw.(type) {
	case domain.Payload:
		entries = m
	case map[string]any:
		entries = m
	default:
		return nil
	}
	out := make(map[string]float64, len(entries))
	for k, v := range entries {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}
