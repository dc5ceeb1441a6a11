package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qaforge/qaforge/llm"
)

// Generator is the narrow contract the pipeline holds on the
// text-generation backend. llm.Client satisfies it; tests substitute
// fakes. The implementation must honor ctx for cancellation.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (*llm.Response, error)
}

// Pipeline drives one analysis request through planning, sequential
// batch execution, and synthesis. Batches run strictly one at a time:
// cumulative token counters stay meaningful and a provider rate limit
// is never multiplied across concurrent calls.
type Pipeline struct {
	gen      Generator
	provider string
	model    string
	limits   Limits
	rates    Rates
	logger   *slog.Logger
	metrics  *Metrics
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLimits sets the planner limits.
func WithLimits(l Limits) PipelineOption {
	return func(p *Pipeline) {
		p.limits = l
	}
}

// WithRates sets the cost rates.
func WithRates(r Rates) PipelineOption {
	return func(p *Pipeline) {
		p.rates = r
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// NewPipeline creates a pipeline over the given backend. provider and
// model appear in api-call events only; the backend binding itself
// lives in gen.
func NewPipeline(gen Generator, provider, model string, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		gen:      gen,
		provider: provider,
		model:    model,
		limits:   DefaultLimits(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Plan validates the request and computes the execution plan. Called
// synchronously so validation failures surface before any event.
func (p *Pipeline) Plan(req Request) (*Plan, error) {
	return BuildPlan(req, p.limits, p.rates)
}

// batchOutcome carries one batch's result plus control-flow markers out
// of runBatch.
type batchOutcome struct {
	result    BatchResult
	fatal     error
	cancelled bool
}

// Execute runs the plan to completion, emitting progress events in
// strict order. It returns the outcome on success; on fatal failure or
// cancellation the terminal event has already been emitted and the
// returned error describes the cause. emit must not be called after
// Execute returns.
func (p *Pipeline) Execute(ctx context.Context, req Request, plan *Plan, emit func(Event)) (*Outcome, error) {
	start := time.Now()
	model := req.Config.Model
	if model == "" {
		model = p.model
	}

	emit(planEvent(plan))

	total := len(plan.Batches)
	results := make([]BatchResult, total)
	for i := range results {
		results[i] = BatchResult{Index: i, Status: BatchPending}
	}

	var usage llm.Usage

	for i, batch := range plan.Batches {
		if ctx.Err() != nil {
			emit(CancelledEvent{})
			p.metrics.analysisFinished("cancelled")
			return nil, ctx.Err()
		}

		out := p.runBatch(ctx, batch, req.Config, plan.Strategy, total, model, emit)
		if out.cancelled {
			emit(CancelledEvent{})
			p.metrics.analysisFinished("cancelled")
			return nil, context.Canceled
		}

		results[i] = out.result
		usage = usage.Add(out.result.Usage)

		if out.fatal != nil {
			emit(ErrorEvent{Message: out.fatal.Error(), Phase: PhaseBatch, Recoverable: false})
			p.metrics.analysisFinished("error")
			return nil, out.fatal
		}
	}

	successes := successfulResults(results)
	if len(successes) == 0 {
		emit(ErrorEvent{Message: "all batches failed", Phase: PhaseBatch, Recoverable: false})
		p.metrics.analysisFinished("error")
		return nil, fmt.Errorf("all batches failed")
	}

	var merged Sections
	if plan.Strategy == StrategySingle {
		merged = *successes[0].Sections
	} else {
		synth, cancelled, err := p.runSynthesis(ctx, successes, req.Config, model, usage, emit)
		switch {
		case cancelled:
			emit(CancelledEvent{})
			p.metrics.analysisFinished("cancelled")
			return nil, context.Canceled
		case err != nil:
			// Partial results beat no results: concatenate batch
			// outputs under per-batch headings instead of failing.
			p.logger.Warn("Synthesis failed, falling back to concatenation",
				"batches", len(successes),
				"error", err)
			merged = ConcatenateSections(successes)
		default:
			merged = synth.Sections
			usage = usage.Add(synth.Usage)
		}
	}

	filesAnalyzed := 0
	for _, r := range successes {
		filesAnalyzed += len(plan.Batches[r.Index].Files)
	}

	outcome := &Outcome{
		Sections:        merged,
		Usage:           usage,
		ActualCost:      Cost(usage, p.rates),
		TotalDurationMs: time.Since(start).Milliseconds(),
		FilesAnalyzed:   filesAnalyzed,
		Coverage:        float64(len(successes)) / float64(total),
		CreatedAt:       time.Now(),
	}

	emit(CompleteEvent{
		Sections:        outcome.Sections,
		Usage:           outcome.Usage,
		TotalDurationMs: outcome.TotalDurationMs,
		ActualCost:      outcome.ActualCost,
		FilesAnalyzed:   outcome.FilesAnalyzed,
		Coverage:        outcome.Coverage,
	})
	p.metrics.analysisFinished("complete")
	p.metrics.addTokens(usage)

	return outcome, nil
}

// runBatch executes one batch: prompt, api-call event, backend call,
// parse, done/error event.
func (p *Pipeline) runBatch(ctx context.Context, batch BatchSpec, cfg GenerationConfig, strategy Strategy, total int, model string, emit func(Event)) batchOutcome {
	result := BatchResult{Index: batch.Index, Status: BatchActive}

	emit(BatchStartEvent{
		Index:     batch.Index,
		Total:     total,
		Files:     batch.FilePaths(),
		FileCount: len(batch.Files),
		SizeBytes: batch.TotalBytes,
	})

	var prompt string
	if strategy == StrategySingle {
		prompt = BuildPrompt(batch.Files, cfg)
	} else {
		prompt = BuildBatchPrompt(batch, cfg, total)
	}

	result.Status = BatchCallingBackend
	emit(APICallEvent{
		BatchIndex:   batch.Index,
		Provider:     p.provider,
		Model:        model,
		PromptSize:   len(prompt),
		PromptTokens: EstimateTokens(prompt),
		Phase:        PhaseBatch,
	})

	started := time.Now()
	resp, err := p.gen.Generate(ctx, prompt, model)
	duration := time.Since(started)
	result.DurationMs = duration.Milliseconds()

	if err != nil {
		if isCancellation(ctx, err) {
			return batchOutcome{cancelled: true}
		}

		recoverable := !llm.IsFatal(err)
		result.Status = BatchFailed
		result.Err = &BatchError{Message: err.Error(), Recoverable: recoverable}

		emit(BatchErrorEvent{Index: batch.Index, Error: err.Error(), Recoverable: recoverable})
		p.metrics.batchFinished("error", duration)

		out := batchOutcome{result: result}
		if !recoverable {
			out.fatal = err
		}
		return out
	}

	sections, recognized := ParseSections(resp.Content)
	if !recognized {
		p.logger.Warn("No section headers recognized in batch response, using raw fallback",
			"batch", batch.Index)
	}

	result.Status = BatchDone
	result.Sections = &sections
	result.Usage = resp.Usage

	emit(BatchDoneEvent{
		Index:        batch.Index,
		Total:        total,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		DurationMs:   result.DurationMs,
		Preview:      CountPreview(sections),
	})
	p.metrics.batchFinished("done", duration)

	return batchOutcome{result: result}
}

// runSynthesis merges successful batch outputs with one more backend
// call. The caller applies the concatenation fallback on error.
func (p *Pipeline) runSynthesis(ctx context.Context, successes []BatchResult, cfg GenerationConfig, model string, usage llm.Usage, emit func(Event)) (*SynthesisResult, bool, error) {
	emit(SynthesisStartEvent{
		BatchCount:        len(successes),
		TotalInputTokens:  usage.InputTokens,
		TotalOutputTokens: usage.OutputTokens,
	})

	prompt := BuildSynthesisPrompt(successes, cfg)

	emit(APICallEvent{
		BatchIndex:   -1,
		Provider:     p.provider,
		Model:        model,
		PromptSize:   len(prompt),
		PromptTokens: EstimateTokens(prompt),
		Phase:        PhaseSynthesis,
	})

	started := time.Now()
	resp, err := p.gen.Generate(ctx, prompt, model)
	if err != nil {
		if isCancellation(ctx, err) {
			return nil, true, nil
		}
		return nil, false, err
	}

	sections, _ := ParseSections(resp.Content)
	durationMs := time.Since(started).Milliseconds()

	emit(SynthesisDoneEvent{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		DurationMs:   durationMs,
	})

	return &SynthesisResult{
		Sections:   sections,
		Usage:      resp.Usage,
		DurationMs: durationMs,
	}, false, nil
}

// isCancellation distinguishes user cancellation from other failures.
// A per-call timeout surfaces as a transient error, not cancellation.
func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled)
}

// successfulResults filters results to those with parsed sections.
func successfulResults(results []BatchResult) []BatchResult {
	var out []BatchResult
	for _, r := range results {
		if r.Status == BatchDone && r.Sections != nil {
			out = append(out, r)
		}
	}
	return out
}

// planEvent projects a Plan into its wire event.
func planEvent(plan *Plan) PlanEvent {
	summaries := make([]BatchSummary, len(plan.Batches))
	for i, b := range plan.Batches {
		summaries[i] = BatchSummary{
			Index:     b.Index,
			FileCount: len(b.Files),
			SizeBytes: b.TotalBytes,
			Summary:   b.Summary,
		}
	}

	return PlanEvent{
		Strategy:        plan.Strategy,
		TotalFiles:      plan.TotalFiles,
		TotalSize:       plan.TotalBytes,
		TotalBatches:    len(plan.Batches),
		EstimatedTokens: plan.EstimatedTokens,
		EstimatedCost:   plan.EstimatedCost,
		Batches:         summaries,
	}
}
