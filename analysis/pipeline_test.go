package analysis

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaforge/qaforge/llm"
)

// fakeGenerator scripts one response or error per call, in order.
type fakeGenerator struct {
	responses []fakeResponse
	calls     int
	prompts   []string
}

type fakeResponse struct {
	content string
	usage   llm.Usage
	err     error
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt, model string) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.prompts = append(g.prompts, prompt)
	if g.calls >= len(g.responses) {
		return nil, fmt.Errorf("unexpected call %d", g.calls)
	}
	r := g.responses[g.calls]
	g.calls++

	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Content: r.content, Usage: r.usage}, nil
}

const structuredResponse = `## User Stories
1. As a user, I want things to work.

## Test Cases
1. It works.

## Acceptance Criteria
- It is acceptable.`

func okResponse(in, out int) fakeResponse {
	return fakeResponse{content: structuredResponse, usage: llm.Usage{InputTokens: in, OutputTokens: out}}
}

func collectEvents(t *testing.T, p *Pipeline, req Request) ([]Event, *Outcome, error) {
	t.Helper()
	plan, err := p.Plan(req)
	require.NoError(t, err)

	var events []Event
	outcome, err := p.Execute(context.Background(), req, plan, func(ev Event) {
		events = append(events, ev)
	})
	return events, outcome, err
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func multiBatchRequest(batches int) (Request, Limits) {
	limits := Limits{SinglePassLimit: 50, MaxBatchBytes: 100, MaxBatchFiles: 1}
	var files []SourceFile
	for i := 0; i < batches; i++ {
		files = append(files, file(fmt.Sprintf("f%d.go", i), 60))
	}
	return Request{Files: files, Config: GenerationConfig{TestCases: true}}, limits
}

func TestExecuteSinglePass(t *testing.T) {
	gen := &fakeGenerator{responses: []fakeResponse{okResponse(100, 50)}}
	p := NewPipeline(gen, "claude", "model-x",
		WithRates(Rates{InputPerMTok: 3, OutputPerMTok: 15}))

	req := Request{
		Files:  []SourceFile{file("a.go", 100)},
		Config: GenerationConfig{UserStories: true, TestCases: true},
	}

	events, outcome, err := collectEvents(t, p, req)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.Equal(t, []EventKind{
		KindPlan, KindBatchStart, KindAPICall, KindBatchDone, KindComplete,
	}, kinds(events))

	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, 1.0, outcome.Coverage)
	assert.Equal(t, 1, outcome.FilesAnalyzed)
	assert.Equal(t, llm.Usage{InputTokens: 100, OutputTokens: 50}, outcome.Usage)
	assert.InDelta(t, 100.0/1e6*3+50.0/1e6*15, outcome.ActualCost, 1e-9)
	assert.Contains(t, outcome.Sections.UserStories, "As a user")
}

func TestExecuteMultiBatchWithSynthesis(t *testing.T) {
	req, limits := multiBatchRequest(3)
	gen := &fakeGenerator{responses: []fakeResponse{
		okResponse(100, 50),
		okResponse(100, 50),
		okResponse(100, 50),
		okResponse(200, 120), // synthesis
	}}
	p := NewPipeline(gen, "claude", "model-x", WithLimits(limits))

	events, outcome, err := collectEvents(t, p, req)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.Equal(t, []EventKind{
		KindPlan,
		KindBatchStart, KindAPICall, KindBatchDone,
		KindBatchStart, KindAPICall, KindBatchDone,
		KindBatchStart, KindAPICall, KindBatchDone,
		KindSynthesisStart, KindAPICall, KindSynthesisDone,
		KindComplete,
	}, kinds(events))

	// Synthesis usage counts toward the total.
	assert.Equal(t, llm.Usage{InputTokens: 500, OutputTokens: 270}, outcome.Usage)
	assert.Equal(t, 1.0, outcome.Coverage)
	assert.Equal(t, 3, outcome.FilesAnalyzed)

	// Batch prompts carry position framing; the synthesis prompt embeds
	// every batch output.
	assert.Contains(t, gen.prompts[0], "batch 1 of 3")
	assert.Contains(t, gen.prompts[3], "--- Batch 1 output ---")
	assert.Contains(t, gen.prompts[3], "--- Batch 3 output ---")
}

func TestExecuteRecoverableBatchFailureContinues(t *testing.T) {
	req, limits := multiBatchRequest(3)
	gen := &fakeGenerator{responses: []fakeResponse{
		okResponse(100, 50),
		{err: llm.NewTransientError(fmt.Errorf("rate limited"))},
		okResponse(100, 50),
		okResponse(150, 80),
	}}
	p := NewPipeline(gen, "claude", "model-x", WithLimits(limits))

	events, outcome, err := collectEvents(t, p, req)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	ks := kinds(events)
	assert.Contains(t, ks, KindBatchError)
	assert.Equal(t, KindComplete, ks[len(ks)-1])

	// The batch after the failure still ran.
	var startIndexes []int
	for _, ev := range events {
		if start, ok := ev.(BatchStartEvent); ok {
			startIndexes = append(startIndexes, start.Index)
		}
	}
	assert.Equal(t, []int{0, 1, 2}, startIndexes)

	assert.InDelta(t, 2.0/3.0, outcome.Coverage, 1e-9)
	assert.Equal(t, 2, outcome.FilesAnalyzed)

	for _, ev := range events {
		if be, ok := ev.(BatchErrorEvent); ok {
			assert.True(t, be.Recoverable)
			assert.Equal(t, 1, be.Index)
		}
	}
}

func TestExecuteFatalBatchFailureAborts(t *testing.T) {
	req, limits := multiBatchRequest(3)
	gen := &fakeGenerator{responses: []fakeResponse{
		okResponse(100, 50),
		{err: llm.NewFatalError(fmt.Errorf("invalid api key"))},
	}}
	p := NewPipeline(gen, "claude", "model-x", WithLimits(limits))

	events, outcome, err := collectEvents(t, p, req)
	require.Error(t, err)
	assert.Nil(t, outcome)

	ks := kinds(events)
	assert.Equal(t, KindError, ks[len(ks)-1])
	assert.NotContains(t, ks, KindComplete)
	assert.NotContains(t, ks, KindSynthesisStart)

	// Batch 2 never started.
	assert.Equal(t, 2, gen.calls)
}

func TestExecuteAllBatchesFailed(t *testing.T) {
	req, limits := multiBatchRequest(2)
	gen := &fakeGenerator{responses: []fakeResponse{
		{err: llm.NewTransientError(fmt.Errorf("timeout"))},
		{err: llm.NewTransientError(fmt.Errorf("timeout"))},
	}}
	p := NewPipeline(gen, "claude", "model-x", WithLimits(limits))

	events, outcome, err := collectEvents(t, p, req)
	require.Error(t, err)
	assert.Nil(t, outcome)

	ks := kinds(events)
	assert.Equal(t, KindError, ks[len(ks)-1])
	assert.NotContains(t, ks, KindSynthesisStart)
	assert.NotContains(t, ks, KindComplete)
}

func TestExecuteSynthesisFailureFallsBackToConcatenation(t *testing.T) {
	req, limits := multiBatchRequest(2)
	gen := &fakeGenerator{responses: []fakeResponse{
		okResponse(100, 50),
		okResponse(100, 50),
		{err: llm.NewTransientError(fmt.Errorf("backend unavailable"))},
	}}
	p := NewPipeline(gen, "claude", "model-x", WithLimits(limits))

	events, outcome, err := collectEvents(t, p, req)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	ks := kinds(events)
	assert.Contains(t, ks, KindSynthesisStart)
	assert.NotContains(t, ks, KindSynthesisDone)
	assert.Equal(t, KindComplete, ks[len(ks)-1])

	// Concatenated output carries per-batch headings and only batch
	// usage; the failed synthesis call contributed no tokens.
	assert.Contains(t, outcome.Sections.TestCases, "## Batch 1")
	assert.Contains(t, outcome.Sections.TestCases, "## Batch 2")
	assert.Equal(t, llm.Usage{InputTokens: 200, OutputTokens: 100}, outcome.Usage)
	assert.Equal(t, 1.0, outcome.Coverage)
}

func TestExecuteCancellationEmitsSingleCancelledEvent(t *testing.T) {
	req, limits := multiBatchRequest(3)

	ctx, cancel := context.WithCancel(context.Background())

	gen := &fakeGenerator{responses: []fakeResponse{okResponse(100, 50)}}
	p := NewPipeline(gen, "claude", "model-x", WithLimits(limits))

	plan, err := p.Plan(req)
	require.NoError(t, err)

	var events []Event
	outcome, err := p.Execute(ctx, req, plan, func(ev Event) {
		events = append(events, ev)
		// Cancel right after the first batch finishes.
		if ev.Kind() == KindBatchDone {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, outcome)

	ks := kinds(events)
	assert.Equal(t, KindCancelled, ks[len(ks)-1])

	cancelledCount := 0
	for _, k := range ks {
		if k == KindCancelled {
			cancelledCount++
		}
	}
	assert.Equal(t, 1, cancelledCount)
	assert.NotContains(t, ks, KindComplete)
	assert.NotContains(t, ks, KindError)
}

func TestExecuteUnstructuredResponseStillCompletes(t *testing.T) {
	gen := &fakeGenerator{responses: []fakeResponse{
		{content: "free-form prose with no headings", usage: llm.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	p := NewPipeline(gen, "claude", "model-x")

	req := Request{Files: []SourceFile{file("a.go", 10)}, Config: GenerationConfig{TestCases: true}}

	events, outcome, err := collectEvents(t, p, req)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.Equal(t, KindComplete, events[len(events)-1].Kind())
	assert.Equal(t, "free-form prose with no headings", outcome.Sections.TestCases)
}
