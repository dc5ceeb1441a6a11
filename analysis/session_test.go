package analysis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaforge/qaforge/llm"
)

type memoryStore struct {
	mu       sync.Mutex
	outcomes []*Outcome
}

func (s *memoryStore) SaveOutcome(_ context.Context, outcome *Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *memoryStore) saved() []*Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes
}

// blockingGenerator parks until released, so a test can cancel mid-call.
type blockingGenerator struct {
	entered chan struct{}
	once    sync.Once
}

func (g *blockingGenerator) Generate(ctx context.Context, prompt, model string) (*llm.Response, error) {
	g.once.Do(func() { close(g.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func drainEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func TestSessionCompletesAndPersists(t *testing.T) {
	gen := &fakeGenerator{responses: []fakeResponse{okResponse(100, 50)}}
	p := NewPipeline(gen, "claude", "model-x")
	store := &memoryStore{}

	req := Request{Files: []SourceFile{file("a.go", 100)}, Config: GenerationConfig{TestCases: true}}
	session := NewSession(p, req, WithOutcomeStore(store))
	require.NotEmpty(t, session.ID())

	events, err := session.Start(context.Background())
	require.NoError(t, err)

	collected := drainEvents(t, events)
	<-session.Done()

	require.NotEmpty(t, collected)
	assert.Equal(t, KindComplete, collected[len(collected)-1].Kind())

	outcome := session.Outcome()
	require.NotNil(t, outcome)
	assert.Equal(t, session.ID(), outcome.ID)

	saved := store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, session.ID(), saved[0].ID)
}

func TestSessionValidationFailsSynchronously(t *testing.T) {
	p := NewPipeline(&fakeGenerator{}, "claude", "model-x")
	session := NewSession(p, Request{})

	events, err := session.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Nil(t, events)
}

func TestSessionStartTwiceRejected(t *testing.T) {
	gen := &fakeGenerator{responses: []fakeResponse{okResponse(10, 5)}}
	p := NewPipeline(gen, "claude", "model-x")

	req := Request{Files: []SourceFile{file("a.go", 10)}, Config: GenerationConfig{TestCases: true}}
	session := NewSession(p, req)

	events, err := session.Start(context.Background())
	require.NoError(t, err)

	_, err = session.Start(context.Background())
	require.Error(t, err)

	drainEvents(t, events)
	<-session.Done()
}

func TestSessionCancelMidCall(t *testing.T) {
	gen := &blockingGenerator{entered: make(chan struct{})}
	p := NewPipeline(gen, "claude", "model-x")

	req := Request{Files: []SourceFile{file("a.go", 100)}, Config: GenerationConfig{TestCases: true}}
	session := NewSession(p, req)

	events, err := session.Start(context.Background())
	require.NoError(t, err)

	go func() {
		<-gen.entered
		session.Cancel()
	}()

	collected := drainEvents(t, events)
	<-session.Done()

	require.NotEmpty(t, collected)
	assert.Equal(t, KindCancelled, collected[len(collected)-1].Kind())
	assert.Nil(t, session.Outcome())

	// Repeated cancellation is harmless.
	session.Cancel()
}

func TestSessionCancelBeforeStartSkipsAllBatches(t *testing.T) {
	gen := &fakeGenerator{responses: []fakeResponse{okResponse(10, 5)}}
	p := NewPipeline(gen, "claude", "model-x")

	req := Request{Files: []SourceFile{file("a.go", 10)}, Config: GenerationConfig{TestCases: true}}
	session := NewSession(p, req)
	session.Cancel()

	events, err := session.Start(context.Background())
	require.NoError(t, err)

	collected := drainEvents(t, events)
	<-session.Done()

	require.NotEmpty(t, collected)
	assert.Equal(t, KindCancelled, collected[len(collected)-1].Kind())
	assert.Equal(t, 0, gen.calls)
}

