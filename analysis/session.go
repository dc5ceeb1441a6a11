package analysis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OutcomeStore receives exactly one outcome when an analysis completes.
// The session holds no reference to the outcome afterwards.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, outcome *Outcome) error
}

// saveTimeout bounds the persistence handoff after completion.
const saveTimeout = 10 * time.Second

// Session owns one analysis run: an explicit start/cancel lifecycle
// around a single cooperative cancellation token. A cancelled session
// cannot be restarted; create a new one from the planner.
type Session struct {
	id       string
	pipeline *Pipeline
	req      Request
	store    OutcomeStore
	logger   *slog.Logger

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	started   bool
	cancelled bool

	outcome *Outcome
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithOutcomeStore sets the persistence collaborator.
func WithOutcomeStore(store OutcomeStore) SessionOption {
	return func(s *Session) {
		s.store = store
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates a session for one analysis request.
func NewSession(pipeline *Pipeline, req Request, opts ...SessionOption) *Session {
	s := &Session{
		id:       uuid.New().String(),
		pipeline: pipeline,
		req:      req,
		logger:   slog.Default(),
		events:   make(chan Event, 16),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Start validates the request and launches the pipeline. Validation
// failures are returned synchronously; nothing is emitted for them.
// On success the returned channel carries the ordered event stream and
// is closed after the terminal event.
func (s *Session) Start(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, &ValidationError{Reason: "session already started"}
	}

	plan, err := s.pipeline.Plan(s.req)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	alreadyCancelled := s.cancelled
	s.mu.Unlock()

	if alreadyCancelled {
		cancel()
	}

	go s.run(runCtx, plan)

	return s.events, nil
}

// Cancel requests cooperative cancellation. The in-flight backend call
// (if any) is aborted at the transport level, no further batches run,
// and the stream ends with a single cancelled marker. Safe to call at
// any time, from any goroutine, more than once.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Done is closed once the session reaches a terminal state and the
// event channel has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the completed outcome, or nil if the session did not
// complete successfully. Valid only after Done is closed.
func (s *Session) Outcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Session) run(ctx context.Context, plan *Plan) {
	defer close(s.done)
	defer close(s.events)

	outcome, err := s.pipeline.Execute(ctx, s.req, plan, func(ev Event) {
		s.events <- ev
	})
	if err != nil {
		s.logger.Debug("Analysis ended without outcome", "session", s.id, "reason", err)
		return
	}

	outcome.ID = s.id

	s.mu.Lock()
	s.outcome = outcome
	s.mu.Unlock()

	if s.store != nil {
		// The run context may already be done; persistence gets its own.
		saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		if err := s.store.SaveOutcome(saveCtx, outcome); err != nil {
			s.logger.Warn("Failed to persist analysis outcome",
				"session", s.id,
				"error", err)
		}
	}
}
