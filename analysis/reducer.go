package analysis

import (
	"fmt"
	"time"

	"github.com/qaforge/qaforge/llm"
)

// Status is the client-visible lifecycle of one analysis stream.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusPlanning     Status = "planning"
	StatusAnalyzing    Status = "analyzing"
	StatusSynthesizing Status = "synthesizing"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// StreamOpened is a client-local marker injected by the consumer when
// the transport connects, before any server event arrives. It never
// appears on the wire.
type StreamOpened struct{}

func (StreamOpened) Kind() EventKind { return "stream-opened" }

// BatchView is the per-batch projection a client renders.
type BatchView struct {
	Index      int
	Status     BatchStatus
	FileCount  int
	SizeBytes  int
	Summary    string
	Usage      llm.Usage
	DurationMs int64
	Error      string
}

// dataFlowLimit caps the activity log so long runs stay bounded.
const dataFlowLimit = 50

// State is the full client-side view of one analysis, derived purely
// from the event stream. It is an immutable value: Reduce returns a new
// State and never mutates its input, so snapshots are safe to retain.
type State struct {
	Status          Status
	Strategy        Strategy
	TotalFiles      int
	TotalSize       int
	EstimatedTokens int
	EstimatedCost   float64
	Batches         []BatchView
	Usage           llm.Usage
	ActualCost      float64
	Coverage        float64
	Sections        *Sections
	ErrorMessage    string
	CurrentActivity string
	DataFlowLog     []string

	startedAt time.Time
	elapsed   time.Duration
}

// NewState returns the initial idle state.
func NewState() State {
	return State{Status: StatusIdle}
}

// Elapsed returns time since the plan event, frozen at the terminal
// event. now supplies the clock so the value is testable.
func (s State) Elapsed(now time.Time) time.Duration {
	if s.Status.Terminal() || s.startedAt.IsZero() {
		return s.elapsed
	}
	return now.Sub(s.startedAt)
}

// Reduce folds one event into the state. Events arriving after a
// terminal status are ignored; a stale or duplicated tail cannot
// corrupt a finished view.
func Reduce(s State, ev Event) State {
	if s.Status.Terminal() {
		return s
	}

	switch e := ev.(type) {
	case StreamOpened:
		s.Status = StatusConnecting
		s.CurrentActivity = "connecting"

	case PlanEvent:
		s.Status = StatusPlanning
		s.Strategy = e.Strategy
		s.TotalFiles = e.TotalFiles
		s.TotalSize = e.TotalSize
		s.EstimatedTokens = e.EstimatedTokens
		s.EstimatedCost = e.EstimatedCost
		s.startedAt = time.Now()
		s.Batches = make([]BatchView, len(e.Batches))
		for i, b := range e.Batches {
			s.Batches[i] = BatchView{
				Index:     b.Index,
				Status:    BatchPending,
				FileCount: b.FileCount,
				SizeBytes: b.SizeBytes,
				Summary:   b.Summary,
			}
		}
		s.CurrentActivity = fmt.Sprintf("planned %d batches", len(e.Batches))
		s = logFlow(s, s.CurrentActivity)

	case BatchStartEvent:
		s.Status = StatusAnalyzing
		s = updateBatch(s, e.Index, func(b *BatchView) {
			b.Status = BatchActive
		})
		s.CurrentActivity = fmt.Sprintf("analyzing batch %d/%d", e.Index+1, e.Total)
		s = logFlow(s, s.CurrentActivity)

	case APICallEvent:
		if e.Phase == PhaseBatch {
			s = updateBatch(s, e.BatchIndex, func(b *BatchView) {
				b.Status = BatchCallingBackend
			})
		}
		s.CurrentActivity = fmt.Sprintf("calling %s (%s)", e.Provider, e.Model)
		s = logFlow(s, fmt.Sprintf("sent ~%d tokens to %s", e.PromptTokens, e.Provider))

	case BatchDoneEvent:
		u := llm.Usage{InputTokens: e.InputTokens, OutputTokens: e.OutputTokens}
		s = updateBatch(s, e.Index, func(b *BatchView) {
			b.Status = BatchDone
			b.Usage = u
			b.DurationMs = e.DurationMs
		})
		s.Usage = s.Usage.Add(u)
		s = logFlow(s, fmt.Sprintf("batch %d done: %d stories, %d tests",
			e.Index+1, e.Preview.StoriesCount, e.Preview.TestsCount))

	case BatchErrorEvent:
		s = updateBatch(s, e.Index, func(b *BatchView) {
			b.Status = BatchFailed
			b.Error = e.Error
		})
		s = logFlow(s, fmt.Sprintf("batch %d failed: %s", e.Index+1, e.Error))

	case SynthesisStartEvent:
		s.Status = StatusSynthesizing
		s.CurrentActivity = fmt.Sprintf("synthesizing %d batch results", e.BatchCount)
		s = logFlow(s, s.CurrentActivity)

	case SynthesisDoneEvent:
		s.Usage = s.Usage.Add(llm.Usage{InputTokens: e.InputTokens, OutputTokens: e.OutputTokens})
		s = logFlow(s, "synthesis done")

	case CompleteEvent:
		s.Status = StatusComplete
		s.Usage = e.Usage
		s.ActualCost = e.ActualCost
		s.Coverage = e.Coverage
		sections := e.Sections
		s.Sections = &sections
		s.CurrentActivity = "complete"
		s.elapsed = freezeElapsed(s)
		s = logFlow(s, "complete")

	case ErrorEvent:
		s.Status = StatusError
		s.ErrorMessage = e.Message
		s.CurrentActivity = "failed"
		s.elapsed = freezeElapsed(s)
		s = logFlow(s, "error: "+e.Message)

	case CancelledEvent:
		s.Status = StatusCancelled
		s.CurrentActivity = "cancelled"
		s.elapsed = freezeElapsed(s)
		s = logFlow(s, "cancelled")
	}

	return s
}

// updateBatch copies the batch slice before mutating so prior State
// values stay valid.
func updateBatch(s State, index int, fn func(*BatchView)) State {
	if index < 0 || index >= len(s.Batches) {
		return s
	}
	batches := make([]BatchView, len(s.Batches))
	copy(batches, s.Batches)
	fn(&batches[index])
	s.Batches = batches
	return s
}

func logFlow(s State, entry string) State {
	log := make([]string, 0, len(s.DataFlowLog)+1)
	log = append(log, s.DataFlowLog...)
	log = append(log, entry)
	if len(log) > dataFlowLimit {
		log = log[len(log)-dataFlowLimit:]
	}
	s.DataFlowLog = log
	return s
}

func freezeElapsed(s State) time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}
