package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/qaforge/qaforge/llm"
)

// The progress protocol is a strict, ordered sequence of typed events.
// Exactly one terminal event (complete, error, or cancelled) ends a
// stream. On the wire each event is one JSON object with a "type"
// discriminator and its fields inline; the transport (newline-delimited
// JSON here) is interchangeable behind this contract.

// EventKind discriminates progress events.
type EventKind string

const (
	KindPlan           EventKind = "plan"
	KindBatchStart     EventKind = "batch-start"
	KindAPICall        EventKind = "api-call"
	KindBatchDone      EventKind = "batch-done"
	KindBatchError     EventKind = "batch-error"
	KindSynthesisStart EventKind = "synthesis-start"
	KindSynthesisDone  EventKind = "synthesis-done"
	KindComplete       EventKind = "complete"
	KindError          EventKind = "error"
	KindCancelled      EventKind = "cancelled"
)

// Phase labels which pipeline stage issued a backend call.
type Phase string

const (
	PhaseBatch     Phase = "batch"
	PhaseSynthesis Phase = "synthesis"
)

// Event is one element of the progress stream.
type Event interface {
	Kind() EventKind
}

// BatchSummary is the per-batch slice of the plan event.
type BatchSummary struct {
	Index     int    `json:"index"`
	FileCount int    `json:"file_count"`
	SizeBytes int    `json:"size_bytes"`
	Summary   string `json:"summary"`
}

// PlanEvent is emitted once, after planning and before any batch runs.
type PlanEvent struct {
	Strategy        Strategy       `json:"strategy"`
	TotalFiles      int            `json:"total_files"`
	TotalSize       int            `json:"total_size"`
	TotalBatches    int            `json:"total_batches"`
	EstimatedTokens int            `json:"estimated_tokens"`
	EstimatedCost   float64        `json:"estimated_cost"`
	Batches         []BatchSummary `json:"batches"`
}

func (PlanEvent) Kind() EventKind { return KindPlan }

// BatchStartEvent is emitted before a batch's prompt is built.
type BatchStartEvent struct {
	Index     int      `json:"index"`
	Total     int      `json:"total"`
	Files     []string `json:"files"`
	FileCount int      `json:"file_count"`
	SizeBytes int      `json:"size_bytes"`
}

func (BatchStartEvent) Kind() EventKind { return KindBatchStart }

// APICallEvent is emitted immediately before a backend request so a
// client can render live wait time.
type APICallEvent struct {
	BatchIndex   int    `json:"batch_index"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	PromptSize   int    `json:"prompt_size"`
	PromptTokens int    `json:"prompt_tokens"`
	Phase        Phase  `json:"phase"`
}

func (APICallEvent) Kind() EventKind { return KindAPICall }

// BatchDoneEvent is emitted after a batch response parses successfully.
type BatchDoneEvent struct {
	Index        int     `json:"index"`
	Total        int     `json:"total"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	DurationMs   int64   `json:"duration_ms"`
	Preview      Preview `json:"preview"`
}

func (BatchDoneEvent) Kind() EventKind { return KindBatchDone }

// BatchErrorEvent is emitted after a failed batch call. Recoverable
// failures do not stop the pipeline.
type BatchErrorEvent struct {
	Index       int    `json:"index"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

func (BatchErrorEvent) Kind() EventKind { return KindBatchError }

// SynthesisStartEvent is emitted before the synthesis call (multi only).
type SynthesisStartEvent struct {
	BatchCount        int `json:"batch_count"`
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
}

func (SynthesisStartEvent) Kind() EventKind { return KindSynthesisStart }

// SynthesisDoneEvent is emitted after a successful synthesis call.
type SynthesisDoneEvent struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	DurationMs   int64 `json:"duration_ms"`
}

func (SynthesisDoneEvent) Kind() EventKind { return KindSynthesisDone }

// CompleteEvent is the successful terminal event.
type CompleteEvent struct {
	Sections        Sections  `json:"sections"`
	Usage           llm.Usage `json:"usage"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	ActualCost      float64   `json:"actual_cost"`
	FilesAnalyzed   int       `json:"files_analyzed"`
	Coverage        float64   `json:"coverage"`
}

func (CompleteEvent) Kind() EventKind { return KindComplete }

// ErrorEvent is the terminal event for fatal failures.
type ErrorEvent struct {
	Message     string `json:"message"`
	Phase       Phase  `json:"phase"`
	Recoverable bool   `json:"recoverable"`
}

func (ErrorEvent) Kind() EventKind { return KindError }

// CancelledEvent is the terminal marker for user cancellation.
type CancelledEvent struct{}

func (CancelledEvent) Kind() EventKind { return KindCancelled }

// MarshalEvent encodes an event as one JSON object with its fields
// inline and a "type" discriminator.
func MarshalEvent(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Kind(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s event: %w", e.Kind(), err)
	}

	kind, _ := json.Marshal(string(e.Kind()))
	fields["type"] = kind
	return json.Marshal(fields)
}

// UnmarshalEvent decodes one wire object back into its typed event.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event type: %w", err)
	}

	switch head.Type {
	case KindPlan:
		return decodeEvent[PlanEvent](data)
	case KindBatchStart:
		return decodeEvent[BatchStartEvent](data)
	case KindAPICall:
		return decodeEvent[APICallEvent](data)
	case KindBatchDone:
		return decodeEvent[BatchDoneEvent](data)
	case KindBatchError:
		return decodeEvent[BatchErrorEvent](data)
	case KindSynthesisStart:
		return decodeEvent[SynthesisStartEvent](data)
	case KindSynthesisDone:
		return decodeEvent[SynthesisDoneEvent](data)
	case KindComplete:
		return decodeEvent[CompleteEvent](data)
	case KindError:
		return decodeEvent[ErrorEvent](data)
	case KindCancelled:
		return CancelledEvent{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", head.Type)
	}
}

func decodeEvent[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", ev.Kind(), err)
	}
	return ev, nil
}
