// Package analysis implements the QA artifact generation pipeline:
// planning, sequential batch execution against a text-generation
// backend, synthesis of partial outputs, progress event streaming, and
// cooperative cancellation.
package analysis

import (
	"errors"
	"fmt"
	"time"

	"github.com/qaforge/qaforge/llm"
)

// SourceFile is one unit of input content. The pipeline treats content
// as an opaque text blob; no structural parsing is attempted.
type SourceFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Size returns the content length in bytes.
func (f SourceFile) Size() int {
	return len(f.Content)
}

// GenerationConfig selects which QA artifacts to produce and how to
// frame them.
type GenerationConfig struct {
	// UserStories requests user story generation.
	UserStories bool `json:"user_stories"`

	// TestCases requests test case generation.
	TestCases bool `json:"test_cases"`

	// AcceptanceCriteria requests acceptance criteria generation.
	AcceptanceCriteria bool `json:"acceptance_criteria"`

	// EdgeCases asks for edge case coverage within test cases.
	EdgeCases bool `json:"edge_cases"`

	// SecurityTests asks for security-focused test cases.
	SecurityTests bool `json:"security_tests"`

	// OutputFormat names the desired document format (e.g., "markdown",
	// "gherkin"). Empty means markdown.
	OutputFormat string `json:"output_format,omitempty"`

	// TestFramework names the framework test cases should target.
	TestFramework string `json:"test_framework,omitempty"`

	// AdditionalContext is free-form guidance appended to every prompt.
	AdditionalContext string `json:"additional_context,omitempty"`

	// Model overrides the endpoint default model.
	Model string `json:"model,omitempty"`
}

// Request is the immutable input to one analysis run.
type Request struct {
	// Files is the ordered list of source content to analyze.
	Files []SourceFile `json:"files"`

	// Config selects the artifacts to generate.
	Config GenerationConfig `json:"config"`
}

// TotalBytes returns the summed content size across all files.
func (r Request) TotalBytes() int {
	total := 0
	for _, f := range r.Files {
		total += f.Size()
	}
	return total
}

// Sections holds the structured document extracted from a generation
// response. When section headers cannot be recognized, the full raw
// text is placed in all three sections so no content is dropped.
type Sections struct {
	UserStories        string `json:"user_stories"`
	TestCases          string `json:"test_cases"`
	AcceptanceCriteria string `json:"acceptance_criteria"`
	Raw                string `json:"raw"`
}

// Preview holds rough artifact counts extracted by pattern matching,
// used for live progress feedback only.
type Preview struct {
	StoriesCount int `json:"stories_count"`
	TestsCount   int `json:"tests_count"`
}

// BatchStatus tracks the lifecycle of one batch. Transitions are
// monotonic: pending → active → calling-backend → done | error.
type BatchStatus string

const (
	BatchPending        BatchStatus = "pending"
	BatchActive         BatchStatus = "active"
	BatchCallingBackend BatchStatus = "calling-backend"
	BatchDone           BatchStatus = "done"
	BatchFailed         BatchStatus = "error"
)

// BatchError describes a failed batch.
type BatchError struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// BatchResult is the outcome of executing one batch. Sections is set
// iff Status is done; Err is set iff Status is error.
type BatchResult struct {
	Index      int         `json:"index"`
	Status     BatchStatus `json:"status"`
	Sections   *Sections   `json:"sections,omitempty"`
	Usage      llm.Usage   `json:"usage"`
	DurationMs int64       `json:"duration_ms"`
	Err        *BatchError `json:"error,omitempty"`
}

// SynthesisResult is the outcome of the second-pass merge call.
type SynthesisResult struct {
	Sections   Sections  `json:"sections"`
	Usage      llm.Usage `json:"usage"`
	DurationMs int64     `json:"duration_ms"`
}

// Outcome is the externally visible result of a completed analysis,
// handed to the persistence collaborator on the complete event.
type Outcome struct {
	ID              string    `json:"id"`
	Sections        Sections  `json:"sections"`
	Usage           llm.Usage `json:"usage"`
	ActualCost      float64   `json:"actual_cost"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	FilesAnalyzed   int       `json:"files_analyzed"`
	Coverage        float64   `json:"coverage"`
	CreatedAt       time.Time `json:"created_at"`
}

// ValidationError reports invalid input, surfaced synchronously before
// any event is emitted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid analysis request: %s", e.Reason)
}

// IsValidationError reports whether err is a request validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
