package analysis

import (
	"fmt"
)

// Strategy selects between one backend call and a batched run.
type Strategy string

const (
	// StrategySingle fits all content in one backend call.
	StrategySingle Strategy = "single"

	// StrategyMulti splits content into size-bounded batches followed
	// by a synthesis pass.
	StrategyMulti Strategy = "multi"
)

// Limits bounds the planner's partitioning.
type Limits struct {
	// SinglePassLimit is the total content size in bytes under which
	// the whole request fits in one backend call.
	SinglePassLimit int `yaml:"single_pass_limit"`

	// MaxBatchBytes bounds the content size of one batch. A single
	// file larger than this still becomes its own batch; files are
	// never split.
	MaxBatchBytes int `yaml:"max_batch_bytes"`

	// MaxBatchFiles bounds the file count of one batch.
	MaxBatchFiles int `yaml:"max_batch_files"`
}

// DefaultLimits returns the planner defaults.
func DefaultLimits() Limits {
	return Limits{
		SinglePassLimit: 100_000,
		MaxBatchBytes:   80_000,
		MaxBatchFiles:   10,
	}
}

// Validate checks that the limits are coherent.
func (l Limits) Validate() error {
	if l.SinglePassLimit <= 0 {
		return fmt.Errorf("SinglePassLimit must be positive, got %d", l.SinglePassLimit)
	}
	if l.MaxBatchBytes <= 0 {
		return fmt.Errorf("MaxBatchBytes must be positive, got %d", l.MaxBatchBytes)
	}
	if l.MaxBatchFiles <= 0 {
		return fmt.Errorf("MaxBatchFiles must be positive, got %d", l.MaxBatchFiles)
	}
	return nil
}

// BatchSpec is one planned unit of work: a contiguous, order-preserving
// slice of the input files.
type BatchSpec struct {
	Index      int          `json:"index"`
	Files      []SourceFile `json:"-"`
	TotalBytes int          `json:"total_bytes"`
	Summary    string       `json:"summary"`
}

// FilePaths returns the paths of the batch's files in input order.
func (b BatchSpec) FilePaths() []string {
	paths := make([]string, len(b.Files))
	for i, f := range b.Files {
		paths[i] = f.Path
	}
	return paths
}

// Plan is the immutable execution plan for one analysis request.
// Invariant: Batches partition the request's files exactly, preserving
// input order, and the batch byte totals sum to the request total.
type Plan struct {
	Strategy        Strategy    `json:"strategy"`
	Batches         []BatchSpec `json:"batches"`
	TotalFiles      int         `json:"total_files"`
	TotalBytes      int         `json:"total_bytes"`
	EstimatedTokens int         `json:"estimated_tokens"`
	EstimatedCost   float64     `json:"estimated_cost"`
}

// BuildPlan validates the request and partitions it into batches.
// Returns a ValidationError if the file list is empty or all files are
// empty; no event is emitted for validation failures.
func BuildPlan(req Request, limits Limits, rates Rates) (*Plan, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limits: %w", err)
	}
	if len(req.Files) == 0 {
		return nil, &ValidationError{Reason: "no files to analyze"}
	}

	totalBytes := req.TotalBytes()
	if totalBytes == 0 {
		return nil, &ValidationError{Reason: "all files are empty"}
	}

	plan := &Plan{
		TotalFiles:      len(req.Files),
		TotalBytes:      totalBytes,
		EstimatedTokens: (totalBytes + charsPerToken - 1) / charsPerToken,
		EstimatedCost:   estimateCost(totalBytes, rates),
	}

	if totalBytes <= limits.SinglePassLimit {
		plan.Strategy = StrategySingle
		plan.Batches = []BatchSpec{newBatchSpec(0, req.Files)}
		return plan, nil
	}

	plan.Strategy = StrategyMulti
	plan.Batches = partition(req.Files, limits)
	return plan, nil
}

// partition greedily accumulates files into contiguous batches bounded
// by MaxBatchBytes and MaxBatchFiles. An oversized file becomes its own
// batch; input order is preserved and no file is omitted or duplicated.
func partition(files []SourceFile, limits Limits) []BatchSpec {
	var batches []BatchSpec
	var current []SourceFile
	currentBytes := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		batches = append(batches, newBatchSpec(len(batches), current))
		current = nil
		currentBytes = 0
	}

	for _, f := range files {
		size := f.Size()

		if len(current) > 0 &&
			(currentBytes+size > limits.MaxBatchBytes || len(current) >= limits.MaxBatchFiles) {
			flush()
		}

		current = append(current, f)
		currentBytes += size

		// An oversized file fills its batch immediately so the next
		// file starts fresh.
		if size > limits.MaxBatchBytes {
			flush()
		}
	}
	flush()

	return batches
}

// newBatchSpec builds a BatchSpec for the given contiguous files.
func newBatchSpec(index int, files []SourceFile) BatchSpec {
	totalBytes := 0
	for _, f := range files {
		totalBytes += f.Size()
	}

	return BatchSpec{
		Index:      index,
		Files:      files,
		TotalBytes: totalBytes,
		Summary:    summarizeFiles(files),
	}
}

// summarizeFiles builds a short human-readable description of a batch.
func summarizeFiles(files []SourceFile) string {
	if len(files) == 0 {
		return ""
	}
	if len(files) == 1 {
		return files[0].Path
	}
	return fmt.Sprintf("%s +%d more", files[0].Path, len(files)-1)
}
