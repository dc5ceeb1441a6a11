package analysis

import (
	"fmt"
	"strings"
)

// Prompt construction is pure string assembly: no I/O, no side effects.
// Grounding the backend with explicit section headers keeps the
// response parseable by the heuristic section extractor.

// promptPreamble frames every analysis request.
const promptPreamble = `You are a senior QA engineer. Analyze the provided source code and produce QA artifacts.

Structure your response with these exact top-level headings, in this order, including only the requested sections:`

// synthesisPreamble frames the second-pass merge request.
const synthesisPreamble = `You are a senior QA engineer consolidating QA analyses that were produced from separate batches of the same codebase.

Merge the batch outputs below into one coherent document:
- Deduplicate overlapping user stories and test cases.
- Renumber all items sequentially.
- Group content by feature, not by batch.

Keep the same top-level headings used in the batch outputs ("User Stories", "Test Cases", "Acceptance Criteria").`

// BuildPrompt builds the prompt for a single-pass analysis over the
// given files.
func BuildPrompt(files []SourceFile, cfg GenerationConfig) string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n")
	writeRequestedSections(&b, cfg)
	writeGuidance(&b, cfg)
	writeFiles(&b, files)
	return b.String()
}

// BuildBatchPrompt builds the prompt for one batch of a multi-batch
// run. The "batch i of n" framing tells the backend to treat the batch
// as self-contained.
func BuildBatchPrompt(batch BatchSpec, cfg GenerationConfig, total int) string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n")
	writeRequestedSections(&b, cfg)
	writeGuidance(&b, cfg)

	fmt.Fprintf(&b, "\nThis is batch %d of %d from a larger codebase. Analyze it as a self-contained unit; a later pass will merge all batch results.\n", batch.Index+1, total)

	writeFiles(&b, batch.Files)
	return b.String()
}

// BuildSynthesisPrompt builds the merge prompt over the successful
// batch outputs, in batch order.
func BuildSynthesisPrompt(results []BatchResult, cfg GenerationConfig) string {
	var b strings.Builder
	b.WriteString(synthesisPreamble)
	b.WriteString("\n")
	writeGuidance(&b, cfg)

	for _, r := range results {
		if r.Sections == nil {
			continue
		}
		fmt.Fprintf(&b, "\n--- Batch %d output ---\n\n", r.Index+1)
		b.WriteString(strings.TrimSpace(r.Sections.Raw))
		b.WriteString("\n")
	}

	return b.String()
}

// writeRequestedSections lists the artifact sections the caller asked for.
func writeRequestedSections(b *strings.Builder, cfg GenerationConfig) {
	if cfg.UserStories {
		b.WriteString("\n## User Stories\nWrite user stories in the form \"As a <role>, I want <goal>, so that <benefit>\", one numbered item per story.\n")
	}
	if cfg.TestCases {
		b.WriteString("\n## Test Cases\nWrite numbered test cases with steps and expected results.")
		if cfg.EdgeCases {
			b.WriteString(" Include edge cases and boundary conditions.")
		}
		if cfg.SecurityTests {
			b.WriteString(" Include security-focused test cases (input validation, authz boundaries, injection).")
		}
		b.WriteString("\n")
	}
	if cfg.AcceptanceCriteria {
		b.WriteString("\n## Acceptance Criteria\nWrite acceptance criteria as verifiable statements, grouped under the feature they verify.\n")
	}
}

// writeGuidance appends format, framework, and caller context.
func writeGuidance(b *strings.Builder, cfg GenerationConfig) {
	format := cfg.OutputFormat
	if format == "" {
		format = "markdown"
	}
	fmt.Fprintf(b, "\nOutput format: %s.\n", format)

	if cfg.TestFramework != "" {
		fmt.Fprintf(b, "Target test framework: %s.\n", cfg.TestFramework)
	}
	if cfg.AdditionalContext != "" {
		fmt.Fprintf(b, "\nAdditional context from the requester:\n%s\n", cfg.AdditionalContext)
	}
}

// writeFiles appends each file fenced with its path.
func writeFiles(b *strings.Builder, files []SourceFile) {
	b.WriteString("\nSource files to analyze:\n")
	for _, f := range files {
		fmt.Fprintf(b, "\n--- %s ---\n", f.Path)
		b.WriteString(f.Content)
		if !strings.HasSuffix(f.Content, "\n") {
			b.WriteString("\n")
		}
	}
}
