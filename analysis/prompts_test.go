package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildPromptIncludesRequestedSections(t *testing.T) {
	files := []SourceFile{{Path: "auth.go", Content: "package auth"}}

	prompt := BuildPrompt(files, GenerationConfig{
		UserStories:   true,
		TestCases:     true,
		EdgeCases:     true,
		SecurityTests: true,
		TestFramework: "pytest",
	})

	assert.Contains(t, prompt, "## User Stories")
	assert.Contains(t, prompt, "## Test Cases")
	assert.NotContains(t, prompt, "## Acceptance Criteria")
	assert.Contains(t, prompt, "edge cases")
	assert.Contains(t, prompt, "security-focused")
	assert.Contains(t, prompt, "pytest")
	assert.Contains(t, prompt, "--- auth.go ---")
	assert.Contains(t, prompt, "package auth")
}

func TestBuildPromptDefaultsToMarkdown(t *testing.T) {
	prompt := BuildPrompt([]SourceFile{{Path: "a.go", Content: "x"}}, GenerationConfig{TestCases: true})
	assert.Contains(t, prompt, "Output format: markdown.")

	prompt = BuildPrompt([]SourceFile{{Path: "a.go", Content: "x"}}, GenerationConfig{
		TestCases:    true,
		OutputFormat: "gherkin",
	})
	assert.Contains(t, prompt, "Output format: gherkin.")
}

func TestBuildBatchPromptFramesBatchPosition(t *testing.T) {
	batch := BatchSpec{
		Index: 1,
		Files: []SourceFile{{Path: "b.go", Content: "package b"}},
	}

	prompt := BuildBatchPrompt(batch, GenerationConfig{TestCases: true}, 4)

	assert.Contains(t, prompt, "batch 2 of 4")
	assert.Contains(t, prompt, "--- b.go ---")
}

func TestBuildSynthesisPromptOrdersBatchOutputs(t *testing.T) {
	results := []BatchResult{
		{Index: 0, Sections: &Sections{Raw: "first batch output"}},
		{Index: 1, Sections: &Sections{Raw: "second batch output"}},
		{Index: 2, Sections: nil},
	}

	prompt := BuildSynthesisPrompt(results, GenerationConfig{})

	first := strings.Index(prompt, "--- Batch 1 output ---")
	second := strings.Index(prompt, "--- Batch 2 output ---")
	assert.GreaterOrEqual(t, first, 0)
	assert.Greater(t, second, first)
	assert.NotContains(t, prompt, "Batch 3 output")
	assert.Contains(t, prompt, "Deduplicate")
}

func TestBuildPromptAdditionalContext(t *testing.T) {
	prompt := BuildPrompt([]SourceFile{{Path: "a.go", Content: "x"}}, GenerationConfig{
		TestCases:         true,
		AdditionalContext: "The service handles payments.",
	})
	assert.Contains(t, prompt, "The service handles payments.")
}
