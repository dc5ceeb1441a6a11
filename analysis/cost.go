package analysis

import "github.com/qaforge/qaforge/llm"

// charsPerToken is the approximate average characters per token, used
// for pre-call token estimates. Actual usage comes from the backend.
const charsPerToken = 4

// estimatedOutputRatio approximates output tokens as a fraction of
// input tokens for plan-time cost estimates.
const estimatedOutputRatio = 0.25

// Rates holds per-million-token prices for one provider/model pair.
// Rates are supplied by configuration, never hardcoded in the pipeline.
type Rates struct {
	// InputPerMTok is the price per 1,000,000 input tokens.
	InputPerMTok float64 `json:"input_per_mtok" yaml:"input_per_mtok"`

	// OutputPerMTok is the price per 1,000,000 output tokens.
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// Cost computes the price of the given token usage.
func Cost(usage llm.Usage, rates Rates) float64 {
	return float64(usage.InputTokens)/1_000_000*rates.InputPerMTok +
		float64(usage.OutputTokens)/1_000_000*rates.OutputPerMTok
}

// EstimateTokens estimates the token count of content using the
// chars-per-token heuristic.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + charsPerToken - 1) / charsPerToken
}

// estimateCost projects the cost of analyzing totalBytes of input,
// assuming output at estimatedOutputRatio of input.
func estimateCost(totalBytes int, rates Rates) float64 {
	inputTokens := (totalBytes + charsPerToken - 1) / charsPerToken
	outputTokens := int(float64(inputTokens) * estimatedOutputRatio)
	return Cost(llm.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}, rates)
}
