package analysis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalEventFlattensWithType(t *testing.T) {
	data, err := MarshalEvent(BatchStartEvent{
		Index:     1,
		Total:     3,
		Files:     []string{"a.go", "b.go"},
		FileCount: 2,
		SizeBytes: 4096,
	})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))

	assert.Equal(t, "batch-start", fields["type"])
	assert.Equal(t, float64(1), fields["index"])
	assert.Equal(t, float64(3), fields["total"])
	assert.NotContains(t, fields, "payload")
}

func TestEventRoundTrip(t *testing.T) {
	events := []Event{
		PlanEvent{
			Strategy:     StrategyMulti,
			TotalFiles:   5,
			TotalSize:    150_000,
			TotalBatches: 2,
			Batches: []BatchSummary{
				{Index: 0, FileCount: 3, SizeBytes: 80_000, Summary: "a.go +2 more"},
				{Index: 1, FileCount: 2, SizeBytes: 70_000, Summary: "d.go +1 more"},
			},
		},
		BatchStartEvent{Index: 0, Total: 2, Files: []string{"a.go"}, FileCount: 1, SizeBytes: 100},
		APICallEvent{BatchIndex: 0, Provider: "claude", Model: "m", PromptSize: 400, PromptTokens: 100, Phase: PhaseBatch},
		BatchDoneEvent{Index: 0, Total: 2, InputTokens: 100, OutputTokens: 50, DurationMs: 1200, Preview: Preview{StoriesCount: 3, TestsCount: 5}},
		BatchErrorEvent{Index: 1, Error: "rate limited", Recoverable: true},
		SynthesisStartEvent{BatchCount: 2, TotalInputTokens: 200, TotalOutputTokens: 80},
		SynthesisDoneEvent{InputTokens: 90, OutputTokens: 40, DurationMs: 900},
		CompleteEvent{TotalDurationMs: 5000, ActualCost: 0.12, FilesAnalyzed: 5, Coverage: 1.0},
		ErrorEvent{Message: "boom", Phase: PhaseBatch},
		CancelledEvent{},
	}

	for _, ev := range events {
		t.Run(string(ev.Kind()), func(t *testing.T) {
			data, err := MarshalEvent(ev)
			require.NoError(t, err)

			decoded, err := UnmarshalEvent(data)
			require.NoError(t, err)
			assert.Equal(t, ev, decoded)
		})
	}
}

func TestUnmarshalEventUnknownType(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{"type":"mystery"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}
