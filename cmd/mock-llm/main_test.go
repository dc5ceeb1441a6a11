package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "mock-analyst.md", "## User Stories\n1. base story\n")
	writeFixture(t, dir, "mock-synth.md", "## Test Cases\n1. merged case\n")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures) != 2 {
		t.Fatalf("expected 2 models, got %d", len(fixtures))
	}
	for model, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("model %q: expected 1 fixture, got %d", model, len(seq))
		}
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()

	// Numbered fixtures simulate distinct batch outputs, the base file
	// is the synthesis fallback.
	writeFixture(t, dir, "mock-analyst.1.md", "## Test Cases\n1. batch one\n")
	writeFixture(t, dir, "mock-analyst.2.md", "## Test Cases\n1. batch two\n")
	writeFixture(t, dir, "mock-analyst.md", "## Test Cases\n1. synthesized\n")

	writeFixture(t, dir, "mock-synth.md", "## User Stories\n1. only\n")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["mock-analyst"]
	if len(seq) != 3 {
		t.Fatalf("mock-analyst: expected 3 fixtures, got %d", len(seq))
	}
	if !strings.Contains(seq[0], "batch one") {
		t.Errorf("fixture[0] should be batch one, got: %s", seq[0])
	}
	if !strings.Contains(seq[1], "batch two") {
		t.Errorf("fixture[1] should be batch two, got: %s", seq[1])
	}
	if !strings.Contains(seq[2], "synthesized") {
		t.Errorf("fixture[2] should be synthesized, got: %s", seq[2])
	}

	if len(fixtures["mock-synth"]) != 1 {
		t.Fatalf("mock-synth: expected 1 fixture, got %d", len(fixtures["mock-synth"]))
	}
}

func TestLoadFixtures_EmptyDir(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	s := newServer(map[string][]string{
		"mock-analyst": {
			"## Test Cases\n1. batch one\n",
			"## Test Cases\n1. batch two\n",
		},
	})

	resp1 := doChatCompletion(t, s, "mock-analyst")
	if !strings.Contains(resp1, "batch one") {
		t.Errorf("call 1: expected batch one, got: %s", resp1)
	}

	resp2 := doChatCompletion(t, s, "mock-analyst")
	if !strings.Contains(resp2, "batch two") {
		t.Errorf("call 2: expected batch two, got: %s", resp2)
	}

	// Beyond the sequence the last fixture repeats.
	resp3 := doChatCompletion(t, s, "mock-analyst")
	if !strings.Contains(resp3, "batch two") {
		t.Errorf("call 3: expected batch two (repeat last), got: %s", resp3)
	}
}

func TestDefaultDocumentFallback(t *testing.T) {
	s := newServer(nil)

	resp := doChatCompletion(t, s, "qwen2.5-coder:32b")
	for _, section := range []string{"## User Stories", "## Test Cases", "## Acceptance Criteria"} {
		if !strings.Contains(resp, section) {
			t.Errorf("built-in document missing %q", section)
		}
	}
}

func TestStripMockPrefix(t *testing.T) {
	s := newServer(map[string][]string{
		"analyst": {"## User Stories\n1. resolved\n"},
	})

	resp := doChatCompletion(t, s, "mock-analyst")
	if !strings.Contains(resp, "resolved") {
		t.Errorf("expected mock-prefix stripping to resolve, got: %s", resp)
	}
}

func TestMessagesEndpoint(t *testing.T) {
	s := newServer(map[string][]string{
		"claude-sonnet": {"## Test Cases\n1. via anthropic shape\n"},
	})

	body := strings.NewReader(`{
		"model": "claude-sonnet",
		"system": "You are a QA analyst.",
		"max_tokens": 1024,
		"messages": [{"role": "user", "content": "analyze this"}]
	}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	w := httptest.NewRecorder()
	s.handleMessages(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body: %s", w.Code, w.Body.String())
	}

	var resp messagesResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Type != "message" || resp.Role != "assistant" {
		t.Errorf("envelope: type=%q role=%q", resp.Type, resp.Role)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop_reason: expected end_turn, got %q", resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Type != "text" {
		t.Fatalf("expected one text content block, got %+v", resp.Content)
	}
	if !strings.Contains(resp.Content[0].Text, "via anthropic shape") {
		t.Errorf("content: got %q", resp.Content[0].Text)
	}
	if resp.Usage.OutputTokens == 0 {
		t.Error("expected nonzero output tokens")
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newServer(map[string][]string{
		"mock-analyst": {"## Test Cases\n1. a\n"},
		"mock-synth":   {"## Test Cases\n1. b\n"},
	})

	doChatCompletion(t, s, "mock-analyst")
	doChatCompletion(t, s, "mock-analyst")
	doChatCompletion(t, s, "mock-synth")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.handleStats(w, req)

	var stats struct {
		TotalCalls   int64            `json:"total_calls"`
		CallsByModel map[string]int64 `json:"calls_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}

	if stats.TotalCalls != 3 {
		t.Errorf("total_calls: expected 3, got %d", stats.TotalCalls)
	}
	if stats.CallsByModel["mock-analyst"] != 2 {
		t.Errorf("mock-analyst calls: expected 2, got %d", stats.CallsByModel["mock-analyst"])
	}
}

func TestRequestCaptureIncludesSystem(t *testing.T) {
	s := newServer(nil)

	body := strings.NewReader(`{
		"model": "claude-sonnet",
		"system": "You are a QA analyst.",
		"max_tokens": 256,
		"messages": [{"role": "user", "content": "first"}]
	}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	w := httptest.NewRecorder()
	s.handleMessages(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	reqReq := httptest.NewRequest(http.MethodGet, "/requests?model=claude-sonnet", nil)
	reqW := httptest.NewRecorder()
	s.handleRequests(reqW, reqReq)

	var captured struct {
		RequestsByModel map[string][]capturedCall `json:"requests_by_model"`
	}
	if err := json.NewDecoder(reqW.Body).Decode(&captured); err != nil {
		t.Fatalf("decode requests: %v", err)
	}

	calls := captured.RequestsByModel["claude-sonnet"]
	if len(calls) != 1 {
		t.Fatalf("expected 1 captured call, got %d", len(calls))
	}
	if calls[0].System != "You are a QA analyst." {
		t.Errorf("system: got %q", calls[0].System)
	}
	if calls[0].CallIndex != 1 {
		t.Errorf("call_index: expected 1, got %d", calls[0].CallIndex)
	}
}

// --- helpers ---

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func doChatCompletion(t *testing.T, s *server, model string) string {
	t.Helper()
	body := strings.NewReader(`{"model":"` + model + `","messages":[{"role":"user","content":"test"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("model %s: status %d, body: %s", model, w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		t.Fatal("no choices in response")
	}
	return resp.Choices[0].Message.Content
}
