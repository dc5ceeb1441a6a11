// Package main implements a mock generation backend for end-to-end
// testing. It serves OpenAI-compatible /v1/chat/completions and
// Anthropic-style /v1/messages responses from markdown fixture files,
// routing by the "model" field in the request. This removes the need
// for a real backend during pipeline wiring tests, making them fast,
// deterministic, and offline-capable.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are markdown named by model (e.g. "mock-analyst.md"
// answers model "mock-analyst"). The file content is returned verbatim
// as the assistant message.
//
// Sequential fixtures: if numbered files exist (e.g. "mock-analyst.1.md",
// "mock-analyst.2.md"), the Nth call to that model returns the Nth
// fixture; after the sequence is exhausted, the base "mock-analyst.md"
// repeats. This lets a test stage distinct batch outputs followed by a
// synthesis output.
//
// Without a fixture directory every model answers with a built-in
// sectioned QA document, so `qaforge analyze` against this server
// completes out of the box.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultDocument is returned for any model without a fixture. It
// carries all three standard sections so the analysis parser
// recognizes the response as structured.
const defaultDocument = `## User Stories

1. As a developer, I want the module analyzed so that I get a QA checklist.

## Test Cases

1. Verify the exported entry point handles empty input.
2. Verify errors propagate to the caller.

## Acceptance Criteria

- Every exported function has at least one test case.
- Error paths return a descriptive message.
`

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Anthropic-style types ---

type messagesRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Server ---

// capturedCall stores the key fields of an incoming request for test
// verification via the /requests endpoint.
type capturedCall struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-model call number
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // model name → ordered fixture contents
	calls    atomic.Int64        // total calls served

	// Per-model call counters for sequential fixture selection.
	modelCalls   map[string]*atomic.Int64
	modelCallsMu sync.Mutex

	// Per-model request capture for prompt verification in e2e tests.
	modelCaptures   map[string][]capturedCall
	modelCapturesMu sync.Mutex
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures:      fixtures,
		modelCalls:    make(map[string]*atomic.Int64),
		modelCaptures: make(map[string][]capturedCall),
	}
}

func (s *server) capture(model, system string, messages []chatMessage, callIndex int) {
	s.modelCapturesMu.Lock()
	defer s.modelCapturesMu.Unlock()
	s.modelCaptures[model] = append(s.modelCaptures[model], capturedCall{
		Model:     model,
		System:    system,
		Messages:  messages,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *server) getModelCounter(model string) *atomic.Int64 {
	s.modelCallsMu.Lock()
	defer s.modelCallsMu.Unlock()
	if c, ok := s.modelCalls[model]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.modelCalls[model] = c
	return c
}

// respond resolves the content for the model's next call, advancing
// the per-model counter and capturing the request. Falls back to the
// built-in document when no fixture matches.
func (s *server) respond(model, system string, messages []chatMessage) string {
	callNum := s.calls.Add(1)

	seq, ok := s.fixtures[model]
	if !ok {
		stripped := strings.TrimPrefix(model, "mock-")
		seq, ok = s.fixtures[stripped]
	}

	counter := s.getModelCounter(model)
	callIndex := int(counter.Add(1) - 1) // 0-indexed

	s.capture(model, system, messages, callIndex+1)

	if !ok {
		log.Printf("[call %d] model=%s call_index=%d (built-in document)", callNum, model, callIndex+1)
		return defaultDocument
	}

	var content string
	if callIndex < len(seq) {
		content = seq[callIndex]
	} else {
		content = seq[len(seq)-1] // repeat last fixture
	}

	log.Printf("[call %d] model=%s call_index=%d/%d", callNum, model, callIndex+1, len(seq))
	return content
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing markdown fixture files (optional)")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	var fixtures map[string][]string
	if *fixtureDir != "" {
		var err error
		fixtures, err = loadFixtures(*fixtureDir)
		if err != nil {
			log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
		}
		log.Printf("Loaded %d model(s) from %s", len(fixtures), *fixtureDir)
		for model, seq := range fixtures {
			log.Printf("  model: %s (%d fixture(s))", model, len(seq))
		}
	} else {
		log.Printf("No fixture directory; answering every model with the built-in document")
	}

	s := newServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock backend listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleChatCompletions serves the OpenAI-compatible endpoint used by
// the local-model provider.
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	content := s.respond(req.Model, "", req.Messages)

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     promptTokens(req.Messages),
			CompletionTokens: len(content) / 4,
			TotalTokens:      promptTokens(req.Messages) + len(content)/4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleMessages serves the Anthropic-style endpoint used by the
// claude provider.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req messagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	content := s.respond(req.Model, req.System, req.Messages)

	resp := messagesResponse{
		ID:         fmt.Sprintf("msg-mock-%d", time.Now().UnixNano()),
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		Content:    []contentBlock{{Type: "text", Text: content}},
		StopReason: "end_turn",
		Usage: anthropicUsage{
			InputTokens:  promptTokens(req.Messages) + len(req.System)/4,
			OutputTokens: len(content) / 4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// promptTokens is a rough length/4 estimate over all message contents.
func promptTokens(messages []chatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total / 4
}

// handleModels returns the list of fixture-backed models.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var models []modelEntry
	for name := range s.fixtures {
		models = append(models, modelEntry{
			ID:      name,
			Object:  "model",
			OwnedBy: "mock-llm",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.modelCallsMu.Lock()
	callsByModel := make(map[string]int64, len(s.modelCalls))
	for model, counter := range s.modelCalls {
		callsByModel[model] = counter.Load()
	}
	s.modelCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": callsByModel,
	})
}

// handleRequests returns captured request bodies for test assertions.
// Query params:
//   - model: filter by model name (optional)
//   - call: filter by call index, 1-indexed (optional)
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter := r.URL.Query().Get("call")

	s.modelCapturesMu.Lock()
	result := make(map[string][]capturedCall)
	for model, calls := range s.modelCaptures {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		if callFilter != "" {
			callIdx, err := strconv.Atoi(callFilter)
			if err == nil {
				for _, c := range calls {
					if c.CallIndex == callIdx {
						result[model] = append(result[model], c)
					}
				}
				continue
			}
		}
		result[model] = calls
	}
	s.modelCapturesMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_model": result,
	})
}

// numberedFileRe matches files like "mock-analyst.1.md", "mock-analyst.2.md".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.md$`)

// loadFixtures reads markdown files from dir and returns a map of
// model name to ordered content sequence.
//
// For each model, fixtures are ordered:
//  1. Numbered files (model.1.md, model.2.md, ...) in numeric order
//  2. Base file (model.md) appended as the repeating fallback
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".md") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		content := string(data)

		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			model := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[model] == nil {
				numberedFiles[model] = make(map[int]string)
			}
			numberedFiles[model][index] = content
			return nil
		}

		model := strings.TrimSuffix(info.Name(), ".md")
		baseFiles[model] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)

	allModels := make(map[string]bool)
	for m := range baseFiles {
		allModels[m] = true
	}
	for m := range numberedFiles {
		allModels[m] = true
	}

	for model := range allModels {
		var seq []string

		if numbered, ok := numberedFiles[model]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)

			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}

		if base, ok := baseFiles[model]; ok {
			seq = append(seq, base)
		}

		if len(seq) > 0 {
			fixtures[model] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}

	return fixtures, nil
}
