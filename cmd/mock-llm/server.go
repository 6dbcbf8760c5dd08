package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// OpenAI-compatible wire types.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
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

// capturedRequest is what /requests reports for each call.
type capturedRequest struct {
	Model    string        `json:"model"`
	Call     int           `json:"call"`
	Messages []chatMessage `json:"messages"`
	Status   int           `json:"status"`
}

type server struct {
	fixtures map[string][]fixture
	latency  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	calls    map[string]int
	requests []capturedRequest
}

func newServer(fixtures map[string][]fixture, latency time.Duration, logger *slog.Logger) *server {
	return &server{
		fixtures: fixtures,
		latency:  latency,
		logger:   logger,
		calls:    make(map[string]int),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// next picks the fixture for the model's next call and records the request.
func (s *server) next(req chatRequest) (fixture, int, bool) {
	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[strings.TrimPrefix(req.Model, "mock-")]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.Model]++
	call := s.calls[req.Model]

	captured := capturedRequest{Model: req.Model, Call: call, Messages: req.Messages, Status: http.StatusOK}
	var f fixture
	switch {
	case !ok:
		captured.Status = http.StatusNotFound
	case call <= len(seq):
		f = seq[call-1]
	default:
		f = seq[len(seq)-1]
	}
	if f.Status != 0 {
		captured.Status = f.Status
	}
	s.requests = append(s.requests, captured)
	return f, call, ok
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	f, call, ok := s.next(req)
	s.logger.Debug("Completion requested", "model", req.Model, "call", call, "messages", len(req.Messages))

	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-r.Context().Done():
			return
		}
	}

	if !ok {
		s.logger.Warn("No fixture for model", "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}
	if f.Status != 0 {
		http.Error(w, fmt.Sprintf("scripted failure for call %d", call), f.Status)
		return
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      fmt.Sprintf("mock-%d", now.UnixNano()),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: f.Content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     prompt,
			CompletionTokens: len(f.Content) / 4,
			TotalTokens:      prompt + len(f.Content)/4,
		},
	})
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	names := make([]string, 0, len(s.fixtures))
	for name := range s.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)

	models := make([]modelEntry, 0, len(names))
	for _, name := range names {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.calls))
	total := 0
	for model, n := range s.calls {
		byModel[model] = n
		total += n
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"total_calls": total, "calls_by_model": byModel})
}

// handleRequests lists captured requests, optionally filtered by ?model=.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")

	s.mu.Lock()
	out := make([]capturedRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if model == "" || req.Model == model {
			out = append(out, req)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}
