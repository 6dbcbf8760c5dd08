package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "writer.txt", "Once upon a time")
	writeFixture(t, dir, "checker.json", `{"is_valid":true}`)

	fixtures, err := loadFixtures(dir)
	require.NoError(t, err)
	require.Len(t, fixtures, 2)

	for model, seq := range fixtures {
		assert.Len(t, seq, 1, "model %q", model)
	}
	assert.Equal(t, "Once upon a time", fixtures["writer"][0].Content)
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "checker.2.json", `{"is_valid":true,"reason":"fixed"}`)
	writeFixture(t, dir, "checker.1.json", `{"is_valid":false,"needs_retry":true}`)
	writeFixture(t, dir, "checker.10.json", `{"is_valid":true,"reason":"tenth"}`)
	writeFixture(t, dir, "checker.json", `{"is_valid":true,"reason":"fallback"}`)

	fixtures, err := loadFixtures(dir)
	require.NoError(t, err)

	seq := fixtures["checker"]
	require.Len(t, seq, 4)
	assert.Contains(t, seq[0].Content, "needs_retry")
	assert.Contains(t, seq[1].Content, "fixed")
	assert.Contains(t, seq[2].Content, "tenth")
	assert.Contains(t, seq[3].Content, "fallback")
}

func TestLoadFixtures_ErrorFixture(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "writer.1.error", "503\n")
	writeFixture(t, dir, "writer.txt", "ok")

	fixtures, err := loadFixtures(dir)
	require.NoError(t, err)
	require.Len(t, fixtures["writer"], 2)
	assert.Equal(t, http.StatusServiceUnavailable, fixtures["writer"][0].Status)
	assert.Zero(t, fixtures["writer"][1].Status)
}

func TestLoadFixtures_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad json", "writer.json", "{not json"},
		{"bad status", "writer.error", "200"},
		{"non numeric status", "writer.error", "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFixture(t, dir, tt.file, tt.content)
			_, err := loadFixtures(dir)
			assert.Error(t, err)
		})
	}
}

func TestLoadFixtures_EmptyDir(t *testing.T) {
	_, err := loadFixtures(t.TempDir())
	assert.Error(t, err)
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		name  string
		model string
		n     int
		kind  string
		ok    bool
	}{
		{"writer.txt", "writer", 0, "txt", true},
		{"writer.3.json", "writer", 3, "json", true},
		{"qwen2.5.2.txt", "qwen2.5", 2, "txt", true},
		{"checker.1.error", "checker", 1, "error", true},
		{"writer.0.txt", "writer", 0, "txt", false},
		{"README.md", "", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, n, kind, ok := splitName(tt.name)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.model, model)
				assert.Equal(t, tt.n, n)
				assert.Equal(t, tt.kind, kind)
			}
		})
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	s := newTestServer(map[string][]fixture{
		"writer": {{Content: "first"}, {Content: "second"}, {Content: "base"}},
	})

	assert.Equal(t, "first", doCompletion(t, s, "writer"))
	assert.Equal(t, "second", doCompletion(t, s, "writer"))
	assert.Equal(t, "base", doCompletion(t, s, "writer"))
	assert.Equal(t, "base", doCompletion(t, s, "writer"), "base fixture repeats")
}

func TestMockPrefixFallsBack(t *testing.T) {
	s := newTestServer(map[string][]fixture{"writer": {{Content: "hello"}}})
	assert.Equal(t, "hello", doCompletion(t, s, "mock-writer"))
}

func TestUnknownModel(t *testing.T) {
	s := newTestServer(map[string][]fixture{"writer": {{Content: "hello"}}})

	rec := post(t, s, "nobody", `[{"role":"user","content":"hi"}]`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScriptedFailure(t *testing.T) {
	s := newTestServer(map[string][]fixture{
		"writer": {{Status: http.StatusTooManyRequests}, {Content: "recovered"}},
	})

	rec := post(t, s, "writer", `[{"role":"user","content":"hi"}]`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "recovered", doCompletion(t, s, "writer"))
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(map[string][]fixture{
		"writer":  {{Content: "a"}},
		"checker": {{Content: "b"}},
	})
	doCompletion(t, s, "writer")
	doCompletion(t, s, "writer")
	doCompletion(t, s, "checker")

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		TotalCalls   int            `json:"total_calls"`
		CallsByModel map[string]int `json:"calls_by_model"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalCalls)
	assert.Equal(t, 2, stats.CallsByModel["writer"])
	assert.Equal(t, 1, stats.CallsByModel["checker"])
}

func TestRequestsEndpoint(t *testing.T) {
	s := newTestServer(map[string][]fixture{
		"writer":  {{Content: "a"}},
		"checker": {{Content: "b"}},
	})
	post(t, s, "writer", `[{"role":"system","content":"be brief"},{"role":"user","content":"step one"}]`)
	post(t, s, "checker", `[{"role":"user","content":"judge"}]`)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests?model=writer", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Requests []capturedRequest `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Requests, 1)
	assert.Equal(t, "writer", body.Requests[0].Model)
	assert.Equal(t, 1, body.Requests[0].Call)
	require.Len(t, body.Requests[0].Messages, 2)
	assert.Equal(t, "system", body.Requests[0].Messages[0].Role)
	assert.Equal(t, "step one", body.Requests[0].Messages[1].Content)
}

func TestModelsEndpoint(t *testing.T) {
	s := newTestServer(map[string][]fixture{
		"writer":  {{Content: "a"}},
		"checker": {{Content: "b"}},
	})

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
	assert.Equal(t, "checker", body.Data[0].ID)
	assert.Equal(t, "writer", body.Data[1].ID)
}

func newTestServer(fixtures map[string][]fixture) *server {
	return newServer(fixtures, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func post(t *testing.T, s *server, model, messagesJSON string) *httptest.ResponseRecorder {
	t.Helper()
	body := []byte(`{"model":"` + model + `","messages":` + messagesJSON + `}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func doCompletion(t *testing.T, s *server, model string) string {
	t.Helper()
	rec := post(t, s, model, `[{"role":"user","content":"hello"}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	return resp.Choices[0].Message.Content
}
