package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/retry"
	"github.com/mikeboe/deep-research/pkg/search"
)

// scriptedBackend plans one query, is satisfied after the first search and
// answers citing the first source.
type scriptedBackend struct {
	fail error
}

func (b *scriptedBackend) Name() string { return "fake" }

func (b *scriptedBackend) Generate(_ context.Context, prompt string, _ llm.Sampling) (string, error) {
	switch {
	case strings.Contains(prompt, "is_sufficient"):
		return `{"is_sufficient": true, "knowledge_gap": "", "follow_up_queries": []}`, nil
	case strings.Contains(prompt, `"queries"`):
		if b.fail != nil {
			return "", b.fail
		}
		return `{"queries": [{"query": "eiffel tower completion", "rationale": "direct"}]}`, nil
	default:
		return "The Eiffel Tower was completed in 1889 [src:1].", nil
	}
}

type staticProvider struct{}

func (staticProvider) Name() string { return "fake" }

func (staticProvider) Search(context.Context, string, int) ([]search.Hit, error) {
	return []search.Hit{{Title: "Eiffel Tower", URL: "https://en.wikipedia.org/wiki/Eiffel_Tower", Snippet: "completed in 1889"}}, nil
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestService(backend llm.Backend) *Service {
	svc := NewService(database.NewMemoryStore(), config.Defaults(), discard)
	svc.Options = []research.Option{
		research.WithBackend(backend),
		research.WithSearchProvider(staticProvider{}),
		research.WithRetryPolicy(retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond}),
	}
	return svc
}

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateJobRunsInBackground(t *testing.T) {
	svc := newTestService(&scriptedBackend{})
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/research", ResearchRequest{Question: "When was the Eiffel Tower completed?"})
	require.Equal(t, http.StatusCreated, w.Code)

	var job database.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, database.StatusPending, job.Status)
	svc.Wait()

	w = doJSON(t, r, http.MethodGet, "/api/research/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, database.StatusCompleted, job.Status)
	require.NotNil(t, job.Answer)
	assert.Equal(t, "The Eiffel Tower was completed in 1889 [1](https://en.wikipedia.org/wiki/Eiffel_Tower).", *job.Answer)

	var state research.State
	require.NoError(t, json.Unmarshal(job.State, &state))
	assert.Equal(t, research.PhaseDone, state.Phase)

	w = doJSON(t, r, http.MethodGet, "/api/research/"+job.ID.String()+"/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs []database.LogEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.NotEmpty(t, logs)
	assert.Equal(t, "Starting research loop", logs[0].Message)

	w = doJSON(t, r, http.MethodGet, "/api/research", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []database.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)
}

func TestCreateJobFailureIsRecorded(t *testing.T) {
	svc := newTestService(&scriptedBackend{fail: errors.New("invalid api key")})
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/research", ResearchRequest{Question: "q"})
	require.Equal(t, http.StatusCreated, w.Code)
	var job database.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	svc.Wait()

	got, err := svc.Store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "query_generation")
}

func TestCreateJobValidation(t *testing.T) {
	r := newTestRouter(newTestService(&scriptedBackend{}))

	tests := []struct {
		name string
		body any
		want int
	}{
		{"Missing question", ResearchRequest{}, http.StatusBadRequest},
		{"Unknown search provider", ResearchRequest{Question: "q", Options: &RunOptions{SearchProvider: "bing"}}, http.StatusBadRequest},
		{"Malformed body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/research", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestInvokeLimitOverrides(t *testing.T) {
	r := newTestRouter(newTestService(&scriptedBackend{}))

	tests := []struct {
		name string
		opts RunOptions
		want int
	}{
		{"Loops above server limit", RunOptions{MaxResearchLoops: 1000000}, http.StatusBadRequest},
		{"Queries above server limit", RunOptions{NumberOfInitialQueries: 5000}, http.StatusBadRequest},
		{"Lower limits", RunOptions{MaxResearchLoops: 1, NumberOfInitialQueries: 1}, http.StatusOK},
		{"Equal to server limits", RunOptions{MaxResearchLoops: 2, NumberOfInitialQueries: 3}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			w := doJSON(t, r, http.MethodPost, "/api/invoke", ResearchRequest{Question: "q", Options: &opts})
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestConfigForKeepsServerCeiling(t *testing.T) {
	svc := newTestService(&scriptedBackend{})

	_, err := svc.configFor(&RunOptions{MaxResearchLoops: 1000000, NumberOfInitialQueries: 5000})
	require.ErrorIs(t, err, ErrBadRequest)

	cfg, err := svc.configFor(&RunOptions{MaxResearchLoops: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxResearchLoops)
	assert.Equal(t, svc.Cfg.NumberOfInitialQueries, cfg.NumberOfInitialQueries)
}

func TestGetJobErrors(t *testing.T) {
	r := newTestRouter(newTestService(&scriptedBackend{}))

	w := doJSON(t, r, http.MethodGet, "/api/research/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/research/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/research/"+uuid.NewString()+"/logs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobsEmpty(t *testing.T) {
	r := newTestRouter(newTestService(&scriptedBackend{}))
	w := doJSON(t, r, http.MethodGet, "/api/research", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestInvokeWithMessages(t *testing.T) {
	r := newTestRouter(newTestService(&scriptedBackend{}))

	w := doJSON(t, r, http.MethodPost, "/api/invoke", ResearchRequest{Messages: []research.Message{
		{Role: "user", Content: "Tell me about the Eiffel Tower"},
		{Role: "assistant", Content: "It is in Paris."},
		{Role: "user", Content: "When was it completed?"},
	}})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ResearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Answer, "[1](https://en.wikipedia.org/wiki/Eiffel_Tower)")
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, 1, resp.Iterations)
}

func TestInvokeFailureReportsStage(t *testing.T) {
	r := newTestRouter(newTestService(&scriptedBackend{fail: errors.New("invalid api key")}))

	w := doJSON(t, r, http.MethodPost, "/api/invoke", ResearchRequest{Question: "q"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, research.StageQueryGeneration, body["stage"])
}

func TestInvokeProviderUnavailable(t *testing.T) {
	cfg := config.Defaults()
	cfg.APIProvider = config.ProviderOpenAI
	svc := NewService(database.NewMemoryStore(), cfg, discard)
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/invoke", ResearchRequest{Question: "q"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.GeminiAPIKey = "secret"
	r := newTestRouter(NewService(database.NewMemoryStore(), cfg, discard))

	w := doJSON(t, r, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret")

	var sel config.Selection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sel))
	assert.Equal(t, config.ProviderGemini, sel.APIProvider)
	assert.Equal(t, config.SearchDuckDuckGo, sel.SearchProvider)
}

func TestMCPDeepResearchTool(t *testing.T) {
	ctx := context.Background()
	server := NewMCPServer(newTestService(&scriptedBackend{}))

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "deep_research",
		Arguments: map[string]any{"question": "When was the Eiffel Tower completed?"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "completed in 1889 [1](https://en.wikipedia.org/wiki/Eiffel_Tower)")
	assert.Contains(t, text.Text, "Sources:\n[1] Eiffel Tower - https://en.wikipedia.org/wiki/Eiffel_Tower")

	res, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "deep_research",
		Arguments: map[string]any{"question": "q", "max_research_loops": 1000000},
	})
	if err == nil {
		assert.True(t, res.IsError)
	}
}
