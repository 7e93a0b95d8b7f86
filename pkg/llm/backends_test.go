package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/mikeboe/deep-research/pkg/structured"
)

func TestOpenAIBackendGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "deepseek-v3",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "completed in 1889"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
		}`))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini"})
	require.NoError(t, err)

	text, err := b.Generate(context.Background(), "When?", Sampling{Model: "deepseek-v3", Temperature: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "completed in 1889", text)
	assert.Equal(t, "deepseek-v3", got["model"])
}

func TestOpenAIBackendStatusIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = b.Generate(context.Background(), "q", Sampling{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestGeminiBackendGenerateJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-2.0-flash:generateContent")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates": [{"content": {"role": "model", "parts": [{"text": "{\"is_sufficient\": true, \"knowledge_gap\": \"\"}"}]}}]}`))
	}))
	defer srv.Close()

	b, err := NewGeminiBackend(context.Background(), GeminiConfig{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	raw, err := b.GenerateJSON(context.Background(), "reflect", verdictSchema, Sampling{Model: "gemini-2.0-flash", Temperature: 1})
	require.NoError(t, err)

	v, err := structured.Decode[verdict](raw, verdictSchema)
	require.NoError(t, err)
	assert.True(t, v.IsSufficient)

	gc, ok := got["generationConfig"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "application/json", gc["responseMimeType"])
	assert.NotNil(t, gc["responseSchema"])
}

func TestGeminiBackendAPIErrorIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"code": 503, "message": "overloaded", "status": "UNAVAILABLE"}}`))
	}))
	defer srv.Close()

	b, err := NewGeminiBackend(context.Background(), GeminiConfig{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = b.Generate(context.Background(), "q", Sampling{Model: "gemini-2.0-flash"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestToGenaiSchema(t *testing.T) {
	item := structured.Object([]string{"query", "rationale"}, map[string]*jsonschema.Schema{
		"query":     structured.String("search query"),
		"rationale": structured.String("reason"),
	})
	js := structured.Object([]string{"is_sufficient", "follow_up_queries"}, map[string]*jsonschema.Schema{
		"is_sufficient":     structured.Boolean(""),
		"follow_up_queries": structured.Array(item, 0, 3),
		"knowledge_gap":     structured.String(""),
	})

	got := toGenaiSchema(js)
	assert.Equal(t, genai.TypeObject, got.Type)
	assert.Equal(t, []string{"is_sufficient", "follow_up_queries", "knowledge_gap"}, got.PropertyOrdering)
	assert.Equal(t, genai.TypeBoolean, got.Properties["is_sufficient"].Type)

	arr := got.Properties["follow_up_queries"]
	assert.Equal(t, genai.TypeArray, arr.Type)
	require.NotNil(t, arr.MaxItems)
	assert.Equal(t, int64(3), *arr.MaxItems)
	assert.Nil(t, arr.MinItems)
	assert.Equal(t, genai.TypeString, arr.Items.Properties["query"].Type)
	assert.Equal(t, []string{"query", "rationale"}, arr.Items.Required)
}
