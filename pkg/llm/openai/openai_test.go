package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, lines []string, captured *map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if captured != nil {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, captured))
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
}

func TestNewProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")

	_, err := NewProvider("")
	require.Error(t, err)

	p, err := NewProvider("key", WithModel("gpt-4o-mini"), WithBaseURL("http://localhost:9999/v1/"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", p.GetModel())
	assert.Equal(t, "http://localhost:9999/v1", p.baseURL)

	clone := p.CloneWithModel("other")
	assert.Equal(t, "other", clone.GetModel())
	assert.Equal(t, "gpt-4o-mini", p.GetModel())
}

func TestStreamCompletionText(t *testing.T) {
	srv := sseServer(t, []string{
		": keep-alive comment",
		`data: {"choices":[{"delta":{"role":"assistant","content":"Look"}}]}`,
		`data: {"choices":[{"delta":{"content":"ing"}}]}`,
		`data: not-json`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}, nil)
	defer srv.Close()

	p, err := NewProvider("test-key", WithBaseURL(srv.URL))
	require.NoError(t, err)

	msg, err := p.Complete(t.Context(), []*types.Message{types.NewUserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, "Looking", msg.Content)
}

func TestStreamCompletionToolCalls(t *testing.T) {
	var body map[string]interface{}
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"role":"assistant","content":"Opening the site"}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"action","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"command\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"click Login\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	}, &body)
	defer srv.Close()

	p, err := NewProvider("test-key", WithBaseURL(srv.URL))
	require.NoError(t, err)

	tools := []llm.ToolSchema{{
		Name:        "action",
		Description: "Perform a browser action",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"command": map[string]interface{}{"type": "string"}},
		},
	}}

	stream, err := p.StreamCompletion(t.Context(), []*types.Message{types.NewUserMessage("go")}, tools)
	require.NoError(t, err)

	var text strings.Builder
	var args strings.Builder
	var name string
	finished := false
	for chunk := range stream {
		require.False(t, chunk.IsError())
		text.WriteString(chunk.Content)
		if chunk.ToolCall != nil {
			if chunk.ToolCall.Name != "" {
				name = chunk.ToolCall.Name
			}
			args.WriteString(chunk.ToolCall.Arguments)
		}
		finished = finished || chunk.Finished
	}

	assert.True(t, finished)
	assert.Equal(t, "Opening the site", text.String())
	assert.Equal(t, "action", name)
	assert.JSONEq(t, `{"command":"click Login"}`, args.String())

	requestTools, ok := body["tools"].([]interface{})
	require.True(t, ok, "tools missing from request body")
	require.Len(t, requestTools, 1)
	fn := requestTools[0].(map[string]interface{})["function"].(map[string]interface{})
	assert.Equal(t, "action", fn["name"])
	assert.Equal(t, true, body["stream"])
}

func TestStreamCompletionHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewProvider("test-key", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = p.StreamCompletion(t.Context(), []*types.Message{types.NewUserMessage("hi")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestMessageParams(t *testing.T) {
	msgs := messageParams([]*types.Message{
		types.NewSystemMessage("sys"),
		types.NewUserMessage("user"),
		types.NewAssistantMessage("assistant"),
	})
	require.Len(t, msgs, 3)

	raw, err := json.Marshal(msgs)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"role":"system"`)
	assert.Contains(t, string(raw), `"role":"assistant"`)
}

func TestStreamCompletionAPIErrorType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := NewProvider("test-key", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = p.Complete(t.Context(), []*types.Message{types.NewUserMessage("hi")})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Contains(t, apiErr.Body, "bad key")
}

func TestEventData(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"data: [DONE]", "[DONE]", true},
		{`data:{"choices":[]}`, `{"choices":[]}`, true},
		{": ping", "", false},
		{"event: message", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := eventData(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}
