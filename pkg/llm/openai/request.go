package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/types"
	"github.com/openai/openai-go"
)

// maxErrorBody caps how much of a failed response is kept in APIError.
const maxErrorBody = 4096

// chatRequest is the streaming chat completion body. Messages and tools use
// the openai-go parameter types so their wire shape tracks the API.
type chatRequest struct {
	Model    string                                   `json:"model"`
	Messages []openai.ChatCompletionMessageParamUnion `json:"messages"`
	Tools    []openai.ChatCompletionToolParam         `json:"tools,omitempty"`
	Stream   bool                                     `json:"stream"`
}

func newChatRequest(model string, messages []*types.Message, tools []llm.ToolSchema) *chatRequest {
	return &chatRequest{
		Model:    model,
		Messages: messageParams(messages),
		Tools:    toolParams(tools),
		Stream:   true,
	}
}

func (p *Provider) post(ctx context.Context, body *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach planner API: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &APIError{Status: resp.StatusCode, Body: string(detail)}
}

// messageParams maps conversation messages onto chat roles. Unknown roles
// are sent as user turns.
func messageParams(messages []*types.Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case types.RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}
	return params
}

func toolParams(tools []llm.ToolSchema) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	params := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		params[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		}
	}
	return params
}
