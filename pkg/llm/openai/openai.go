// Package openai implements llm.Provider against OpenAI-compatible chat
// completion endpoints. Requests are built from openai-go parameter types and
// responses are read as server-sent events, so servers that interleave SSE
// comments or keep-alives still work.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/types"
)

// DefaultBaseURL is the default OpenAI API base URL
const DefaultBaseURL = "https://api.openai.com/v1"

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o"

// streamBuffer is the number of chunks buffered ahead of the consumer.
const streamBuffer = 16

// ErrMissingAPIKey is returned by NewProvider when no key is available.
var ErrMissingAPIKey = errors.New("planner API key is required (set it in config or OPENAI_API_KEY)")

// APIError is returned when the endpoint answers with a non-200 status.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("planner API returned status %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// Provider talks to one chat completion endpoint with one model.
type Provider struct {
	client  *http.Client
	apiKey  string
	baseURL string
	model   string
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithModel sets the completion model.
func WithModel(model string) ProviderOption {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL points the provider at an OpenAI-compatible server.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		if baseURL != "" {
			p.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) {
		if client != nil {
			p.client = client
		}
	}
}

// NewProvider creates a provider. An empty apiKey falls back to
// OPENAI_API_KEY, and the default base URL may be overridden by
// OPENAI_BASE_URL.
func NewProvider(apiKey string, opts ...ProviderOption) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	p := &Provider{
		client:  &http.Client{},
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
	}
	for _, opt := range opts {
		opt(p)
	}

	if env := os.Getenv("OPENAI_BASE_URL"); env != "" && p.baseURL == DefaultBaseURL {
		p.baseURL = strings.TrimSuffix(env, "/")
	}
	return p, nil
}

// CloneWithModel returns a provider sharing p's credentials and transport.
func (p *Provider) CloneWithModel(model string) llm.Provider {
	clone := *p
	clone.model = model
	return &clone
}

// GetModel returns the model name being used.
func (p *Provider) GetModel() string {
	return p.model
}

// StreamCompletion posts a streaming chat request. Text and tool call
// deltas arrive on the returned channel, which closes after the final chunk.
func (p *Provider) StreamCompletion(ctx context.Context, messages []*types.Message, tools []llm.ToolSchema) (<-chan *llm.StreamChunk, error) {
	resp, err := p.post(ctx, newChatRequest(p.model, messages, tools))
	if err != nil {
		return nil, err
	}

	out := make(chan *llm.StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		dec := &decoder{ctx: ctx, out: out}
		dec.run(resp.Body)
	}()
	return out, nil
}

// Complete collects a text-only reply.
func (p *Provider) Complete(ctx context.Context, messages []*types.Message) (*types.Message, error) {
	stream, err := p.StreamCompletion(ctx, messages, nil)
	if err != nil {
		return nil, err
	}

	reply := &types.Message{Role: types.RoleAssistant}
	var text strings.Builder
	for chunk := range stream {
		if chunk.IsError() {
			return nil, chunk.Error
		}
		if chunk.Role != "" {
			reply.Role = types.MessageRole(chunk.Role)
		}
		text.WriteString(chunk.Content)
	}
	reply.Content = text.String()
	return reply, nil
}
