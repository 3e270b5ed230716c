// Package llm provides abstractions for planner model integration.
//
// Example usage:
//
//	provider, err := openai.NewProvider(
//	    os.Getenv("OPENAI_API_KEY"),
//	    openai.WithModel("gpt-4o"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	stream, err := provider.StreamCompletion(ctx, messages, tools)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for chunk := range stream {
//	    if chunk.IsError() {
//	        log.Fatal(chunk.Error)
//	    }
//	    fmt.Print(chunk.Content)
//	}
package llm

import (
	"context"

	"github.com/entrhq/webpilot/pkg/types"
)

// Provider defines the interface for planner model integrations.
//
// Providers handle API communication and return StreamChunk instances. The
// planning loop turns chunks into task events and decisions; providers know
// nothing about tasks.
type Provider interface {
	// StreamCompletion sends messages to the model and streams back response
	// chunks. Tools, when non-empty, are offered to the model as callable
	// functions and their invocations arrive as ToolCall deltas.
	//
	// The channel is closed when streaming completes or an error occurs.
	// Returns an error only if streaming cannot be initiated. Stream-time
	// errors are sent as chunks with Error set.
	StreamCompletion(ctx context.Context, messages []*types.Message, tools []ToolSchema) (<-chan *StreamChunk, error)

	// Complete sends messages to the model and returns the full text response.
	Complete(ctx context.Context, messages []*types.Message) (*types.Message, error)

	// GetModel returns the model name being used.
	GetModel() string
}

// ToolSchema describes a function the model may call.
type ToolSchema struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]interface{}
}
