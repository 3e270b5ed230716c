// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/types"
)

// ErrNoScript is returned by Complete when nothing was queued.
var ErrNoScript = errors.New("llmtest: no scripted completion")

// Provider replays queued streams and completions in order.
type Provider struct {
	mu          sync.Mutex
	streams     [][]*llm.StreamChunk
	completions []string
	completeFn  func(messages []*types.Message) (string, error)
	streamErr   error

	// StreamRequests records the messages of every StreamCompletion call.
	StreamRequests [][]*types.Message
	// CompleteRequests records the messages of every Complete call.
	CompleteRequests [][]*types.Message
	// Tools records the tool schemas offered on the last stream.
	Tools []llm.ToolSchema
}

// NewProvider creates an empty scripted provider.
func NewProvider() *Provider {
	return &Provider{}
}

// QueueStream appends one streamed turn.
func (p *Provider) QueueStream(chunks ...*llm.StreamChunk) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, chunks)
	return p
}

// QueueCompletion appends one Complete response.
func (p *Provider) QueueCompletion(content string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completions = append(p.completions, content)
	return p
}

// OnComplete answers Complete calls with fn once the queue is empty.
func (p *Provider) OnComplete(fn func(messages []*types.Message) (string, error)) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completeFn = fn
	return p
}

// FailStreams makes every StreamCompletion call fail to start.
func (p *Provider) FailStreams(err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamErr = err
	return p
}

// StreamCalls returns the number of StreamCompletion calls so far.
func (p *Provider) StreamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamRequests)
}

// StreamCompletion replays the next queued turn. With nothing queued it
// returns an empty finished stream.
func (p *Provider) StreamCompletion(ctx context.Context, messages []*types.Message, tools []llm.ToolSchema) (<-chan *llm.StreamChunk, error) {
	p.mu.Lock()
	p.StreamRequests = append(p.StreamRequests, messages)
	p.Tools = tools
	if p.streamErr != nil {
		err := p.streamErr
		p.mu.Unlock()
		return nil, err
	}
	var turn []*llm.StreamChunk
	if len(p.streams) > 0 {
		turn = p.streams[0]
		p.streams = p.streams[1:]
	}
	p.mu.Unlock()

	out := make(chan *llm.StreamChunk, len(turn)+1)
	go func() {
		defer close(out)
		for _, c := range turn {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- &llm.StreamChunk{Finished: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Complete returns the next queued completion, falling back to OnComplete.
func (p *Provider) Complete(ctx context.Context, messages []*types.Message) (*types.Message, error) {
	p.mu.Lock()
	p.CompleteRequests = append(p.CompleteRequests, messages)
	if len(p.completions) > 0 {
		content := p.completions[0]
		p.completions = p.completions[1:]
		p.mu.Unlock()
		return types.NewAssistantMessage(content), nil
	}
	fn := p.completeFn
	p.mu.Unlock()

	if fn == nil {
		return nil, ErrNoScript
	}
	content, err := fn(messages)
	if err != nil {
		return nil, err
	}
	return types.NewAssistantMessage(content), nil
}

// GetModel returns a fixed model name.
func (p *Provider) GetModel() string {
	return "scripted"
}

// Text builds a text delta chunk.
func Text(content string) *llm.StreamChunk {
	return &llm.StreamChunk{Content: content}
}

// ToolCall builds the chunks of one streamed tool call. The JSON arguments
// are split into fragments of at most fragment bytes to exercise accumulation.
func ToolCall(index int, name string, args map[string]string, fragment int) []*llm.StreamChunk {
	raw, _ := json.Marshal(args)
	if fragment <= 0 {
		fragment = len(raw)
	}

	chunks := []*llm.StreamChunk{{ToolCall: &llm.ToolCallDelta{Index: index, ID: "call_" + name, Name: name}}}
	for start := 0; start < len(raw); start += fragment {
		end := start + fragment
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, &llm.StreamChunk{ToolCall: &llm.ToolCallDelta{Index: index, Arguments: string(raw[start:end])}})
	}
	return chunks
}

// Turn concatenates chunk groups into one turn.
func Turn(groups ...[]*llm.StreamChunk) []*llm.StreamChunk {
	var out []*llm.StreamChunk
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
