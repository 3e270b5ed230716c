package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/entrhq/webpilot/pkg/llm"
)

const (
	ssePrefix  = "data:"
	sseDone    = "[DONE]"
	maxSSELine = 1 << 20
)

// chunkPayload is the part of a chat.completion.chunk event the planner uses.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

// decoder turns an SSE body into stream chunks.
type decoder struct {
	ctx      context.Context
	out      chan<- *llm.StreamChunk
	roleSent bool
}

func (d *decoder) run(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	for scanner.Scan() {
		data, ok := eventData(scanner.Text())
		if !ok {
			continue
		}
		if data == sseDone {
			d.emit(&llm.StreamChunk{Finished: true})
			return
		}
		if !d.event(data) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		d.emit(&llm.StreamChunk{Error: fmt.Errorf("planner stream interrupted: %w", err)})
	}
}

// eventData returns the payload of a data line. Comments, blank lines and
// other SSE fields are skipped.
func eventData(line string) (string, bool) {
	if !strings.HasPrefix(line, ssePrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, ssePrefix)), true
}

// event emits the chunks for one payload. Undecodable payloads are dropped.
// It reports false once the consumer has gone away.
func (d *decoder) event(data string) bool {
	var payload chunkPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil || len(payload.Choices) == 0 {
		return true
	}
	delta := payload.Choices[0].Delta

	var role string
	if !d.roleSent && delta.Role != "" {
		role = delta.Role
		d.roleSent = true
	}
	if delta.Content != "" || role != "" {
		if !d.emit(&llm.StreamChunk{Role: role, Content: delta.Content}) {
			return false
		}
	}

	for _, tc := range delta.ToolCalls {
		call := &llm.ToolCallDelta{
			Index:     tc.Index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}
		if !d.emit(&llm.StreamChunk{ToolCall: call}) {
			return false
		}
	}
	return true
}

// emit delivers chunk unless the request context ends first, in which case
// a best-effort error chunk is queued instead.
func (d *decoder) emit(chunk *llm.StreamChunk) bool {
	select {
	case d.out <- chunk:
		return true
	case <-d.ctx.Done():
		select {
		case d.out <- &llm.StreamChunk{Error: d.ctx.Err()}:
		default:
		}
		return false
	}
}
