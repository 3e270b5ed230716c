package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/llm/toolcall"
	"github.com/entrhq/webpilot/pkg/types"
)

// nextDecision streams one planner turn and returns the first complete tool
// call. The stream is abandoned as soon as a call parses; text fragments are
// forwarded as planner_text events while the turn is in flight.
func (l *Loop) nextDecision(ctx context.Context, r *run) (*Decision, error) {
	msgs := make([]*types.Message, 0, 2+2*l.historyWindow)
	msgs = append(msgs, types.NewSystemMessage(l.systemPrompt))
	msgs = append(msgs, historyMessages(r.plan.Recent(l.historyWindow))...)
	msgs = append(msgs, types.NewUserMessage(r.plan.GeneratePrompt()))

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := l.provider.StreamCompletion(streamCtx, msgs, Tools())
	if err != nil {
		return nil, fmt.Errorf("failed to start planner stream: %w", err)
	}
	defer drain(stream)

	acc := toolcall.New()
	var text strings.Builder

	for chunk := range stream {
		if chunk.IsError() {
			if call, ok := acc.Next(); ok {
				return decisionFromCall(call)
			}
			return nil, fmt.Errorf("planner stream failed: %w", chunk.Error)
		}
		if chunk.HasContent() {
			text.WriteString(chunk.Content)
			l.publish(r, types.NewPlannerTextEvent(r.task.ID, chunk.Content))
		}
		if chunk.ToolCall != nil && acc.Add(chunk.ToolCall) == toolcall.StateParseable {
			if call, ok := acc.Next(); ok {
				r.logger.Debugf("Planner chose %s after %d call(s) seen", call.Name, acc.Len())
				return decisionFromCall(call)
			}
		}
		if chunk.Finished {
			break
		}
	}

	acc.Finalize()
	if call, ok := acc.Next(); ok {
		return decisionFromCall(call)
	}

	if reply := strings.TrimSpace(text.String()); reply != "" {
		return nil, fmt.Errorf("%w: planner replied with text only", ErrNoDecision)
	}
	return nil, ErrNoDecision
}

// drain consumes what is left of an abandoned stream so the provider's
// sender is never blocked.
func drain(stream <-chan *llm.StreamChunk) {
	go func() {
		for range stream {
		}
	}()
}
