package playwright

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/types"
)

// OpKind is a primitive browser operation.
type OpKind string

const (
	OpGoto   OpKind = "goto"
	OpClick  OpKind = "click"
	OpFill   OpKind = "fill"
	OpPress  OpKind = "press"
	OpScroll OpKind = "scroll"
	OpBack   OpKind = "back"
	OpWait   OpKind = "wait"
)

// Operation is the interpreter's translation of one instruction.
type Operation struct {
	Op       OpKind `json:"op"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Value    string `json:"value,omitempty"`
	Key      string `json:"key,omitempty"`
	URL      string `json:"url,omitempty"`
	Amount   int    `json:"amount,omitempty"`
}

// Validate checks that the operation carries the fields its kind needs.
func (o *Operation) Validate() error {
	switch o.Op {
	case OpGoto:
		if o.URL == "" {
			return fmt.Errorf("goto requires a url")
		}
	case OpClick:
		if o.Selector == "" && o.Text == "" {
			return fmt.Errorf("click requires a selector or text")
		}
	case OpFill:
		if o.Selector == "" {
			return fmt.Errorf("fill requires a selector")
		}
	case OpPress:
		if o.Key == "" {
			return fmt.Errorf("press requires a key")
		}
	case OpScroll, OpBack, OpWait:
	default:
		return fmt.Errorf("unknown operation %q", o.Op)
	}
	return nil
}

// Interpreter turns natural-language instructions into browser operations
// and answers questions about page content, using a model completion.
type Interpreter struct {
	provider llm.Provider
}

// NewInterpreter creates an interpreter backed by provider.
func NewInterpreter(provider llm.Provider) *Interpreter {
	return &Interpreter{provider: provider}
}

const actionSystemPrompt = `You translate a browser instruction into exactly one operation on the current page.
Reply with a single JSON object and nothing else:
{"op": "goto|click|fill|press|scroll|back|wait", "selector": "...", "text": "...", "value": "...", "key": "...", "url": "...", "amount": 0}
- click: prefer a selector from the element list; otherwise give the visible text.
- fill: selector of the input and the value to type.
- press: key name such as Enter or Escape; selector is optional.
- scroll: amount in pixels, negative scrolls up.
- wait: amount in milliseconds.`

const querySystemPrompt = `You answer questions about a web page using only the content provided.
Follow any output format the question asks for exactly. If the page does not contain the answer, say so.`

// PlanAction asks the model for the operation that carries out instruction.
func (i *Interpreter) PlanAction(ctx context.Context, instruction, pageURL string, outline *Outline) (*Operation, error) {
	if i.provider == nil {
		return nil, fmt.Errorf("instruction interpreter has no provider")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Instruction: %s\n\n", instruction)
	writePageContext(&prompt, pageURL, outline)

	reply, err := i.provider.Complete(ctx, []*types.Message{
		types.NewSystemMessage(actionSystemPrompt),
		types.NewUserMessage(prompt.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("interpreter call failed: %w", err)
	}

	op, err := parseOperation(reply.Content)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Answer asks the model to answer instruction from the page content.
func (i *Interpreter) Answer(ctx context.Context, instruction, pageURL string, outline *Outline, readable string) (string, error) {
	if i.provider == nil {
		return "", fmt.Errorf("instruction interpreter has no provider")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Question: %s\n\n", instruction)
	writePageContext(&prompt, pageURL, outline)
	if readable != "" {
		prompt.WriteString("\nMain content:\n")
		prompt.WriteString(readable)
		prompt.WriteString("\n")
	}

	reply, err := i.provider.Complete(ctx, []*types.Message{
		types.NewSystemMessage(querySystemPrompt),
		types.NewUserMessage(prompt.String()),
	})
	if err != nil {
		return "", fmt.Errorf("interpreter call failed: %w", err)
	}
	return strings.TrimSpace(reply.Content), nil
}

func writePageContext(b *strings.Builder, pageURL string, outline *Outline) {
	fmt.Fprintf(b, "URL: %s\n", pageURL)
	if outline == nil {
		return
	}
	if outline.Title != "" {
		fmt.Fprintf(b, "Title: %s\n", outline.Title)
	}
	if len(outline.Elements) > 0 {
		b.WriteString("\nInteractive elements:\n")
		for _, el := range outline.Elements {
			fmt.Fprintf(b, "- [%s] %q selector=%s", el.Kind, el.Text, el.Selector)
			if el.Href != "" {
				fmt.Fprintf(b, " href=%s", el.Href)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nPage markup:\n```html\n")
	b.WriteString(outline.Markup)
	b.WriteString("\n```\n")
}

// parseOperation extracts the first JSON object from text.
func parseOperation(text string) (*Operation, error) {
	raw, ok := extractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("interpreter reply has no JSON object: %q", truncate(text, 120))
	}

	var op Operation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return nil, fmt.Errorf("failed to parse interpreter reply: %w", err)
	}
	op.Op = OpKind(strings.ToLower(strings.TrimSpace(string(op.Op))))
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return &op, nil
}

// extractJSONObject returns the outermost {...} span of text, tolerating
// code fences and surrounding prose.
func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return cutUTF8(s, n) + "..."
}
