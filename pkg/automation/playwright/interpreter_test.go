package playwright

import (
	"strings"
	"testing"

	"github.com/entrhq/webpilot/internal/testing/llmtest"
	"github.com/entrhq/webpilot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperation(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    Operation
		wantErr string
	}{
		{
			name:  "plain json",
			reply: `{"op":"click","selector":"#login"}`,
			want:  Operation{Op: OpClick, Selector: "#login"},
		},
		{
			name:  "fenced with prose",
			reply: "Sure.\n```json\n{\"op\": \"FILL\", \"selector\": \"input[name=q]\", \"value\": \"shoes\"}\n```",
			want:  Operation{Op: OpFill, Selector: "input[name=q]", Value: "shoes"},
		},
		{
			name:  "press without selector",
			reply: `{"op":"press","key":"Escape"}`,
			want:  Operation{Op: OpPress, Key: "Escape"},
		},
		{name: "no json", reply: "I cannot do that", wantErr: "no JSON object"},
		{name: "unknown op", reply: `{"op":"hover","selector":"a"}`, wantErr: "unknown operation"},
		{name: "click without target", reply: `{"op":"click"}`, wantErr: "selector or text"},
		{name: "goto without url", reply: `{"op":"goto"}`, wantErr: "requires a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := parseOperation(tt.reply)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *op)
		})
	}
}

func TestInterpreterPlanAction(t *testing.T) {
	provider := llmtest.NewProvider().QueueCompletion(`{"op":"click","selector":"#cart-link"}`)
	interp := NewInterpreter(provider)

	outline, err := outlinePage(loginPage, 10000)
	require.NoError(t, err)

	op, err := interp.PlanAction(t.Context(), "open the cart", "https://shop.example", outline)
	require.NoError(t, err)
	assert.Equal(t, OpClick, op.Op)
	assert.Equal(t, "#cart-link", op.Selector)

	require.Len(t, provider.CompleteRequests, 1)
	msgs := provider.CompleteRequests[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "Instruction: open the cart")
	assert.Contains(t, msgs[1].Content, "selector=#cart-link")
	assert.Contains(t, msgs[1].Content, "URL: https://shop.example")
}

func TestInterpreterAnswer(t *testing.T) {
	provider := llmtest.NewProvider().QueueCompletion("  The cart is empty.  ")
	interp := NewInterpreter(provider)

	answer, err := interp.Answer(t.Context(), "is the cart empty?", "https://shop.example/cart", &Outline{Title: "Cart"}, "Your cart is empty")
	require.NoError(t, err)
	assert.Equal(t, "The cart is empty.", answer)
	assert.True(t, strings.Contains(provider.CompleteRequests[0][1].Content, "Main content:\nYour cart is empty"))
}

func TestInterpreterWithoutProvider(t *testing.T) {
	interp := NewInterpreter(nil)
	_, err := interp.PlanAction(t.Context(), "click", "", nil)
	assert.Error(t, err)
	_, err = interp.Answer(t.Context(), "what", "", nil, "")
	assert.Error(t, err)
}

func TestInterpreterProviderError(t *testing.T) {
	interp := NewInterpreter(llmtest.NewProvider())
	_, err := interp.PlanAction(t.Context(), "click the button", "about:blank", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, llmtest.ErrNoScript)
}
