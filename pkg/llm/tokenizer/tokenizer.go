// Package tokenizer counts and truncates prompt text by model tokens.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the encoding used by the gpt-4 and gpt-4o families.
const DefaultEncoding = "cl100k_base"

// charsPerToken is the estimate used when no encoding is available.
const charsPerToken = 4

// Tokenizer counts tokens with tiktoken, falling back to a character
// estimate when the encoding cannot be loaded.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// New loads the default encoding. On failure it returns a usable estimating
// Tokenizer together with the error.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return &Tokenizer{}, fmt.Errorf("failed to load %s encoding: %w", DefaultEncoding, err)
	}
	return &Tokenizer{enc: enc}, nil
}

// NewEstimator returns a Tokenizer that only uses the character estimate.
func NewEstimator() *Tokenizer {
	return &Tokenizer{}
}

// Exact reports whether counts come from a real encoding.
func (t *Tokenizer) Exact() bool {
	return t != nil && t.enc != nil
}

// CountTokens returns the number of tokens in text.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if !t.Exact() {
		return (len(text) + charsPerToken - 1) / charsPerToken
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most maxTokens tokens and reports whether it cut.
func (t *Tokenizer) Truncate(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 || text == "" {
		return text, false
	}

	if !t.Exact() {
		limit := maxTokens * charsPerToken
		if len(text) <= limit {
			return text, false
		}
		// Avoid splitting a UTF-8 sequence.
		for limit > 0 && !isRuneStart(text[limit]) {
			limit--
		}
		return text[:limit], true
	}

	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, false
	}
	return t.enc.Decode(tokens[:maxTokens]), true
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
