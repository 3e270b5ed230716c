package llm

// StreamChunk is a single piece of a streamed model response.
type StreamChunk struct {
	// Role is set on the first chunk of a response.
	Role string

	// Content is a text delta.
	Content string

	// ToolCall is a function call delta. Name and ID usually arrive on the
	// first delta for an index; Arguments arrive as string fragments.
	ToolCall *ToolCallDelta

	// Finished marks the final chunk.
	Finished bool

	// Error is set when the stream failed.
	Error error
}

// ToolCallDelta is one fragment of a streamed tool call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// IsError reports whether the chunk carries a stream error.
func (c *StreamChunk) IsError() bool {
	return c != nil && c.Error != nil
}

// HasContent reports whether the chunk carries a text delta.
func (c *StreamChunk) HasContent() bool {
	return c != nil && c.Content != ""
}
