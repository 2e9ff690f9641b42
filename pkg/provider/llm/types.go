package llm

// Message is a single entry in a conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content.
	Content string

	// ToolCalls contains tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID identifies which call a "tool" role message answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument string.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description is included in model prompts.
	Description string

	// Parameters is the JSON Schema of the tool's inputs.
	Parameters map[string]any

	// Essential tools survive load shedding; non-essential ones are
	// withheld when the backpressure ladder reaches tool refusal.
	Essential bool
}

// Capabilities describes what a model supports.
type Capabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native tool calling.
	SupportsToolCalling bool

	// SupportsStreaming indicates streaming completions.
	SupportsStreaming bool
}
