package agent

// Message represents a message in the conversation
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model. Arguments
// are kept as the raw JSON string the gateway returned; they are parsed
// only at dispatch time so the loop detector sees the exact wire form.
type ToolCall struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RawArguments string `json:"raw_arguments"`
}

// Usage tracks token consumption for one completion
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolSchema describes a tool offered to the model
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request contains the request parameters for a gateway call
type Request struct {
	Model        string
	Messages     []Message
	Tools        []ToolSchema
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Response contains the response from the gateway
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
	Model     string
}

// Terminal statuses for a run.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// RunResult contains output from an agent run. Answer is always populated,
// even on error: terminal failures surface as both an error and a readable
// answer so callers can print something.
type RunResult struct {
	Answer  string `json:"answer"`
	TraceID string `json:"trace_id"`
	Steps   int    `json:"steps"`
	Status  string `json:"status"`
}
