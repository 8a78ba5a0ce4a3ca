package providers

import "context"

// Provider kinds. Kind selects the transport: an OpenAI-compatible HTTP API,
// a local inference server, or a wrapped command-line agent.
const (
	KindOpenAI = "openai"
	KindLocal  = "local"
	KindCLI    = "cli"
)

// Provider is the interface all chat backends implement.
type Provider interface {
	// Chat sends messages and returns a single complete response.
	// req.Tools defines available tool schemas; req.Model overrides the default.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Health probes reachability without spending tokens. A nil error means
	// the provider is usable right now.
	Health(ctx context.Context) error

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "openai", "local:ollama").
	Name() string

	// Kind reports the transport family: "openai", "local" or "cli".
	Kind() string
}

// Embedder is implemented by providers that can produce embeddings.
// Callers feature-test with a type assertion; CLI providers never implement it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SupportsTools reports whether a provider kind can accept tool definitions
// and return structured tool calls. CLI providers exchange plain text only.
func SupportsTools(kind string) bool {
	return kind != KindCLI
}

// ChatRequest contains the input for a Chat call.
type ChatRequest struct {
	Messages []Message              `json:"messages"`
	Tools    []ToolDefinition       `json:"tools,omitempty"`
	Model    string                 `json:"model,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// Option keys for ChatRequest.Options.
const (
	OptMaxTokens   = "max_tokens"
	OptTemperature = "temperature"
	OptThinking    = "thinking" // "off", "minimal", "low", "medium", "high"
	OptStop        = "stop"
	OptTimeoutMs   = "timeout_ms" // per-call budget, overrides provider default
)

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage     `json:"usage,omitempty"`
	Model        string     `json:"model,omitempty"` // model that served the call
}

// ImageContent represents a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"` // e.g. "image/jpeg"
	Data     string `json:"data"`      // base64-encoded image bytes
}

// Message represents a conversation message.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"` // vision: base64 images
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool" responses
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// NewToolDefinition wraps a name/description/schema triple in the wire shape.
func NewToolDefinition(name, description string, params map[string]interface{}) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunctionSchema{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// OptInt reads an integer option, tolerating json-decoded float64 values.
func OptInt(opts map[string]interface{}, key string, def int) int {
	if opts == nil {
		return def
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// OptFloat reads a float option.
func OptFloat(opts map[string]interface{}, key string, def float64) float64 {
	if opts == nil {
		return def
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// OptString reads a string option.
func OptString(opts map[string]interface{}, key, def string) string {
	if opts == nil {
		return def
	}
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}
