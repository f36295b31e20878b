package agent

import "time"

// Message roles understood by providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn sent to a model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ToolSpec declares a tool to the model. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// DispatchOptions tune a single Dispatch call.
type DispatchOptions struct {
	// CallerID selects a BYOK credential from the vault when present.
	CallerID string
	// ForceTier skips classification. TierNone means "classify".
	ForceTier Tier
	// UserMessage is classified instead of the last user turn in history.
	UserMessage string
	// EnableTools requests the live lookup tool; honored only at the top tier.
	EnableTools bool
}

// DispatchResult is the outcome of Dispatch. Exactly one of Content and
// ErrorKind is set.
type DispatchResult struct {
	Content   string        `json:"content,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Tier      Tier          `json:"tier"`
	Model     string        `json:"model,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	BYOK      bool          `json:"byok"`
	Attempts  int           `json:"attempts"`
	Usage     *TokenUsage   `json:"usage,omitempty"`
}

// OK reports whether the dispatch produced content.
func (r DispatchResult) OK() bool {
	return r.ErrorKind == ""
}
