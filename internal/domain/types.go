package domain

import "strings"

// Role attributes a turn to a conversation participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Label returns the display label used when turns are flattened into text.
func (r Role) Label() string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	}
	return strings.ToUpper(string(r))
}

// Turn is a single chat message.
// Name and Metadata are carried for clients but never influence caching.
type Turn struct {
	Role     Role              `json:"role"`
	Content  string            `json:"content"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Conversation is an ordered, chronological sequence of turns.
type Conversation []Turn

// Clone returns a copy whose turns can be mutated without affecting c.
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// LatestUserTurn returns the most recent user turn.
func (c Conversation) LatestUserTurn() (Turn, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Role == RoleUser {
			return c[i], true
		}
	}
	return Turn{}, false
}

// CountRole returns how many turns have the given role.
func (c Conversation) CountRole(role Role) int {
	n := 0
	for _, t := range c {
		if t.Role == role {
			n++
		}
	}
	return n
}

// SystemIndex returns the index of the first system turn, or -1.
func (c Conversation) SystemIndex() int {
	for i, t := range c {
		if t.Role == RoleSystem {
			return i
		}
	}
	return -1
}

// WithSystemPrompt returns a copy of c whose system turn carries prompt.
// An existing system turn is replaced in place, otherwise one is prepended.
func (c Conversation) WithSystemPrompt(prompt string) Conversation {
	if idx := c.SystemIndex(); idx >= 0 {
		out := c.Clone()
		out[idx] = Turn{Role: RoleSystem, Content: prompt}
		return out
	}
	out := make(Conversation, 0, len(c)+1)
	out = append(out, Turn{Role: RoleSystem, Content: prompt})
	return append(out, c...)
}

// Recent returns up to n of the latest non-system turns, oldest first.
func (c Conversation) Recent(n int) Conversation {
	var out Conversation
	for i := len(c) - 1; i >= 0 && len(out) < n; i-- {
		if c[i].Role == RoleSystem {
			continue
		}
		out = append(out, c[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Transcript renders turns as "<Label>: <content>" lines.
func (c Conversation) Transcript() string {
	lines := make([]string, len(c))
	for i, t := range c {
		lines[i] = t.Role.Label() + ": " + t.Content
	}
	return strings.Join(lines, "\n")
}

// AmbiguousExpression is the structured interpretation of indirect phrasing
// in the latest user turn. The zero value means nothing was detected.
type AmbiguousExpression struct {
	Detected       bool     `json:"detected"`
	Expression     string   `json:"expression"`
	Interpretation string   `json:"interpretation"`
	Confidence     float64  `json:"confidence"`
	ContextFactors []string `json:"contextFactors"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest is what the orchestrator asks of the completion service.
type CompletionRequest struct {
	Model       string
	Messages    Conversation
	Temperature *float32
	MaxTokens   int
	// JSONObject asks the upstream to constrain output to a JSON object.
	JSONObject bool
	// UserAgent is forwarded upstream for traceability.
	UserAgent string
}

// CompletionResponse is a complete non-streaming result.
type CompletionResponse struct {
	ID           string
	Model        string
	Message      Turn
	FinishReason string
	Usage        Usage
}

// CompletionEvent is one element of a streamed completion.
type CompletionEvent struct {
	ContentDelta string
	FinishReason string
	Usage        *Usage
	Error        error
}
