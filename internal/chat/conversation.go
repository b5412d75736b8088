package chat

// ModelConfig carries the capability flags routing decisions consume.
// At most one of agent mode and search mode is honored per request; the
// orchestrator's precedence order decides which.
type ModelConfig struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	TokenLimit        int    `json:"tokenLimit,omitempty"`
	SearchModeEnabled bool   `json:"searchModeEnabled,omitempty"`
	AzureAgentMode    bool   `json:"azureAgentMode,omitempty"`
	AgentID           string `json:"agentId,omitempty"`
}

// AgentModeActive reports whether the model is bound to a hosted agent.
func (m ModelConfig) AgentModeActive() bool {
	return m.AzureAgentMode && m.AgentID != ""
}

// Conversation is owned by the caller. Routing code reads it and derives
// new conversations; it never mutates one in place.
type Conversation struct {
	ID              string      `json:"id"`
	Messages        []Message   `json:"messages"`
	Model           ModelConfig `json:"model"`
	Prompt          string      `json:"prompt,omitempty"`
	Temperature     float64     `json:"temperature,omitempty"`
	FolderID        string      `json:"folderId,omitempty"`
	BotID           string      `json:"bot,omitempty"`
	ThreadID        string      `json:"threadId,omitempty"`
	ReasoningEffort string      `json:"reasoningEffort,omitempty"`
	Verbosity       string      `json:"verbosity,omitempty"`
}

// LastMessage returns the final message, if any.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// WithLastMessage returns a copy of the conversation whose final message
// is replaced by m. The original Messages slice is left untouched.
func (c Conversation) WithLastMessage(m Message) Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	if len(out.Messages) == 0 {
		out.Messages = append(out.Messages, m)
	} else {
		out.Messages[len(out.Messages)-1] = m
	}
	return out
}

// Citation is a numbered source reference rendered with an answer.
// Within one answer no two citations share a URL.
type Citation struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Date   string `json:"date"`
}
