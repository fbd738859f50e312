package chat

// Phase is one stage of a diagram-to-code session.
type Phase string

const (
	PhaseExplain  Phase = "explain"
	PhaseGenerate Phase = "generate"
	PhaseUpdate   Phase = "update"
)

// State summarises where a conversation is in its lifecycle.
type State string

const (
	StateEmpty     State = "empty"
	StateExplained State = "explained"
	StateHasCode   State = "has_code"
)

// Conversation is the per-session record of what the model has produced.
// Messages only grow between calls to Clear. The cached explanation is kept
// outside the message list so that a session can be explained without yet
// having history.
type Conversation struct {
	Messages    []Message `json:"messages"`
	Explanation string    `json:"explanation,omitempty"`
	Code        string    `json:"code,omitempty"`
}

// HasHistory reports whether at least one generate phase has completed.
func (c *Conversation) HasHistory() bool {
	return c != nil && len(c.Messages) > 0
}

// HasExplanation reports whether the explain phase has completed.
func (c *Conversation) HasExplanation() bool {
	return c != nil && c.Explanation != ""
}

// State derives the lifecycle state.
func (c *Conversation) State() State {
	switch {
	case c.HasHistory():
		return StateHasCode
	case c.HasExplanation():
		return StateExplained
	default:
		return StateEmpty
	}
}

// Append adds a message to the end of the history.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
}

// SetExplanation caches the output of the explain phase.
func (c *Conversation) SetExplanation(text string) {
	c.Explanation = text
}

// RecordExchange appends a user request and the assistant's code reply and
// makes that code current.
func (c *Conversation) RecordExchange(request, code string) {
	c.Append(UserText(request))
	c.Append(AssistantText(code))
	c.Code = code
}

// Clear drops every message together with the cached explanation and code.
func (c *Conversation) Clear() {
	c.Messages = nil
	c.Explanation = ""
	c.Code = ""
}

// History returns a copy of the stored messages in order.
func (c *Conversation) History() []Message {
	if c == nil || len(c.Messages) == 0 {
		return []Message{}
	}
	out := make([]Message, len(c.Messages))
	copy(out, c.Messages)
	return out
}

// Clone returns a deep enough copy for a caller to mutate without touching
// the original message slice.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return &Conversation{}
	}
	return &Conversation{
		Messages:    c.History(),
		Explanation: c.Explanation,
		Code:        c.Code,
	}
}
