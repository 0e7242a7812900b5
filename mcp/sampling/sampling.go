package sampling

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-ping-server/mcp"
)

// DefaultMaxTokens is applied by NewCreateMessage when no WithMaxTokens
// option is supplied. The protocol requires maxTokens on every request.
const DefaultMaxTokens = 100

// TextBlock constructs a text content block.
func TextBlock(text string) mcp.ContentBlock {
	return mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text}
}

// UserText returns a SamplingMessage authored by the user with a single text block.
func UserText(text string) mcp.SamplingMessage {
	return mcp.SamplingMessage{Role: mcp.RoleUser, Content: TextBlock(text)}
}

// CreateOption mutates a CreateMessageRequest during construction.
type CreateOption func(*mcp.CreateMessageRequest)

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) CreateOption {
	return func(r *mcp.CreateMessageRequest) { r.SystemPrompt = prompt }
}

// WithMaxTokens sets the MaxTokens field. Non-positive values are ignored.
func WithMaxTokens(n int) CreateOption {
	return func(r *mcp.CreateMessageRequest) {
		if n > 0 {
			r.MaxTokens = n
		}
	}
}

// WithModelPreferences sets model preferences. A nil value leaves the
// request's empty preference set in place.
func WithModelPreferences(prefs *mcp.ModelPreferences) CreateOption {
	return func(r *mcp.CreateMessageRequest) {
		if prefs != nil {
			r.ModelPreferences = prefs
		}
	}
}

// NewCreateMessage constructs a *CreateMessageRequest with the provided
// messages and options. The request always carries a non-nil, empty
// ModelPreferences and DefaultMaxTokens unless an option overrides them.
func NewCreateMessage(msgs []mcp.SamplingMessage, opts ...CreateOption) *mcp.CreateMessageRequest {
	r := &mcp.CreateMessageRequest{
		Messages:         append([]mcp.SamplingMessage(nil), msgs...),
		ModelPreferences: &mcp.ModelPreferences{},
		MaxTokens:        DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ValidateCreateMessage performs sanity checks on a CreateMessageRequest.
func ValidateCreateMessage(r *mcp.CreateMessageRequest) error {
	if r == nil {
		return errors.New("nil request")
	}
	if len(r.Messages) == 0 {
		return errors.New("no messages provided")
	}
	for i, m := range r.Messages {
		if m.Role != mcp.RoleUser && m.Role != mcp.RoleAssistant {
			return fmt.Errorf("invalid role %q in message %d", m.Role, i)
		}
		if m.Content.Type == "" {
			return fmt.Errorf("empty content type in message %d", i)
		}
	}
	if r.MaxTokens <= 0 {
		return errors.New("maxTokens must be positive")
	}
	return nil
}

// Text returns the text payload of a sampling result. ok is false when the
// result is nil or its content is not a text block.
func Text(res *mcp.CreateMessageResult) (text string, ok bool) {
	if res == nil || res.Content.Type != mcp.ContentTypeText {
		return "", false
	}
	return res.Content.Text, true
}
