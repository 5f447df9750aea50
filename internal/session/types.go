package session

import (
	"time"

	"github.com/helmsman-ai/orchestrator/internal/errs"
)

// ErrContextNotFound is returned when no context exists for a conversation.
var ErrContextNotFound = errs.New(errs.KindNotFound, "session.get", "conversation context not found")

const recentTemplateLimit = 10

// Preferences captures per-user matching hints consumed by workflow scoring.
type Preferences struct {
	ExperienceLevel   string   `json:"experience_level,omitempty"` // "beginner" | "expert" | ""
	PreferredPatterns []string `json:"preferred_patterns,omitempty"`
}

// ConversationContext is the durable state of one conversation. One context
// exists per conversation id; any number of requests reference it.
type ConversationContext struct {
	ConversationID  string         `json:"conversation_id"`
	UserID          string         `json:"user_id"`
	SessionStart    time.Time      `json:"session_start"`
	LastInteraction time.Time      `json:"last_interaction"`
	Interactions    int            `json:"interactions"`
	Context         map[string]any `json:"context,omitempty"`
	Preferences     Preferences    `json:"preferences"`
	RecentTemplates []string       `json:"recent_templates,omitempty"`
}

// UsedTemplateRecently reports whether the conversation selected templateID
// within the retained history.
func (c *ConversationContext) UsedTemplateRecently(templateID string) bool {
	for _, id := range c.RecentTemplates {
		if id == templateID {
			return true
		}
	}
	return false
}

// PrefersPattern reports whether pattern is one of the user's preferred
// orchestration patterns.
func (c *ConversationContext) PrefersPattern(pattern string) bool {
	for _, p := range c.Preferences.PreferredPatterns {
		if p == pattern {
			return true
		}
	}
	return false
}
