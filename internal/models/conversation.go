package models

// Conversation modes. A conversation starts in ModeAIActive; an operator
// takeover moves it to ModeHumanActive; ModePaused suspends automatic
// responses (outside business hours, rate limited). No mode is terminal.
const (
	ModeAIActive    = "ai_active"
	ModeHumanActive = "human_active"
	ModePaused      = "paused"
)

// ValidMode reports whether mode is one of the known conversation modes.
func ValidMode(mode string) bool {
	switch mode {
	case ModeAIActive, ModeHumanActive, ModePaused:
		return true
	}
	return false
}

// Conversation ties a contact to a message thread and records which actor
// is currently authorized to author outbound messages.
type Conversation struct {
	ID                 string  `json:"id"`
	ContactID          string  `json:"contact_id"`
	Mode               string  `json:"mode"`
	AssignedOperatorID *string `json:"assigned_operator_id,omitempty"`
	LastMessageAt      int64   `json:"last_message_at"`
}

// ModeTransition is the audit record written on every mode change.
type ModeTransition struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	FromMode       string `json:"from_mode"`
	ToMode         string `json:"to_mode"`
	Actor          string `json:"actor"`
	At             int64  `json:"at"`
}
