package workers

import (
	"strings"

	"convopilot-server/internal/generation"
	"convopilot-server/internal/models"
)

// urgencyKeywords trigger the heavy generation profile when they appear
// in recent customer messages.
var urgencyKeywords = []string{
	"urgent", "asap", "immediately", "emergency",
	"refund", "cancel", "complaint", "broken", "not working", "error",
}

// selectProfile picks the generation profile for one turn. It is a pure
// function of the assembled history: long conversations and urgent or
// technical customer messages get the heavy profile, everything else the
// light one.
func selectProfile(history []*models.Message, heavyMinLen int) string {
	if heavyMinLen > 0 && len(history) >= heavyMinLen {
		return generation.ProfileHeavy
	}

	// Only the tail matters; urgency in long-resolved turns should not
	// pin a conversation to the heavy profile forever.
	recent := history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	for _, msg := range recent {
		if msg.Author != models.AuthorCustomer {
			continue
		}
		content := strings.ToLower(msg.Content)
		for _, kw := range urgencyKeywords {
			if strings.Contains(content, kw) {
				return generation.ProfileHeavy
			}
		}
	}
	return generation.ProfileLight
}
