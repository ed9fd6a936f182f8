package nepdora

import "strings"

// Conversation IDs are canonically "t_<pageID>_<participantID>". The backend
// sometimes hands out opaque Messenger thread IDs (e.g. "t_122170001792604595")
// instead; when the page and participant IDs are known separately they take
// precedence and the canonical form is reconstructed from them.

const conversationIDPrefix = "t_"

// NormalizeConversationID canonicalizes a conversation identifier. If no
// usable IDs are available the input is returned unchanged, which signals an
// unresolved identifier; callers must not assume canonical shape in that case.
func NormalizeConversationID(conversationID, pageID, participantID string) string {
	if strings.HasPrefix(conversationID, conversationIDPrefix) {
		if parts := strings.Split(conversationID, "_"); len(parts) == 3 {
			return conversationID
		}
	}

	if pageID != "" && participantID != "" {
		return conversationIDPrefix + pageID + "_" + participantID
	}

	return conversationID
}

// ParseConversationID extracts the page and participant IDs from a canonical
// conversation ID. Both results are empty when the ID is not in canonical
// three-part form.
func ParseConversationID(conversationID string) (pageID, participantID string) {
	if !strings.HasPrefix(conversationID, conversationIDPrefix) {
		return "", ""
	}
	parts := strings.Split(conversationID, "_")
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], parts[2]
}
