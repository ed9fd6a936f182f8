package nepdora

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the inbox backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Timestamp wraps time.Time and accepts both RFC 3339 and the Graph-style
// "-0700" offset format the Facebook backend emits for created_time.
type Timestamp struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
}

// ParseTimestamp parses a backend timestamp string.
func ParseTimestamp(s string) (Timestamp, error) {
	if s == "" {
		return Timestamp{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Format(time.RFC3339))
}

// ============================================================================
// Conversation Types
// ============================================================================

// Participant identifies one side of a conversation.
type Participant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	ProfilePic string `json:"profile_pic,omitempty"`
}

// Attachment is a media attachment on a message.
type Attachment struct {
	Type         string `json:"type,omitempty"`
	URL          string `json:"url,omitempty"`
	StickerID    string `json:"sticker_id,omitempty"`
	IsOptimistic bool   `json:"isOptimistic,omitempty"`
}

// Message type tags used on conversation summaries and attachments.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeVideo = "video"
	MessageTypeAudio = "audio"
	MessageTypeFile  = "file"
)

// Message is a single chat message within a conversation.
//
// ID is server-assigned once confirmed; optimistic messages carry a temporary
// "temp-" prefixed ID and IsOptimistic=true until reconciled.
type Message struct {
	ID             string       `json:"id"`
	From           Participant  `json:"from"`
	Text           string       `json:"message"`
	CreatedTime    Timestamp    `json:"created_time"`
	ConversationID string       `json:"conversationId,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	IsOptimistic   bool         `json:"isOptimistic,omitempty"`
}

// Conversation is a summary of one chat thread between a page and a single
// external participant.
type Conversation struct {
	ID             int64         `json:"id"`
	Page           int64         `json:"page"`
	PageName       string        `json:"page_name"`
	ConversationID string        `json:"conversation_id"`
	Participants   []Participant `json:"participants"`
	Snippet        string        `json:"snippet"`
	UpdatedTime    Timestamp     `json:"updated_time"`
	MessageType    string        `json:"message_type,omitempty"`
}

// ConversationUpdate carries the fields of a conversation summary that a push
// event may change.
type ConversationUpdate struct {
	ConversationID string    `json:"conversation_id"`
	PageID         string    `json:"page_id"`
	Snippet        string    `json:"snippet"`
	UpdatedTime    Timestamp `json:"updated_time"`
	SenderName     string    `json:"sender_name,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
	MessageType    string    `json:"message_type,omitempty"`
}

// ConversationDetail is the response envelope for a single conversation's
// message history.
type ConversationDetail struct {
	Conversation ConversationMessages `json:"conversation"`
}

// ConversationMessages holds a conversation's identifier and message list.
type ConversationMessages struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// ============================================================================
// Send Types
// ============================================================================

// SendAttachmentPayload is the payload of a structured send attachment.
type SendAttachmentPayload struct {
	URL        string `json:"url,omitempty"`
	IsReusable bool   `json:"is_reusable,omitempty"`
}

// SendAttachment describes a hosted attachment to deliver with a send.
type SendAttachment struct {
	Type    string                `json:"type"`
	Payload SendAttachmentPayload `json:"payload"`
}

// FileUpload is a local file streamed with a send request as multipart data.
type FileUpload struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// SendMessageRequest is the outbound send request.
type SendMessageRequest struct {
	RecipientID     string          `json:"recipient_id"`
	Text            string          `json:"message,omitempty"`
	PageAccessToken string          `json:"page_access_token"`
	Tag             string          `json:"tag,omitempty"`
	Attachment      *SendAttachment `json:"attachment,omitempty"`
	FileUpload      *FileUpload     `json:"-"`
}

// SendMessageResponse is the backend's acknowledgement of a send. It is not
// authoritative message content; the confirmed message arrives over the push
// channel.
type SendMessageResponse struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
}

// AttachmentTypeForMIME maps a MIME type to the coarse attachment type tag
// used for optimistic placeholders.
func AttachmentTypeForMIME(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MessageTypeImage
	case strings.HasPrefix(mimeType, "audio/"):
		return MessageTypeAudio
	case strings.HasPrefix(mimeType, "video/"):
		return MessageTypeVideo
	default:
		return MessageTypeFile
	}
}
