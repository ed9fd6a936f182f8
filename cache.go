package nepdora

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TempIDPrefix marks client-assigned temporary message IDs used for
// optimistic sends.
const TempIDPrefix = "temp-"

// optimisticMatchWindow is the maximum timestamp distance under which a
// confirmed message collapses a same-sender optimistic message with
// different body text. The dual match (identical body OR time proximity) is
// a deliberate heuristic: the wire format carries no idempotency key, so
// duplicate bubbles are traded against wrongly collapsing two rapid messages
// from one sender.
const optimisticMatchWindow = 5 * time.Second

// Cache merges three message sources into one consistent view per
// conversation: the REST snapshot, push-channel events, and optimistic local
// writes. It owns the materialized lists; consumers read through accessors
// and never mutate entries directly.
type Cache struct {
	mu            sync.Mutex
	messages      map[string][]Message
	conversations []Conversation
	logger        *zap.Logger

	now func() time.Time
}

// NewCache creates an empty cache. A nil logger disables logging.
func NewCache(logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		messages: make(map[string][]Message),
		logger:   logger,
		now:      time.Now,
	}
}

// ============================================================================
// Reads
// ============================================================================

// Conversations returns the conversation list ordered most-recently-updated
// first.
func (c *Cache) Conversations() []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Conversation(nil), c.conversations...)
}

// Messages returns a conversation's message list in arrival order. Unknown
// conversations yield an empty slice.
func (c *Cache) Messages(conversationID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages[conversationID]...)
}

// ============================================================================
// REST snapshot ingestion
// ============================================================================

// SetConversations replaces the conversation list from a REST fetch and
// re-sorts it. Last write wins against concurrently arriving push updates;
// message-level consistency relies on ID de-duplication instead.
func (c *Cache) SetConversations(conversations []Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations = append([]Conversation(nil), conversations...)
	c.sortConversationsLocked()
}

// SetMessages replaces a conversation's message list from a REST fetch,
// preserving optimistic entries still awaiting confirmation. An optimistic
// entry whose confirmed counterpart is already in the fetched history is
// dropped; a refetch that outruns the push event must not strand the bubble,
// since the push event will later no-op on the duplicate ID.
func (c *Cache) SetMessages(conversationID string, messages []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := append([]Message(nil), messages...)
	for _, m := range c.messages[conversationID] {
		if !m.IsOptimistic || !strings.HasPrefix(m.ID, TempIDPrefix) {
			continue
		}
		if confirmedMatchExists(messages, m) {
			c.logger.Debug("collapsing optimistic message against fetched history",
				zap.String("temp_id", m.ID),
				zap.String("conversation_id", conversationID))
			continue
		}
		merged = append(merged, m)
	}
	c.messages[conversationID] = merged
}

// confirmedMatchExists reports whether any fetched message would collapse the
// optimistic entry under the reconciliation heuristic.
func confirmedMatchExists(messages []Message, optimistic Message) bool {
	for _, confirmed := range messages {
		if optimisticMatches(optimistic, confirmed) {
			return true
		}
	}
	return false
}

// ============================================================================
// Reconciliation
// ============================================================================

// ApplyConfirmed merges a server-confirmed message into its conversation's
// list:
//
//  1. If a message with the same ID already exists, nothing happens.
//  2. Otherwise the first optimistic candidate from the same sender with
//     identical body text, or with a timestamp within the match window, is
//     removed.
//  3. The confirmed message is appended.
//
// Returns true if the message was added.
func (c *Cache) ApplyConfirmed(conversationID string, msg Message) bool {
	msg.IsOptimistic = false
	msg.ConversationID = conversationID

	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.messages[conversationID]
	for _, existing := range list {
		if existing.ID == msg.ID {
			c.logger.Debug("confirmed message already present",
				zap.String("message_id", msg.ID))
			return false
		}
	}

	if idx := c.findOptimisticMatchLocked(list, msg); idx >= 0 {
		c.logger.Debug("collapsing optimistic message",
			zap.String("temp_id", list[idx].ID),
			zap.String("message_id", msg.ID))
		list = append(append([]Message(nil), list[:idx]...), list[idx+1:]...)
	}

	c.messages[conversationID] = append(list, msg)
	return true
}

// findOptimisticMatchLocked returns the index of the first optimistic
// candidate matching the confirmed message, or -1.
func (c *Cache) findOptimisticMatchLocked(list []Message, confirmed Message) int {
	for i, m := range list {
		if !m.IsOptimistic || !strings.HasPrefix(m.ID, TempIDPrefix) {
			continue
		}
		if optimisticMatches(m, confirmed) {
			return i
		}
	}
	return -1
}

// optimisticMatches applies the collapse heuristic: same sender with either
// identical body text or timestamps within the match window.
func optimisticMatches(optimistic, confirmed Message) bool {
	if optimistic.From.ID != confirmed.From.ID {
		return false
	}
	if optimistic.Text == confirmed.Text {
		return true
	}
	diff := confirmed.CreatedTime.Sub(optimistic.CreatedTime.Time)
	if diff < 0 {
		diff = -diff
	}
	return diff < optimisticMatchWindow
}

// UpsertConversation applies a push-delivered summary change and re-sorts the
// list. Zero-valued update fields leave the existing summary field untouched.
// When the conversation is unknown a placeholder built from the sender is
// inserted at the head and known=false is returned so the caller can trigger
// a full refetch for participant details.
func (c *Cache) UpsertConversation(update ConversationUpdate) (known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.conversations {
		if c.conversations[i].ConversationID != update.ConversationID {
			continue
		}
		if update.Snippet != "" {
			c.conversations[i].Snippet = update.Snippet
		}
		if !update.UpdatedTime.IsZero() {
			c.conversations[i].UpdatedTime = update.UpdatedTime
		}
		if update.MessageType != "" {
			c.conversations[i].MessageType = update.MessageType
		}
		c.sortConversationsLocked()
		return true
	}

	c.logger.Debug("new conversation from push",
		zap.String("conversation_id", update.ConversationID))

	page, _ := strconv.ParseInt(update.PageID, 10, 64)
	messageType := update.MessageType
	if messageType == "" {
		messageType = MessageTypeText
	}
	placeholder := Conversation{
		ID:             c.now().UnixMilli(),
		Page:           page,
		ConversationID: update.ConversationID,
		Participants: []Participant{
			{ID: update.SenderID, Name: update.SenderName},
		},
		Snippet:     update.Snippet,
		UpdatedTime: update.UpdatedTime,
		MessageType: messageType,
	}
	c.conversations = append([]Conversation{placeholder}, c.conversations...)
	return false
}

func (c *Cache) sortConversationsLocked() {
	sort.SliceStable(c.conversations, func(i, j int) bool {
		return c.conversations[i].UpdatedTime.After(c.conversations[j].UpdatedTime.Time)
	})
}

// ============================================================================
// Optimistic sends
// ============================================================================

// PendingSend records an in-flight optimistic mutation: the temporary
// message inserted into the cache and the pre-mutation snapshot needed to
// undo it. Exactly one of Commit or Rollback must be called.
type PendingSend struct {
	TempID         string
	ConversationID string
	Message        Message

	snapshot []Message
	done     bool
}

// StageSend inserts an optimistic message for a send intent and returns the
// pending record. pageID identifies the sending page, which becomes the
// optimistic sender.
func (c *Cache) StageSend(conversationID, pageID string, req *SendMessageRequest) *PendingSend {
	optimistic := Message{
		ID:             TempIDPrefix + uuid.NewString(),
		From:           Participant{ID: pageID, Name: "You"},
		Text:           req.Text,
		CreatedTime:    Timestamp{Time: c.now()},
		ConversationID: conversationID,
		IsOptimistic:   true,
	}

	if req.FileUpload != nil {
		optimistic.Attachments = []Attachment{{
			Type:         AttachmentTypeForMIME(req.FileUpload.ContentType),
			IsOptimistic: true,
		}}
	} else if req.Attachment != nil {
		optimistic.Attachments = []Attachment{{
			Type:         req.Attachment.Type,
			URL:          req.Attachment.Payload.URL,
			IsOptimistic: true,
		}}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pending := &PendingSend{
		TempID:         optimistic.ID,
		ConversationID: conversationID,
		Message:        optimistic,
		snapshot:       append([]Message(nil), c.messages[conversationID]...),
	}
	c.messages[conversationID] = append(c.messages[conversationID], optimistic)

	c.logger.Debug("optimistic message staged",
		zap.String("temp_id", optimistic.ID),
		zap.String("conversation_id", conversationID))
	return pending
}

// Commit finalizes a pending send after the backend accepted it. No cache
// write occurs: reconciliation is deferred to the confirmed push event.
func (c *Cache) Commit(pending *PendingSend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending.done = true
	pending.snapshot = nil
}

// Rollback restores the pre-send snapshot after a failed send. Rolling back
// a committed or already rolled-back send is a no-op.
func (c *Cache) Rollback(pending *PendingSend) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pending.done {
		return
	}
	pending.done = true
	c.messages[pending.ConversationID] = pending.snapshot
	pending.snapshot = nil

	c.logger.Debug("optimistic message rolled back",
		zap.String("temp_id", pending.TempID),
		zap.String("conversation_id", pending.ConversationID))
}
