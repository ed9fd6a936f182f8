package nepdora

import (
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Store Events
// ============================================================================

// StoreEvent names a message store notification kind.
type StoreEvent string

const (
	// EventMessageUpdate fires after a message is appended to the store.
	EventMessageUpdate StoreEvent = "message_update"
	// EventConversationUpdate fires after a conversation summary is upserted.
	EventConversationUpdate StoreEvent = "conversation_update"
)

// StoreNotification is delivered to listeners. Message is set for
// EventMessageUpdate; Update is set for EventConversationUpdate.
type StoreNotification struct {
	PageID  string
	Message *Message
	Update  *ConversationUpdate
}

// StoreListener receives store notifications.
type StoreListener func(StoreNotification)

// Subscription identifies a registered listener for removal.
type Subscription int

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore is the session-wide holding area for messages and conversation
// summaries, independent of any cache view. It is constructed explicitly and
// passed by reference to consumers; all methods are safe for concurrent use
// and every mutation is atomic from the caller's perspective.
type MessageStore struct {
	mu            sync.RWMutex
	messages      map[string][]Message
	conversations map[string]ConversationUpdate
	listeners     map[StoreEvent]map[Subscription]StoreListener
	nextSub       Subscription
	logger        *zap.Logger
}

// NewMessageStore creates an empty message store. A nil logger disables
// logging.
func NewMessageStore(logger *zap.Logger) *MessageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageStore{
		messages:      make(map[string][]Message),
		conversations: make(map[string]ConversationUpdate),
		listeners:     make(map[StoreEvent]map[Subscription]StoreListener),
		logger:        logger,
	}
}

// On registers a listener for an event and returns its subscription handle.
func (s *MessageStore) On(event StoreEvent, fn StoreListener) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	sub := s.nextSub
	if s.listeners[event] == nil {
		s.listeners[event] = make(map[Subscription]StoreListener)
	}
	s.listeners[event][sub] = fn
	s.logger.Debug("store listener added",
		zap.String("event", string(event)),
		zap.Int("total", len(s.listeners[event])))
	return sub
}

// Off removes a listener. Removing an unknown subscription is a no-op.
func (s *MessageStore) Off(event StoreEvent, sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.listeners[event]; ok {
		delete(set, sub)
		s.logger.Debug("store listener removed",
			zap.String("event", string(event)),
			zap.Int("remaining", len(set)))
	}
}

// emit delivers a notification to every listener of the event. A panicking
// listener is logged and never blocks delivery to the others.
func (s *MessageStore) emit(event StoreEvent, n StoreNotification) {
	s.mu.RLock()
	fns := make([]StoreListener, 0, len(s.listeners[event]))
	for _, fn := range s.listeners[event] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("store listener panicked",
						zap.String("event", string(event)),
						zap.Any("panic", r))
				}
			}()
			fn(n)
		}()
	}
}

// AddMessage appends a message to its conversation's list. Adding a message
// whose ID already exists in that list is a no-op, so delivery is idempotent.
// Returns true if the message was appended.
func (s *MessageStore) AddMessage(msg Message) bool {
	s.mu.Lock()
	for _, existing := range s.messages[msg.ConversationID] {
		if existing.ID == msg.ID {
			s.mu.Unlock()
			return false
		}
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	s.mu.Unlock()

	pageID, _ := ParseConversationID(msg.ConversationID)
	s.logger.Debug("message stored",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", msg.ConversationID))
	s.emit(EventMessageUpdate, StoreNotification{PageID: pageID, Message: &msg})
	return true
}

// UpdateConversation upserts a conversation summary.
func (s *MessageStore) UpdateConversation(update ConversationUpdate) {
	s.mu.Lock()
	s.conversations[update.ConversationID] = update
	s.mu.Unlock()

	s.logger.Debug("conversation updated",
		zap.String("conversation_id", update.ConversationID))
	s.emit(EventConversationUpdate, StoreNotification{PageID: update.PageID, Update: &update})
}

// GetMessages returns a copy of a conversation's message list. Unknown
// conversations yield an empty slice.
func (s *MessageStore) GetMessages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages[conversationID]...)
}

// GetConversation returns the stored summary for a conversation, if any.
func (s *MessageStore) GetConversation(conversationID string) (ConversationUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	update, ok := s.conversations[conversationID]
	return update, ok
}

// StoreStats are aggregate diagnostics counters.
type StoreStats struct {
	TotalMessages      int                `json:"totalMessages"`
	TotalConversations int                `json:"totalConversations"`
	Listeners          map[StoreEvent]int `json:"listeners"`
}

// Stats reports current store sizes and listener counts.
func (s *MessageStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{
		TotalConversations: len(s.conversations),
		Listeners:          make(map[StoreEvent]int, len(s.listeners)),
	}
	for _, msgs := range s.messages {
		stats.TotalMessages += len(msgs)
	}
	for event, set := range s.listeners {
		stats.Listeners[event] = len(set)
	}
	return stats
}
