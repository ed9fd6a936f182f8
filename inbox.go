package nepdora

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Inbox Session
// ============================================================================

// InboxConfig configures a realtime inbox session.
type InboxConfig struct {
	// Tenant is the storefront subdomain used by the push channel.
	Tenant string
	// PageID selects the active page.
	PageID string

	// PushDisabled turns the realtime channels off; the session then relies
	// on the periodic refetch alone.
	PushDisabled bool

	// RefetchInterval is the periodic backstop re-sync of the conversation
	// list. Push events keep the cache current between refetches.
	// Defaults to 5 minutes.
	RefetchInterval time.Duration

	// MessageLimit caps per-conversation history fetches. Zero requests
	// the server default.
	MessageLimit int

	Logger *zap.Logger
}

func (c *InboxConfig) defaults() {
	if c.RefetchInterval == 0 {
		c.RefetchInterval = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Inbox is a live messaging session for one (tenant, page) context. It keeps
// the conversation cache synchronized with the backend through the push
// channels and a periodic refetch backstop, and handles optimistic sends.
type Inbox struct {
	client *Client
	cfg    InboxConfig
	logger *zap.Logger

	store  *MessageStore
	cache  *Cache
	push   *PushClient
	stream *SSEClient

	refetchCh chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// OpenInbox starts an inbox session: it loads the initial conversation list,
// connects the push channels, and starts the refetch backstop.
func OpenInbox(ctx context.Context, client *Client, cfg InboxConfig) (*Inbox, error) {
	if client == nil {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "client is required"}
	}
	if cfg.PageID == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "pageID is required"}
	}
	cfg.defaults()

	logger := cfg.Logger.With(
		zap.String("tenant", cfg.Tenant),
		zap.String("page_id", cfg.PageID),
	)

	store := NewMessageStore(logger)
	cache := NewCache(logger)

	pushCfg := PushConfig{
		Tenant:  cfg.Tenant,
		PageID:  cfg.PageID,
		Enabled: !cfg.PushDisabled,
		BaseURL: client.BaseURL(),
		Logger:  logger,
	}

	inbox := &Inbox{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		store:     store,
		cache:     cache,
		push:      NewPushClient(pushCfg, store, cache),
		stream:    NewSSEClient(pushCfg, store, cache),
		refetchCh: make(chan struct{}, 1),
	}
	inbox.push.OnUnknownConversation(inbox.requestRefetch)
	inbox.stream.OnUnknownConversation(inbox.requestRefetch)

	conversations, err := client.GetConversations(ctx, cfg.PageID)
	if err != nil {
		return nil, fmt.Errorf("initial conversation fetch failed: %w", err)
	}
	cache.SetConversations(conversations)
	logger.Info("inbox opened", zap.Int("conversations", len(conversations)))

	// Dial failures here feed the clients' own reconnect budgets; the
	// session stays usable through the refetch backstop.
	if err := inbox.push.Connect(ctx); err != nil {
		logger.Warn("initial push connect failed", zap.Error(err))
	}
	if err := inbox.stream.Connect(ctx); err != nil {
		logger.Warn("initial stream connect failed", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	inbox.cancel = cancel
	inbox.wg.Add(1)
	go inbox.refetchLoop(loopCtx)

	return inbox, nil
}

// requestRefetch schedules an out-of-band conversation refetch. Requests
// coalesce while one is pending.
func (ib *Inbox) requestRefetch(conversationID string) {
	ib.logger.Debug("refetch requested for unknown conversation",
		zap.String("conversation_id", conversationID))
	select {
	case ib.refetchCh <- struct{}{}:
	default:
	}
}

func (ib *Inbox) refetchLoop(ctx context.Context) {
	defer ib.wg.Done()

	ticker := time.NewTicker(ib.cfg.RefetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-ib.refetchCh:
		}
		ib.refetchConversations(ctx)
	}
}

func (ib *Inbox) refetchConversations(ctx context.Context) {
	conversations, err := ib.client.GetConversations(ctx, ib.cfg.PageID)
	if err != nil {
		ib.logger.Warn("conversation refetch failed", zap.Error(err))
		return
	}
	ib.cache.SetConversations(conversations)
	ib.logger.Debug("conversation list refreshed",
		zap.Int("conversations", len(conversations)))
}

// ============================================================================
// Reads
// ============================================================================

// Conversations returns the cached conversation list, most recent first.
func (ib *Inbox) Conversations() []Conversation {
	return ib.cache.Conversations()
}

// Messages returns the cached messages of a conversation, including any
// pending optimistic sends.
func (ib *Inbox) Messages(conversationID string) []Message {
	return ib.cache.Messages(conversationID)
}

// LoadMessages fetches a conversation's history from the backend and merges
// it into the cache, preserving pending optimistic sends.
func (ib *Inbox) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	detail, err := ib.client.GetConversationMessages(ctx, conversationID, ib.cfg.MessageLimit)
	if err != nil {
		return nil, err
	}

	messages := detail.Conversation.Messages
	for i := range messages {
		messages[i].ConversationID = conversationID
		ib.store.AddMessage(messages[i])
	}
	ib.cache.SetMessages(conversationID, messages)
	return ib.cache.Messages(conversationID), nil
}

// Subscribe registers a listener for store events. The returned handle
// cancels the subscription via Unsubscribe.
func (ib *Inbox) Subscribe(event StoreEvent, fn StoreListener) Subscription {
	return ib.store.On(event, fn)
}

// Unsubscribe removes a listener registered with Subscribe.
func (ib *Inbox) Unsubscribe(event StoreEvent, sub Subscription) {
	ib.store.Off(event, sub)
}

// PushState reports the WebSocket push channel state.
func (ib *Inbox) PushState() ConnState {
	return ib.push.State()
}

// StreamState reports the conversation stream state.
func (ib *Inbox) StreamState() ConnState {
	return ib.stream.State()
}

// Stats reports store statistics for the session.
func (ib *Inbox) Stats() StoreStats {
	return ib.store.Stats()
}

// ============================================================================
// Sending
// ============================================================================

// Send delivers a message optimistically: a temporary message appears in the
// conversation immediately, is rolled back if the request fails, and is
// replaced by its confirmed counterpart when the push event arrives.
func (ib *Inbox) Send(ctx context.Context, conversationID string, req *SendMessageRequest) (*SendMessageResponse, error) {
	if req == nil {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "request is required"}
	}
	if req.RecipientID == "" {
		_, req.RecipientID = ParseConversationID(conversationID)
	}

	pending := ib.cache.StageSend(conversationID, ib.cfg.PageID, req)

	resp, err := ib.client.SendMessage(ctx, req)
	if err != nil {
		ib.cache.Rollback(pending)
		ib.logger.Warn("send failed, optimistic message rolled back",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, err
	}

	// The confirmed message arrives over the push channel and collapses the
	// optimistic entry there.
	ib.cache.Commit(pending)
	ib.logger.Debug("message sent",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", resp.MessageID))
	return resp, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Close tears the session down: push channels disconnect, the refetch loop
// stops, and late completions become no-ops. Close is idempotent.
func (ib *Inbox) Close() {
	ib.mu.Lock()
	if ib.closed {
		ib.mu.Unlock()
		return
	}
	ib.closed = true
	ib.mu.Unlock()

	ib.cancel()
	ib.push.Close()
	ib.stream.Close()
	ib.wg.Wait()
	ib.logger.Info("inbox closed")
}
