package nepdora

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Frames
// ============================================================================

// Push frame type discriminators.
const (
	FrameConnected          = "connected"
	FrameNewMessage         = "new_message"
	FrameConversationUpdate = "conversation_update"
)

// pushFrame is the wire envelope for all push-channel frames. new_message
// frames carry data; the SSE conversation stream carries an update
// sub-object instead.
type pushFrame struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Update json.RawMessage `json:"update,omitempty"`
}

// NewMessageEvent is the payload of a new_message frame.
type NewMessageEvent struct {
	ConversationID string    `json:"conversation_id"`
	Message        Message   `json:"message"`
	PageID         string    `json:"page_id"`
	Snippet        string    `json:"snippet"`
	SenderName     string    `json:"sender_name"`
	SenderID       string    `json:"sender_id"`
	Timestamp      Timestamp `json:"timestamp"`
	MessageType    string    `json:"message_type,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// ConnState represents the push connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	// StateErrored is terminal: the reconnect budget is exhausted and the
	// client will not retry. Surfaced to consumers as a persistent failure.
	StateErrored ConnState = "errored"
)

// PushConfig configures the push channel clients.
type PushConfig struct {
	// Tenant is the storefront subdomain the push URL is parameterized by.
	Tenant string
	// PageID is the active page context. Frames for other pages are
	// discarded.
	PageID string
	// Enabled gates connecting entirely; a disabled client stays
	// Disconnected without error.
	Enabled bool

	// BaseURL is the backend origin, e.g. "https://nepdora.baliyoventures.com".
	BaseURL string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (c *PushConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks the reconnect budget for one connection instance. The
// delay doubles from the base up to the cap with no jitter, so observed
// delays are 1s, 2s, 4s, 8s, 16s for the default budget of five attempts.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *PushConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	delay := r.baseDelay << uint(r.attempt)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// cancellableTimer abstracts a scheduled reconnect so teardown can cancel it
// race-free, and tests can fire it deterministically.
type cancellableTimer interface {
	Stop() bool
}

type timerFactory func(d time.Duration, fn func()) cancellableTimer

func stdAfterFunc(d time.Duration, fn func()) cancellableTimer {
	return time.AfterFunc(d, fn)
}

// ============================================================================
// Frame handling (shared by WebSocket and SSE clients)
// ============================================================================

// frameHandler translates inbound frames into store and cache mutations.
type frameHandler struct {
	pageID    string
	store     *MessageStore
	cache     *Cache
	logger    *zap.Logger
	onUnknown func(conversationID string)
}

// handle parses and applies one inbound frame. Malformed frames are logged
// and discarded; they never propagate an error to the connection.
func (h *frameHandler) handle(data []byte) {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Warn("discarding malformed push frame", zap.Error(err))
		return
	}

	switch frame.Type {
	case FrameConnected:
		h.logger.Info("push channel acknowledged")

	case FrameNewMessage:
		var ev NewMessageEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			h.logger.Warn("discarding malformed new_message frame", zap.Error(err))
			return
		}
		h.applyNewMessage(ev)

	case FrameConversationUpdate:
		raw := frame.Update
		if raw == nil {
			raw = frame.Data
		}
		var update ConversationUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			h.logger.Warn("discarding malformed conversation_update frame", zap.Error(err))
			return
		}
		h.applyConversationUpdate(update)

	default:
		h.logger.Debug("discarding unknown push frame", zap.String("type", frame.Type))
	}
}

func (h *frameHandler) applyNewMessage(ev NewMessageEvent) {
	if ev.PageID != h.pageID {
		h.logger.Debug("ignoring message for inactive page",
			zap.String("page_id", ev.PageID))
		return
	}

	conversationID := NormalizeConversationID(ev.ConversationID, ev.PageID, ev.SenderID)
	msg := ev.Message
	msg.ConversationID = conversationID
	msg.IsOptimistic = false

	h.store.AddMessage(msg)
	h.cache.ApplyConfirmed(conversationID, msg)

	messageType := ev.MessageType
	if messageType == "" {
		messageType = MessageTypeText
	}
	update := ConversationUpdate{
		ConversationID: conversationID,
		PageID:         ev.PageID,
		Snippet:        ev.Snippet,
		UpdatedTime:    msg.CreatedTime,
		SenderName:     ev.SenderName,
		SenderID:       ev.SenderID,
		MessageType:    messageType,
	}
	h.store.UpdateConversation(update)
	if known := h.cache.UpsertConversation(update); !known && h.onUnknown != nil {
		h.onUnknown(conversationID)
	}
}

func (h *frameHandler) applyConversationUpdate(update ConversationUpdate) {
	if update.PageID != "" && update.PageID != h.pageID {
		h.logger.Debug("ignoring update for inactive page",
			zap.String("page_id", update.PageID))
		return
	}

	h.store.UpdateConversation(update)
	if known := h.cache.UpsertConversation(update); !known && h.onUnknown != nil {
		h.onUnknown(update.ConversationID)
	}
}

// ============================================================================
// PushClient (WebSocket)
// ============================================================================

// PushClient owns the single live WebSocket push connection for one
// (tenant, page) context and translates inbound frames into cache mutations.
type PushClient struct {
	cfg     PushConfig
	handler *frameHandler
	logger  *zap.Logger

	mu         sync.Mutex
	state      ConnState
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	timer      cancellableTimer
	closed     bool

	recon     *reconnector
	afterFunc timerFactory
}

// NewPushClient creates a push client feeding the given store and cache.
func NewPushClient(cfg PushConfig, store *MessageStore, cache *Cache) *PushClient {
	cfg.defaults()
	logger := cfg.Logger.With(
		zap.String("tenant", cfg.Tenant),
		zap.String("page_id", cfg.PageID),
	)
	return &PushClient{
		cfg: cfg,
		handler: &frameHandler{
			pageID: cfg.PageID,
			store:  store,
			cache:  cache,
			logger: logger,
		},
		logger:    logger,
		state:     StateDisconnected,
		recon:     newReconnector(&cfg),
		afterFunc: stdAfterFunc,
	}
}

// OnUnknownConversation registers a callback invoked when a push event
// references a conversation absent from the cache. Must be set before
// Connect.
func (c *PushClient) OnUnknownConversation(fn func(conversationID string)) {
	c.handler.onUnknown = fn
}

// State returns the current connection state.
func (c *PushClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the websocket endpoint for this client's tenant.
func (c *PushClient) URL() string {
	wsURL := strings.Replace(c.cfg.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws/facebook/" + c.cfg.Tenant + "/"
}

// Connect establishes the push connection. Connecting while disabled, while
// tenant or page is missing, while already connected, or after teardown is a
// no-op, not an error.
func (c *PushClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if !c.cfg.Enabled || c.cfg.Tenant == "" || c.cfg.PageID == "" {
		c.mu.Unlock()
		c.logger.Debug("push channel disabled or missing context")
		return nil
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info("connecting push channel", zap.String("url", c.URL()))

	conn, _, err := websocket.Dial(ctx, c.URL(), &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
	})
	if err != nil {
		c.logger.Warn("push channel dial failed", zap.Error(err))
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		// Teardown raced the dial; discard the fresh connection.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client torn down")
		return nil
	}
	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelRead = cancel
	c.state = StateConnected
	c.recon.reset()
	c.mu.Unlock()

	c.logger.Info("push channel connected")
	go c.readLoop(readCtx, conn)
	return nil
}

func (c *PushClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(err)
			return
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		c.handler.handle(data)
	}
}

func (c *PushClient) handleClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.conn = nil
	c.cancelRead = nil
	c.logger.Warn("push channel closed", zap.Error(err))
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked transitions to Reconnecting and arms the backoff
// timer, or to the terminal Errored state once the budget is exhausted.
// Callers must hold c.mu.
func (c *PushClient) scheduleReconnectLocked() {
	if !c.recon.shouldReconnect() {
		c.state = StateErrored
		c.logger.Error("push channel reconnect budget exhausted")
		return
	}

	delay := c.recon.nextDelay()
	c.state = StateReconnecting
	c.logger.Info("push channel reconnecting",
		zap.Int("attempt", c.recon.attempt),
		zap.Int("max_attempts", c.recon.maxAttempts),
		zap.Duration("delay", delay))

	c.timer = c.afterFunc(delay, func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		c.Connect(context.Background())
	})
}

// Close tears the client down: the live connection is closed, any pending
// reconnect is cancelled, and late asynchronous completions become no-ops.
// Close is idempotent.
func (c *PushClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client teardown")
	}
	c.logger.Info("push channel torn down")
}

// ============================================================================
// SSEClient (conversation-list stream)
// ============================================================================

// SSEClient consumes the server-sent conversation_update stream for a page.
// It shares the push clients' reconnect policy and teardown semantics.
type SSEClient struct {
	cfg     PushConfig
	handler *frameHandler
	logger  *zap.Logger

	mu         sync.Mutex
	state      ConnState
	cancelRead context.CancelFunc
	timer      cancellableTimer
	closed     bool

	recon     *reconnector
	afterFunc timerFactory
}

// NewSSEClient creates an SSE client feeding the given store and cache.
func NewSSEClient(cfg PushConfig, store *MessageStore, cache *Cache) *SSEClient {
	cfg.defaults()
	logger := cfg.Logger.With(zap.String("page_id", cfg.PageID))
	return &SSEClient{
		cfg: cfg,
		handler: &frameHandler{
			pageID: cfg.PageID,
			store:  store,
			cache:  cache,
			logger: logger,
		},
		logger:    logger,
		state:     StateDisconnected,
		recon:     newReconnector(&cfg),
		afterFunc: stdAfterFunc,
	}
}

// OnUnknownConversation registers a callback invoked when an update
// references a conversation absent from the cache. Must be set before
// Connect.
func (c *SSEClient) OnUnknownConversation(fn func(conversationID string)) {
	c.handler.onUnknown = fn
}

// State returns the current connection state.
func (c *SSEClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the SSE endpoint for this client's page.
func (c *SSEClient) URL() string {
	return c.cfg.BaseURL + "/api/facebook/messages/stream?pageId=" + c.cfg.PageID
}

// Connect establishes the SSE stream. The same gating rules as
// PushClient.Connect apply.
func (c *SSEClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if !c.cfg.Enabled || c.cfg.PageID == "" {
		c.mu.Unlock()
		c.logger.Debug("conversation stream disabled or missing context")
		return nil
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	readCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, c.URL(), nil)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err == nil && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err = &APIError{Code: "stream_unavailable", Message: resp.Status}
	}
	if err != nil {
		cancel()
		c.logger.Warn("conversation stream connect failed", zap.Error(err))
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		resp.Body.Close()
		return nil
	}
	c.cancelRead = cancel
	c.state = StateConnected
	c.recon.reset()
	c.mu.Unlock()

	c.logger.Info("conversation stream connected")
	go c.readLoop(resp)
	return nil
}

func (c *SSEClient) readLoop(resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		c.handler.handle([]byte(strings.TrimPrefix(line, "data: ")))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cancelRead = nil
	c.logger.Warn("conversation stream ended", zap.Error(scanner.Err()))
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked mirrors PushClient.scheduleReconnectLocked.
// Callers must hold c.mu.
func (c *SSEClient) scheduleReconnectLocked() {
	if !c.recon.shouldReconnect() {
		c.state = StateErrored
		c.logger.Error("conversation stream reconnect budget exhausted")
		return
	}

	delay := c.recon.nextDelay()
	c.state = StateReconnecting
	c.logger.Info("conversation stream reconnecting",
		zap.Int("attempt", c.recon.attempt),
		zap.Duration("delay", delay))

	c.timer = c.afterFunc(delay, func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		c.Connect(context.Background())
	})
}

// Close tears the stream down. Close is idempotent.
func (c *SSEClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("conversation stream torn down")
}
