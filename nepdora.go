// Package nepdora provides the Go client for the Nepdora Facebook inbox API.
//
// Covers the REST conversation endpoints, the realtime push channel, the
// client-side message store and query cache, and webhook verification.
//
// Example:
//
//	client := nepdora.NewClient("sk-nepdora-...")
//
//	convos, _ := client.GetConversations(ctx, "109876543210")
//	detail, _ := client.GetConversationMessages(ctx, "t_109876543210_24681012", 50)
//	client.SendMessage(ctx, &nepdora.SendMessageRequest{
//		RecipientID: "24681012",
//		Text:        "Hello!",
//	})
//
//	// Realtime session (store + cache + push channel)
//	inbox, _ := nepdora.OpenInbox(ctx, client, nepdora.InboxConfig{
//		Tenant: "acme",
//		PageID: "109876543210",
//	})
//	defer inbox.Close()
package nepdora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://nepdora.baliyoventures.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Nepdora API client.
// apiKey is optional for deployments using session auth.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.apiKey = token
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiErrorFromResponse(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func apiErrorFromResponse(status int, data []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(status)
		}
		return &apiErr
	}
	return &APIError{
		Code:    http.StatusText(status),
		Message: strings.TrimSpace(string(data)),
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversation API Methods
// ============================================================================

// GetConversations lists the conversations for a page, most recent first.
func (c *Client) GetConversations(ctx context.Context, pageID string) ([]Conversation, error) {
	query := map[string]string{}
	if pageID != "" {
		query["page_id"] = pageID
	}
	data, err := c.doRequest(ctx, "GET", "/api/facebook/conversation/", nil, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// GetConversationMessages fetches the message history of one conversation.
// limit <= 0 requests the server default.
func (c *Client) GetConversationMessages(ctx context.Context, conversationID string, limit int) (*ConversationDetail, error) {
	if conversationID == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "conversationID is required"}
	}
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = fmt.Sprintf("%d", limit)
	}
	path := "/api/facebook/conversation-messages/" + url.PathEscape(conversationID) + "/"
	data, err := c.doRequest(ctx, "GET", path, nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationDetail](data)
}

// SendMessage delivers a message to a recipient via the page. Requests with
// a FileUpload are sent as multipart form data; everything else as JSON.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	if req == nil || req.RecipientID == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "recipientID is required"}
	}
	if req.Text == "" && req.Attachment == nil && req.FileUpload == nil {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "message, attachment, or file is required"}
	}

	if req.FileUpload != nil {
		return c.sendMessageMultipart(ctx, req)
	}

	data, err := c.doRequest(ctx, "POST", "/api/facebook/send-message/", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SendMessageResponse](data)
}

func (c *Client) sendMessageMultipart(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	_ = w.WriteField("recipient_id", req.RecipientID)
	if req.Text != "" {
		_ = w.WriteField("message", req.Text)
	}
	if req.PageAccessToken != "" {
		_ = w.WriteField("page_access_token", req.PageAccessToken)
	}
	if req.Tag != "" {
		_ = w.WriteField("tag", req.Tag)
	}

	part, err := w.CreateFormFile("file", req.FileUpload.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, req.FileUpload.Reader); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/facebook/send-message/", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeader(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiErrorFromResponse(resp.StatusCode, data)
	}
	return decodeJSON[SendMessageResponse](data)
}
