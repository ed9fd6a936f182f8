package nepdora

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestEvent() map[string]any {
	return map[string]any{
		"source":          "nepdora_inbox",
		"event":           "message.new",
		"timestamp":       1787000000,
		"page_id":         "42",
		"conversation_id": "",
		"sender_id":       "99",
		"sender_name":     "Alice",
		"snippet":         "Hello from test",
		"message_type":    "text",
		"updated_time":    "2026-08-01T10:00:00+0000",
		"message": map[string]any{
			"id":           "m-001",
			"from":         map[string]any{"id": "99", "name": "Alice"},
			"message":      "Hello from test",
			"created_time": "2026-08-01T10:00:00+0000",
		},
	}
}

func makeTestEventString() string {
	b, _ := json.Marshal(makeTestEvent())
	return string(b)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestEventString()
		sig := makeTestSignature(body, testSecret)
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestEventString()
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestEventString()
		sig := "sha256=" + strings.Repeat("0", 64)
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestEventString()
		sig := makeTestSignature(body, "wrong-secret")
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestEventString()
		sig := makeTestSignature(body, testSecret)
		if VerifyWebhookSignature(body+"tampered", sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyWebhookSignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// ParseWebhookEvent
// ============================================================================

func TestParseWebhookEvent(t *testing.T) {
	t.Run("valid event", func(t *testing.T) {
		event, err := ParseWebhookEvent(makeTestEventString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if event.Event != "message.new" {
			t.Fatalf("expected event message.new, got %s", event.Event)
		}
		if event.Message.ID != "m-001" {
			t.Fatalf("expected message id m-001, got %s", event.Message.ID)
		}
		if event.SenderName != "Alice" {
			t.Fatalf("expected sender Alice, got %s", event.SenderName)
		}
	})

	t.Run("conversation id is canonicalized", func(t *testing.T) {
		event, err := ParseWebhookEvent(makeTestEventString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if event.ConversationID != "t_42_99" {
			t.Fatalf("expected t_42_99, got %s", event.ConversationID)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseWebhookEvent("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		data := makeTestEvent()
		data["source"] = "unknown"
		b, _ := json.Marshal(data)
		_, err := ParseWebhookEvent(string(b))
		if err == nil || !strings.Contains(err.Error(), "unknown webhook source") {
			t.Fatalf("expected unknown source error, got: %v", err)
		}
	})

	t.Run("missing event", func(t *testing.T) {
		data := makeTestEvent()
		data["event"] = ""
		b, _ := json.Marshal(data)
		_, err := ParseWebhookEvent(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing event") {
			t.Fatalf("expected missing event error, got: %v", err)
		}
	})

	t.Run("missing sender", func(t *testing.T) {
		data := makeTestEvent()
		data["sender_id"] = ""
		b, _ := json.Marshal(data)
		_, err := ParseWebhookEvent(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing required fields") {
			t.Fatalf("expected missing fields error, got: %v", err)
		}
	})
}

// ============================================================================
// InboxWebhook
// ============================================================================

func TestInboxWebhookHandle(t *testing.T) {
	t.Run("requires secret", func(t *testing.T) {
		if _, err := NewInboxWebhook("", nil); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("dispatches to handler", func(t *testing.T) {
		var got *WebhookEvent
		wh, err := NewInboxWebhook(testSecret, func(event *WebhookEvent) error {
			got = event
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		body := makeTestEventString()
		status, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if got == nil || got.ConversationID != "t_42_99" {
			t.Fatalf("expected handler to receive event, got %+v", got)
		}
	})

	t.Run("rejects bad signature", func(t *testing.T) {
		wh, _ := NewInboxWebhook(testSecret, nil)
		status, _ := wh.Handle(makeTestEventString(), "sha256=bogus")
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
	})

	t.Run("rejects bad payload", func(t *testing.T) {
		wh, _ := NewInboxWebhook(testSecret, nil)
		body := "not json"
		status, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("handler error becomes 500", func(t *testing.T) {
		wh, _ := NewInboxWebhook(testSecret, func(*WebhookEvent) error {
			return fmt.Errorf("downstream unavailable")
		})
		body := makeTestEventString()
		status, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", status)
		}
	})
}

func TestInboxWebhookHTTPHandler(t *testing.T) {
	wh, _ := NewInboxWebhook(testSecret, func(*WebhookEvent) error { return nil })
	server := httptest.NewServer(wh.HTTPHandler())
	defer server.Close()

	t.Run("post with valid signature", func(t *testing.T) {
		body := makeTestEventString()
		req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(body))
		req.Header.Set("X-Nepdora-Signature", makeTestSignature(body, testSecret))

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
		}
	})

	t.Run("get is rejected", func(t *testing.T) {
		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", resp.StatusCode)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		resp, err := http.Post(server.URL, "application/json", strings.NewReader(makeTestEventString()))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})
}
