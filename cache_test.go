package nepdora

import (
	"strings"
	"testing"
	"time"
)

func fixedTime(t *testing.T, s string) time.Time {
	t.Helper()
	return mustTimestamp(t, s).Time
}

func confirmedMessage(id, senderID, text string, at time.Time) Message {
	return Message{
		ID:          id,
		From:        Participant{ID: senderID, Name: "Sender " + senderID},
		Text:        text,
		CreatedTime: Timestamp{Time: at},
	}
}

func TestCacheApplyConfirmed(t *testing.T) {
	base := fixedTime(t, "2026-08-01T10:00:00+0000")
	conv := "t_123_456"

	stage := func(cache *Cache, text string, at time.Time) *PendingSend {
		cache.now = func() time.Time { return at }
		return cache.StageSend(conv, "123", &SendMessageRequest{
			RecipientID: "456",
			Text:        text,
		})
	}

	t.Run("duplicate id is a no-op", func(t *testing.T) {
		cache := NewCache(nil)
		if !cache.ApplyConfirmed(conv, confirmedMessage("m1", "456", "hi", base)) {
			t.Fatal("expected first apply to add")
		}
		if cache.ApplyConfirmed(conv, confirmedMessage("m1", "456", "hi", base)) {
			t.Fatal("expected duplicate apply to be rejected")
		}
		if got := len(cache.Messages(conv)); got != 1 {
			t.Fatalf("expected 1 message, got %d", got)
		}
	})

	t.Run("identical body collapses optimistic", func(t *testing.T) {
		cache := NewCache(nil)
		stage(cache, "hello there", base)

		cache.ApplyConfirmed(conv, confirmedMessage("m1", "123", "hello there", base.Add(2*time.Minute)))

		msgs := cache.Messages(conv)
		if len(msgs) != 1 {
			t.Fatalf("expected optimistic message to collapse, got %d messages", len(msgs))
		}
		if msgs[0].ID != "m1" || msgs[0].IsOptimistic {
			t.Fatalf("expected confirmed message, got %+v", msgs[0])
		}
	})

	t.Run("time window collapses different body", func(t *testing.T) {
		cache := NewCache(nil)
		stage(cache, "typed text", base)

		// Server normalized the body, but the timestamps are 3s apart.
		cache.ApplyConfirmed(conv, confirmedMessage("m1", "123", "server text", base.Add(3*time.Second)))

		msgs := cache.Messages(conv)
		if len(msgs) != 1 {
			t.Fatalf("expected collapse within window, got %d messages", len(msgs))
		}
		if msgs[0].ID != "m1" {
			t.Fatalf("expected confirmed message, got %s", msgs[0].ID)
		}
	})

	t.Run("outside window keeps both", func(t *testing.T) {
		cache := NewCache(nil)
		stage(cache, "first text", base)

		cache.ApplyConfirmed(conv, confirmedMessage("m1", "123", "other text", base.Add(6*time.Second)))

		msgs := cache.Messages(conv)
		if len(msgs) != 2 {
			t.Fatalf("expected optimistic message to survive, got %d messages", len(msgs))
		}
	})

	t.Run("different sender never collapses", func(t *testing.T) {
		cache := NewCache(nil)
		stage(cache, "same text", base)

		cache.ApplyConfirmed(conv, confirmedMessage("m1", "456", "same text", base))

		if got := len(cache.Messages(conv)); got != 2 {
			t.Fatalf("expected 2 messages, got %d", got)
		}
	})

	t.Run("only first candidate is removed", func(t *testing.T) {
		cache := NewCache(nil)
		first := stage(cache, "dup", base)
		stage(cache, "dup", base.Add(time.Second))

		cache.ApplyConfirmed(conv, confirmedMessage("m1", "123", "dup", base))

		msgs := cache.Messages(conv)
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		for _, m := range msgs {
			if m.ID == first.TempID {
				t.Fatal("expected the first optimistic candidate to be removed")
			}
		}
	})

	t.Run("confirmed fields are normalized", func(t *testing.T) {
		cache := NewCache(nil)
		msg := confirmedMessage("m1", "456", "hi", base)
		msg.IsOptimistic = true
		cache.ApplyConfirmed(conv, msg)

		got := cache.Messages(conv)[0]
		if got.IsOptimistic {
			t.Fatal("expected confirmed message to clear the optimistic flag")
		}
		if got.ConversationID != conv {
			t.Fatalf("expected conversation id %s, got %s", conv, got.ConversationID)
		}
	})
}

func TestCacheStageSend(t *testing.T) {
	base := fixedTime(t, "2026-08-01T10:00:00+0000")
	conv := "t_123_456"

	t.Run("optimistic message is visible immediately", func(t *testing.T) {
		cache := NewCache(nil)
		cache.now = func() time.Time { return base }

		pending := cache.StageSend(conv, "123", &SendMessageRequest{
			RecipientID: "456",
			Text:        "outgoing",
		})

		msgs := cache.Messages(conv)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		if !msgs[0].IsOptimistic {
			t.Fatal("expected optimistic flag")
		}
		if !strings.HasPrefix(msgs[0].ID, TempIDPrefix) {
			t.Fatalf("expected temp id, got %s", msgs[0].ID)
		}
		if pending.TempID != msgs[0].ID {
			t.Fatal("expected pending record to reference the staged message")
		}
	})

	t.Run("rollback restores snapshot", func(t *testing.T) {
		cache := NewCache(nil)
		cache.ApplyConfirmed(conv, confirmedMessage("m1", "456", "existing", base))

		pending := cache.StageSend(conv, "123", &SendMessageRequest{
			RecipientID: "456",
			Text:        "will fail",
		})
		cache.Rollback(pending)

		msgs := cache.Messages(conv)
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Fatalf("expected only the pre-send message, got %+v", msgs)
		}
	})

	t.Run("rollback after commit is a no-op", func(t *testing.T) {
		cache := NewCache(nil)
		pending := cache.StageSend(conv, "123", &SendMessageRequest{
			RecipientID: "456",
			Text:        "sent",
		})
		cache.Commit(pending)
		cache.Rollback(pending)

		if got := len(cache.Messages(conv)); got != 1 {
			t.Fatalf("expected optimistic message to remain after commit, got %d", got)
		}
	})

	t.Run("commit leaves reconciliation to the push event", func(t *testing.T) {
		cache := NewCache(nil)
		cache.now = func() time.Time { return base }

		pending := cache.StageSend(conv, "123", &SendMessageRequest{
			RecipientID: "456",
			Text:        "hello",
		})
		cache.Commit(pending)

		// Confirmed counterpart arrives over the push channel.
		cache.ApplyConfirmed(conv, confirmedMessage("m1", "123", "hello", base.Add(time.Second)))

		msgs := cache.Messages(conv)
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Fatalf("expected single confirmed message, got %+v", msgs)
		}
	})

	t.Run("file upload stages attachment", func(t *testing.T) {
		cache := NewCache(nil)
		cache.StageSend(conv, "123", &SendMessageRequest{
			RecipientID: "456",
			FileUpload:  &FileUpload{Name: "photo.png", ContentType: "image/png"},
		})

		msgs := cache.Messages(conv)
		if len(msgs) != 1 || len(msgs[0].Attachments) != 1 {
			t.Fatalf("expected 1 message with 1 attachment, got %+v", msgs)
		}
		att := msgs[0].Attachments[0]
		if att.Type != MessageTypeImage || !att.IsOptimistic {
			t.Fatalf("expected optimistic image attachment, got %+v", att)
		}
	})
}

func TestCacheSetMessages(t *testing.T) {
	base := fixedTime(t, "2026-08-01T10:00:00+0000")
	conv := "t_123_456"

	cache := NewCache(nil)
	cache.now = func() time.Time { return base }
	cache.ApplyConfirmed(conv, confirmedMessage("old", "456", "stale", base))
	pending := cache.StageSend(conv, "123", &SendMessageRequest{RecipientID: "456", Text: "pending"})

	cache.SetMessages(conv, []Message{
		confirmedMessage("m1", "456", "fresh one", base),
		confirmedMessage("m2", "456", "fresh two", base.Add(time.Minute)),
	})

	msgs := cache.Messages(conv)
	if len(msgs) != 3 {
		t.Fatalf("expected refetch to keep the optimistic entry, got %d messages", len(msgs))
	}
	if msgs[2].ID != pending.TempID {
		t.Fatalf("expected optimistic entry last, got %s", msgs[2].ID)
	}
}

func TestCacheSetMessagesCollapsesConfirmed(t *testing.T) {
	base := fixedTime(t, "2026-08-01T10:00:00+0000")
	conv := "t_42_99"

	t.Run("refetch ahead of push event", func(t *testing.T) {
		cache := NewCache(nil)
		cache.now = func() time.Time { return base }

		pending := cache.StageSend(conv, "42", &SendMessageRequest{
			RecipientID: "99",
			Text:        "hello",
		})
		cache.Commit(pending)

		// History fetched after the backend stored the message but before
		// the push event arrives already contains the confirmed counterpart.
		confirmed := confirmedMessage("m.confirmed", "42", "hello", base.Add(time.Second))
		cache.SetMessages(conv, []Message{confirmed})

		msgs := cache.Messages(conv)
		if len(msgs) != 1 || msgs[0].ID != "m.confirmed" {
			t.Fatalf("expected optimistic entry collapsed by fetch, got %+v", msgs)
		}

		// The late push event deduplicates by ID and must leave one message.
		cache.ApplyConfirmed(conv, confirmed)
		msgs = cache.Messages(conv)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message after push event, got %d", len(msgs))
		}
		if msgs[0].IsOptimistic {
			t.Fatal("expected confirmed message only")
		}
	})

	t.Run("collapse by time window", func(t *testing.T) {
		cache := NewCache(nil)
		cache.now = func() time.Time { return base }

		cache.StageSend(conv, "42", &SendMessageRequest{
			RecipientID: "99",
			Text:        "typed text",
		})

		// Backend normalized the body; timestamps are 2s apart.
		cache.SetMessages(conv, []Message{
			confirmedMessage("m1", "42", "server text", base.Add(2*time.Second)),
		})

		msgs := cache.Messages(conv)
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Fatalf("expected window collapse on fetch, got %+v", msgs)
		}
	})

	t.Run("unmatched optimistic survives", func(t *testing.T) {
		cache := NewCache(nil)
		cache.now = func() time.Time { return base }

		pending := cache.StageSend(conv, "42", &SendMessageRequest{
			RecipientID: "99",
			Text:        "still pending",
		})

		cache.SetMessages(conv, []Message{
			confirmedMessage("m1", "99", "still pending", base),
			confirmedMessage("m2", "42", "older send", base.Add(-time.Minute)),
		})

		msgs := cache.Messages(conv)
		if len(msgs) != 3 {
			t.Fatalf("expected optimistic entry preserved, got %+v", msgs)
		}
		if msgs[2].ID != pending.TempID {
			t.Fatalf("expected optimistic entry last, got %s", msgs[2].ID)
		}
	})
}

func TestCacheUpsertConversation(t *testing.T) {
	base := fixedTime(t, "2026-08-01T10:00:00+0000")

	seed := func(cache *Cache) {
		cache.SetConversations([]Conversation{
			{
				ID:             1,
				Page:           123,
				ConversationID: "t_123_456",
				Participants:   []Participant{{ID: "456", Name: "Alice"}},
				Snippet:        "older",
				UpdatedTime:    Timestamp{Time: base},
			},
			{
				ID:             2,
				Page:           123,
				ConversationID: "t_123_789",
				Participants:   []Participant{{ID: "789", Name: "Bob"}},
				Snippet:        "newer",
				UpdatedTime:    Timestamp{Time: base.Add(time.Hour)},
			},
		})
	}

	t.Run("known conversation moves to head", func(t *testing.T) {
		cache := NewCache(nil)
		seed(cache)

		known := cache.UpsertConversation(ConversationUpdate{
			ConversationID: "t_123_456",
			PageID:         "123",
			Snippet:        "just now",
			UpdatedTime:    Timestamp{Time: base.Add(2 * time.Hour)},
		})
		if !known {
			t.Fatal("expected known conversation")
		}

		convos := cache.Conversations()
		if convos[0].ConversationID != "t_123_456" {
			t.Fatalf("expected updated conversation first, got %s", convos[0].ConversationID)
		}
		if convos[0].Snippet != "just now" {
			t.Fatalf("expected new snippet, got %s", convos[0].Snippet)
		}
	})

	t.Run("zero fields leave summary untouched", func(t *testing.T) {
		cache := NewCache(nil)
		seed(cache)

		cache.UpsertConversation(ConversationUpdate{
			ConversationID: "t_123_789",
			PageID:         "123",
		})

		for _, conv := range cache.Conversations() {
			if conv.ConversationID == "t_123_789" && conv.Snippet != "newer" {
				t.Fatalf("expected snippet preserved, got %s", conv.Snippet)
			}
		}
	})

	t.Run("unknown conversation inserts placeholder", func(t *testing.T) {
		cache := NewCache(nil)
		seed(cache)
		cache.now = func() time.Time { return base.Add(3 * time.Hour) }

		known := cache.UpsertConversation(ConversationUpdate{
			ConversationID: "t_123_999",
			PageID:         "123",
			Snippet:        "first contact",
			SenderName:     "Carol",
			SenderID:       "999",
			UpdatedTime:    Timestamp{Time: base.Add(3 * time.Hour)},
		})
		if known {
			t.Fatal("expected unknown conversation")
		}

		convos := cache.Conversations()
		if len(convos) != 3 {
			t.Fatalf("expected 3 conversations, got %d", len(convos))
		}
		placeholder := convos[0]
		if placeholder.ConversationID != "t_123_999" {
			t.Fatalf("expected placeholder first, got %s", placeholder.ConversationID)
		}
		if placeholder.Page != 123 {
			t.Fatalf("expected page 123, got %d", placeholder.Page)
		}
		if len(placeholder.Participants) != 1 || placeholder.Participants[0].Name != "Carol" {
			t.Fatalf("expected sender as participant, got %+v", placeholder.Participants)
		}
		if placeholder.MessageType != MessageTypeText {
			t.Fatalf("expected default message type, got %s", placeholder.MessageType)
		}
	})
}
