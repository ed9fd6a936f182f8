package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	nepdora "github.com/baliyoventures/nepdora-inbox-go"
	"github.com/spf13/cobra"
)

var (
	conversationsJSON bool

	messagesLimit int
	messagesJSON  bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 0, "Maximum number of messages to fetch")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations for the active page",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client := requireInbox()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conversations, err := client.GetConversations(ctx, cfg.Inbox.PageID)
		if err != nil {
			return fmt.Errorf("failed to fetch conversations: %w", err)
		}

		if conversationsJSON {
			return json.NewEncoder(os.Stdout).Encode(conversations)
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		for _, conv := range conversations {
			name := "(unknown)"
			if len(conv.Participants) > 0 {
				name = conv.Participants[0].Name
			}
			snippet := conv.Snippet
			if len(snippet) > 60 {
				snippet = snippet[:57] + "..."
			}
			fmt.Printf("%-40s  %-20s  %s  %s\n",
				conv.ConversationID,
				name,
				conv.UpdatedTime.Format("2006-01-02 15:04"),
				snippet)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client := requireInbox()

		conversationID := nepdora.NormalizeConversationID(args[0], cfg.Inbox.PageID, "")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		detail, err := client.GetConversationMessages(ctx, conversationID, messagesLimit)
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}

		if messagesJSON {
			return json.NewEncoder(os.Stdout).Encode(detail)
		}

		messages := detail.Conversation.Messages
		if len(messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}

		for _, msg := range messages {
			text := msg.Text
			if text == "" && len(msg.Attachments) > 0 {
				types := make([]string, 0, len(msg.Attachments))
				for _, att := range msg.Attachments {
					types = append(types, att.Type)
				}
				text = "[" + strings.Join(types, ", ") + "]"
			}
			fmt.Printf("[%s] %s: %s\n",
				msg.CreatedTime.Format("2006-01-02 15:04"),
				msg.From.Name,
				text)
		}
		return nil
	},
}
