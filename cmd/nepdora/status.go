package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration and check connectivity by fetching the conversation list for the active page.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:  %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:  (not set)")
		}

		fmt.Println()
		fmt.Println("Inbox:")
		fmt.Printf("  Tenant:  %s\n", valueOrDefault(cfg.Inbox.Tenant, "(not set)"))
		fmt.Printf("  Page ID: %s\n", valueOrDefault(cfg.Inbox.PageID, "(not set)"))

		if cfg.Inbox.PageID == "" {
			return nil
		}

		// Live check: fetch the conversation list.
		fmt.Println()
		fmt.Println("Live status:")

		client := getClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conversations, err := client.GetConversations(ctx, cfg.Inbox.PageID)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}

		fmt.Printf("  Conversations: %d\n", len(conversations))
		if len(conversations) > 0 {
			fmt.Printf("  Most recent:   %s (%s)\n",
				conversations[0].ConversationID,
				conversations[0].UpdatedTime.Format(time.RFC3339))
		}
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
// Keys too short to mask come back fully redacted.
func maskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
