package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nepdora "github.com/baliyoventures/nepdora-inbox-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchVerbose bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log connection details")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages for the active page",
	Long:  "Open a live inbox session and print messages and conversation updates as they arrive.\nPress Ctrl+C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client := requireInbox()

		logger := zap.NewNop()
		if watchVerbose {
			var err error
			logger, err = zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("cannot create logger: %w", err)
			}
			defer logger.Sync()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		inbox, err := nepdora.OpenInbox(ctx, client, nepdora.InboxConfig{
			Tenant: cfg.Inbox.Tenant,
			PageID: cfg.Inbox.PageID,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open inbox: %w", err)
		}
		defer inbox.Close()

		inbox.Subscribe(nepdora.EventMessageUpdate, func(n nepdora.StoreNotification) {
			if n.Message == nil {
				return
			}
			fmt.Printf("[%s] %s: %s\n",
				n.Message.CreatedTime.Format("15:04:05"),
				n.Message.From.Name,
				n.Message.Text)
		})
		inbox.Subscribe(nepdora.EventConversationUpdate, func(n nepdora.StoreNotification) {
			if n.Update == nil {
				return
			}
			fmt.Printf("[%s] conversation %s updated (%s)\n",
				time.Now().Format("15:04:05"),
				n.Update.ConversationID,
				n.Update.SenderName)
		})

		fmt.Printf("Watching page %s (%d conversations). Ctrl+C to stop.\n",
			cfg.Inbox.PageID, len(inbox.Conversations()))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		fmt.Println("\nStopping.")
		return nil
	},
}
