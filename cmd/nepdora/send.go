package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	nepdora "github.com/baliyoventures/nepdora-inbox-go"
	"github.com/spf13/cobra"
)

var (
	sendFile string
	sendTag  string
	sendJSON bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendFile, "file", "", "Attach a local file")
	sendCmd.Flags().StringVar(&sendTag, "tag", "", "Messenger message tag")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
}

var sendCmd = &cobra.Command{
	Use:   "send <recipient-id> [text]",
	Short: "Send a message to a recipient via the active page",
	Long:  "Send a text message, a file, or both to a recipient.\nThe recipient may be a participant ID or a full conversation ID.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := requireInbox()

		recipientID := args[0]
		if _, participantID := nepdora.ParseConversationID(recipientID); participantID != "" {
			recipientID = participantID
		}

		req := &nepdora.SendMessageRequest{
			RecipientID: recipientID,
			Tag:         sendTag,
		}
		if len(args) == 2 {
			req.Text = args[1]
		}

		if sendFile != "" {
			f, err := os.Open(sendFile)
			if err != nil {
				return fmt.Errorf("cannot open file: %w", err)
			}
			defer f.Close()

			name := filepath.Base(sendFile)
			req.FileUpload = &nepdora.FileUpload{
				Name:        name,
				ContentType: mime.TypeByExtension(filepath.Ext(name)),
				Reader:      f,
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		resp, err := client.SendMessage(ctx, req)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			return json.NewEncoder(os.Stdout).Encode(resp)
		}
		fmt.Printf("Sent. Message ID: %s\n", resp.MessageID)
		return nil
	},
}
