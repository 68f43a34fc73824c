package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	brainmessenger "github.com/brainmessenger/brainmessenger-go"
	"github.com/spf13/cobra"
)

var (
	sendOffline bool
	sendType    string
	sendJSON    bool

	outboxListJSON bool
)

func init() {
	sendCmd.Flags().BoolVar(&sendOffline, "offline", false, "Queue the message instead of sending it now")
	sendCmd.Flags().StringVar(&sendType, "type", "text", "Message type")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	outboxListCmd.Flags().BoolVar(&outboxListJSON, "json", false, "Output raw JSON")

	outboxCmd.AddCommand(outboxListCmd, outboxFlushCmd)
	rootCmd.AddCommand(sendCmd, outboxCmd)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <content>",
	Short: "Send a message to a chat",
	Long: "Send a message to a chat. When the backend is unreachable, or with --offline,\n" +
		"the message is queued and delivered by 'brainmessenger outbox flush'.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, content := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		s := a.sessions.CurrentSession()
		if s == nil {
			return fmt.Errorf("not signed in; run 'brainmessenger login <email>' first")
		}
		msg := brainmessenger.OutgoingMessage{ChatID: chatID, SenderID: s.UserID, Content: content, Type: sendType}

		q := a.outbox(!sendOffline)
		defer q.Close()

		sent, entry, err := q.Send(ctx, msg)
		if err != nil {
			return userError(err)
		}
		if sendJSON {
			var v any = sent
			if sent == nil {
				v = entry
			}
			b, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		if sent != nil {
			fmt.Printf("Message sent to chat %s\n", sent.ChatID)
			fmt.Printf("  Message ID: %s\n", sent.ID)
			return nil
		}
		fmt.Printf("Message queued (%s); %d waiting in the outbox.\n", entry.LocalID, q.Len())
		return nil
	},
}

// ============================================================================
// outbox
// ============================================================================

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect or deliver queued messages",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages in send order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		q := a.outbox(false)
		defer q.Close()
		pending := q.Pending()

		if outboxListJSON {
			b, _ := json.MarshalIndent(pending, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		if len(pending) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for i, e := range pending {
			fmt.Printf("%d. [%s] chat %s: %s\n", i+1, e.CreatedAt.Local().Format(time.Kitchen), e.Message.ChatID, e.Message.Content)
			if e.Attempts > 0 {
				fmt.Printf("   %d attempt(s), last error: %s\n", e.Attempts, valueOrDefault(e.LastError, "-"))
			}
		}
		return nil
	},
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver queued messages in order, stopping at the first failure",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.session(ctx); err != nil {
			return err
		}

		q := a.outbox(true)
		defer q.Close()
		q.On(brainmessenger.EventMessageSent, func(_ string, payload any) {
			if ev, ok := payload.(brainmessenger.SentEvent); ok {
				fmt.Printf("  sent %s -> %s\n", ev.LocalID, ev.Message.ID)
			}
		})

		n, err := q.Flush(ctx)
		fmt.Printf("Delivered %d message(s); %d still queued.\n", n, q.Len())
		if err != nil {
			return fmt.Errorf("flush stopped: %w", userError(err))
		}
		return nil
	},
}
