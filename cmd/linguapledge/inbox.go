package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	inboxJSON bool

	notificationsUnread bool
	notificationsJSON   bool
)

func init() {
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output raw JSON")
	notificationsCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Show only unread notifications")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(notificationsCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Show the conversation inbox with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		summary, err := client.Conversations().Summary(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if inboxJSON {
			b, _ := json.MarshalIndent(summary, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(summary.Conversations) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		for _, c := range summary.Conversations {
			unread := ""
			if c.UnreadMessagesCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadMessagesCount)
			}
			last := ""
			if c.LastMessageContent != nil {
				last = *c.LastMessageContent
			}
			fmt.Printf("  #%d [%s] %s - %s: %s%s\n",
				c.ID, c.Status, c.RequestTitle, c.OtherParticipant.FullName, last, unread)
		}
		fmt.Printf("Total unread: %d\n", summary.TotalUnreadCount)
		return nil
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		items, err := client.Notifications().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if notificationsJSON {
			b, _ := json.MarshalIndent(items, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		shown := 0
		for _, n := range items {
			if notificationsUnread && n.IsRead {
				continue
			}
			marker := " "
			if !n.IsRead {
				marker = "*"
			}
			fmt.Printf("%s [%s] %s\n", marker, n.CreatedAt, n.Content)
			shown++
		}
		if shown == 0 {
			fmt.Println("No notifications.")
		}
		return nil
	},
}
