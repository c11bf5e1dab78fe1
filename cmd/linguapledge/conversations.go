package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	convShowJSON bool
	convSendJSON bool
)

func init() {
	convShowCmd.Flags().BoolVar(&convShowJSON, "json", false, "Output raw JSON")
	convSendCmd.Flags().BoolVar(&convSendJSON, "json", false, "Output raw JSON")

	convCmd.AddCommand(convListCmd)
	convCmd.AddCommand(convShowCmd)
	convCmd.AddCommand(convSendCmd)
	convCmd.AddCommand(convCloseCmd)
	rootCmd.AddCommand(convCmd)
}

var convCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
	Long:    "List, read, and chat in negotiation conversations.",
}

var convListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		items, err := client.Conversations().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(items) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range items {
			fmt.Printf("  #%d [%s] %s - %s\n", c.ID, c.Status, c.RequestTitle, c.OtherParticipant.FullName)
		}
		return nil
	},
}

var convShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.Conversations().Get(ctx, id)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if convShowJSON {
			b, _ := json.MarshalIndent(conv, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Printf("#%d %s [%s]\n", conv.ID, conv.RequestTitle, conv.Status)
		fmt.Printf("Teacher: %s, Student: %s\n", conv.Teacher.FullName, conv.Student.FullName)
		if conv.StudentDemoVideoURL != nil {
			fmt.Printf("Demo video: %s\n", *conv.StudentDemoVideoURL)
		}
		names := map[int]string{
			conv.TeacherID: conv.Teacher.FullName,
			conv.StudentID: conv.Student.FullName,
		}
		for _, msg := range conv.Messages {
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt, names[msg.SenderID], msg.Content)
		}
		return nil
	},
}

var convSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message in a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Conversations().SendMessage(ctx, id, args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if convSendJSON {
			b, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Printf("Message %d sent to conversation %d.\n", msg.ID, id)
		return nil
	},
}

var convCloseCmd = &cobra.Command{
	Use:   "close <conversation-id>",
	Short: "Leave and close a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := client.Conversations().Close(ctx, id); err != nil {
			return fmt.Errorf("close failed: %w", err)
		}
		fmt.Printf("Conversation %d closed.\n", id)
		return nil
	},
}
