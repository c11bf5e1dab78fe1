package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	linguapledge "github.com/linguapledge/linguapledge-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log socket activity")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream live updates",
	Long: "Open the live notification socket and print unread-count changes as they\n" +
		"arrive. With a conversation id, also stream that conversation's messages.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			return fmt.Errorf("not logged in, run 'linguapledge login <email>' first")
		}

		opts := []linguapledge.ClientOption{
			linguapledge.WithTokenStore(linguapledge.NewMemoryTokenStoreWith(cfg.Auth.Token)),
		}
		if cfg.Default.BaseURL != "" {
			opts = append(opts, linguapledge.WithBaseURL(cfg.Default.BaseURL))
		}
		if watchVerbose {
			logger, lerr := zap.NewDevelopment()
			if lerr != nil {
				return lerr
			}
			defer logger.Sync()
			opts = append(opts, linguapledge.WithLogger(logger))
		}
		client := linguapledge.NewClient(opts...)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		selfID := cfg.Auth.UserID
		if selfID == 0 {
			me, merr := client.Users().Me(ctx)
			if merr != nil {
				return fmt.Errorf("cannot fetch account: %w", merr)
			}
			selfID = me.ID
		}

		store := linguapledge.NewInboxStore(client)
		defer store.Close()
		thread := linguapledge.NewThreadStore()

		unsubscribe := store.Subscribe(func(count int) {
			fmt.Printf("[%s] unread: %d\n", time.Now().Format("15:04:05"), count)
		})
		defer unsubscribe()

		manager := linguapledge.NewRealtimeManager(client, store, thread, linguapledge.RealtimeConfig{
			SelfUserID:    selfID,
			AutoReconnect: true,
		}, linguapledge.Handlers{
			OnMessage: func(ev linguapledge.ChatMessageEvent) {
				fmt.Printf("[%s] #%d %d: %s\n",
					ev.Message.CreatedAt, ev.ConversationID, ev.Message.SenderID, ev.Message.Content)
			},
			OnOfferAccepted: func(ev linguapledge.OfferAcceptedEvent) {
				fmt.Printf("Offer accepted! Conversation %d became project %d.\n",
					ev.ConversationID, ev.ProjectID)
			},
			OnConversationClosed: func(conversationID int, reason linguapledge.CloseReason) {
				fmt.Printf("Conversation %d closed: %s\n", conversationID, reason.Description())
			},
			OnStateChange: func(scope linguapledge.Scope, state linguapledge.RealtimeState) {
				if watchVerbose {
					fmt.Printf("[%s socket] %s\n", scope, state)
				}
			},
		})
		defer manager.Close()

		if err := store.Refresh(ctx); err != nil {
			return fmt.Errorf("initial inbox pull failed: %w", err)
		}
		fmt.Printf("Unread: %d\n", store.Count())

		if err := manager.ConnectGlobal(ctx); err != nil {
			return fmt.Errorf("cannot open notification socket: %w", err)
		}

		if len(args) == 1 {
			id, aerr := strconv.Atoi(args[0])
			if aerr != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			conv, gerr := client.Conversations().Get(ctx, id)
			if gerr != nil {
				return fmt.Errorf("cannot load conversation: %w", gerr)
			}
			thread.Load(conv)
			for _, msg := range conv.Messages {
				fmt.Printf("[%s] #%d %d: %s\n", msg.CreatedAt, conv.ID, msg.SenderID, msg.Content)
			}
			if cerr := manager.ConnectConversation(ctx, id); cerr != nil {
				return fmt.Errorf("cannot open conversation socket: %w", cerr)
			}
			// Everything already on screen counts as read.
			if unread := thread.UnreadIDs(selfID); len(unread) > 0 {
				_ = manager.SendReadReceipt(ctx, unread)
			}
		}

		// Sockets cover the live path; polling catches anything they miss.
		store.StartPolling(ctx)
		defer store.StopPolling()

		fmt.Println("Watching for updates. Press Ctrl-C to stop.")
		<-ctx.Done()
		fmt.Println("\nStopped.")
		return nil
	},
}
