package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var chatJSON bool

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)
	chatCmd.AddCommand(chatStartCmd)

	chatListCmd.Flags().BoolVar(&chatJSON, "json", false, "output as JSON")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Conversations and messages",
}

var chatListCmd = &cobra.Command{
	Use:   "list [conversation-id]",
	Short: "List conversations, or one conversation's messages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()
		ctx := cmd.Context()

		if len(args) == 1 {
			if err := engine.Pipeline.EnsureMessages(ctx, args[0]); err != nil {
				return err
			}
			list := engine.Store.MessagesFor(args[0])
			if chatJSON {
				return printJSON(list.Messages)
			}
			for _, m := range list.Messages {
				pending := ""
				if m.Pending {
					pending = " (sending)"
				}
				fmt.Printf("[%s] %s: %s%s\n", m.Timestamp, m.SenderID, m.Content, pending)
			}
			return nil
		}

		if err := engine.Pipeline.EnsureConversations(ctx); err != nil {
			return err
		}
		list := engine.Store.Conversations()
		if chatJSON {
			return printJSON(list.Conversations)
		}
		me, _ := engine.API.Users.Me(ctx)
		for _, c := range list.Conversations {
			other := c.ParticipantIDs[0] + " / " + c.ParticipantIDs[1]
			if me != nil && c.Has(me.ID) {
				other = c.Other(me.ID)
			}
			fmt.Printf("%-12s %-20s %s\n", c.ID, other, c.LastMessagePreview)
		}
		return nil
	},
}

var chatStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Start (or resume) a conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()
		ctx := cmd.Context()

		if err := engine.Pipeline.EnsureConversations(ctx); err != nil {
			return err
		}
		conv, err := engine.Pipeline.StartConversation(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Conversation %s\n", conv.ID)
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()

		msg, err := engine.Pipeline.SendMessage(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Sent (%s)\n", msg.ClientMessageID)
		return nil
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream a conversation's messages until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()
		ctx := cmd.Context()
		convID := args[0]

		if engine.Bridge == nil {
			return fmt.Errorf("no push endpoint configured; set default.ws_url first")
		}

		if err := engine.Pipeline.EnsureMessages(ctx, convID); err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, m := range engine.Store.MessagesFor(convID).Messages {
			seen[m.ID] = true
			fmt.Printf("[%s] %s: %s\n", m.Timestamp, m.SenderID, m.Content)
		}

		cancelWatch := engine.Store.Watch(func() {
			for _, m := range engine.Store.MessagesFor(convID).Messages {
				if m.ID == "" || seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				fmt.Printf("[%s] %s: %s\n", m.Timestamp, m.SenderID, m.Content)
			}
		})
		defer cancelWatch()

		cancelSub, err := engine.Bridge.WatchConversation(convID)
		if err != nil {
			return err
		}
		defer cancelSub()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		select {
		case <-stop:
		case <-ctx.Done():
		}
		return nil
	},
}
