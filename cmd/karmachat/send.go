package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	karmachat "github.com/karmachat/karmachat-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	sendReplyTo string
	sendSticker string
)

func init() {
	rootCmd.AddCommand(sendCmd, editCmd, deleteCmd, reactCmd, userCmd, friendsCmd)

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message ID to reply to")
	sendCmd.Flags().StringVar(&sendSticker, "sticker", "", "Sticker ID to attach")
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

// ============================================================================
// Messages
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <dialogue-id> <text>",
	Short: "Send a message to a dialogue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		m, err := client.SendMessage(ctx, args[0], args[1], &karmachat.SendOptions{ReferenceID: sendReplyTo, Sticker: sendSticker})
		if err != nil {
			return err
		}
		fmt.Printf("Message sent\n")
		fmt.Printf("  Message ID: %s\n", m.ID)
		fmt.Printf("  Content:    %s\n", m.Content)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <dialogue-id> <message-id> <text>",
	Short: "Edit one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		m, err := client.EditMessage(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("Message %s updated\n", m.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <dialogue-id> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		if err := client.DeleteMessage(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Message %s deleted\n", args[1])
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <dialogue-id> <message-id> <emoji>",
	Short: "React to a message with a single emoji",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := karmachat.ValidateReaction(args[2]); err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		return client.React(ctx, args[0], args[1], args[2])
	},
}

// ============================================================================
// Users
// ============================================================================

var userCmd = &cobra.Command{
	Use:   "user <user-id>",
	Short: "Show a user's profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		u, err := client.FetchUser(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:           %s\n", u.ID)
		fmt.Printf("Display Name: %s\n", valueOrDefault(u.DisplayName, "(none)"))
		fmt.Printf("Username:     %s\n", valueOrDefault(u.Username, "(none)"))
		fmt.Printf("Karma:        %d\n", u.Karma)
		fmt.Printf("Likes:        %d\n", u.LikesReceived)
		fmt.Printf("Friends:      %d\n", u.FriendCount)
		return nil
	},
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List pending friend requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		reqs, err := client.FetchFriendRequests(ctx)
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			fmt.Println("No pending friend requests.")
			return nil
		}
		for _, r := range reqs {
			name := r.ID
			if r.User != nil {
				name = valueOrDefault(r.User.DisplayName, r.ID)
			}
			fmt.Printf("%-9s %-24s %s\n", r.Direction, name, r.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}
