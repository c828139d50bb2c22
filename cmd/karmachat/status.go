package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusConnect bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusConnect, "connect", false, "Log in and report live session state")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  API:      %s\n", valueOrDefault(cfg.APIURL, "(default)"))
		fmt.Printf("  Gateway:  %s\n", valueOrDefault(cfg.GatewayURL, "(default)"))
		fmt.Printf("  Fallback: %t\n", cfg.EnableFallback)
		if cfg.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Token))
		} else {
			fmt.Println("  Token:    (not set, fetched from session config on login)")
		}

		if !statusConnect {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := client.Login(ctx); err != nil {
			fmt.Printf("  Login failed: %v\n", err)
			return nil
		}
		defer client.Destroy(context.Background(), true)

		s := client.Session()
		fmt.Printf("  State:      %s\n", s.State())
		fmt.Printf("  Connection: %s\n", s.ConnectionID())
		fmt.Printf("  User ID:    %s\n", s.UserID())
		if me := client.Me(); me != nil {
			fmt.Printf("  Name:       %s\n", valueOrDefault(me.DisplayName, "(none)"))
			fmt.Printf("  Karma:      %d\n", me.Karma)
		}
		fmt.Printf("  Channels:   %d\n", len(s.Subscribed()))
		return nil
	},
}
