package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and store connectivity",
	Long:  "Display the current configuration and check whether the configured store is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:     %s\n", valueOrDefault(cfg.Default.Backend, "(not set)"))
		fmt.Printf("  URL:         %s\n", valueOrDefault(cfg.Default.URL, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Role:        %s\n", chatsync.ParseRole(cfg.Default.Role))

		fmt.Println()
		fmt.Println("Participant:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
			fmt.Printf("  Name:        %s\n", valueOrDefault(cfg.Auth.DisplayName, "(not set)"))
		} else {
			fmt.Println("  User ID:     (not set)")
		}

		cols := collectionsFrom(cfg)
		fmt.Println()
		fmt.Println("Collections:")
		fmt.Printf("  Chatrooms:   %s\n", cols.Chatrooms)
		fmt.Printf("  Messages:    %s\n", cols.Messages)
		fmt.Printf("  Legacy:      %s (member field %s)\n", cols.LegacyChatrooms, cols.MembershipField)

		if cfg.Default.Backend == "" || cfg.Default.Backend == "memory" {
			return nil
		}
		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, closeStore, err := openStore(ctx, cfg, newLogger(cfg))
		if err != nil {
			fmt.Printf("  Store:       unreachable (%v)\n", err)
			return nil
		}
		defer closeStore()
		state := "connected"
		if c, ok := store.(chatsync.Connector); ok && !c.Connected() {
			state = "disconnected"
		}
		fmt.Printf("  Store:       %s\n", state)
		return nil
	},
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
