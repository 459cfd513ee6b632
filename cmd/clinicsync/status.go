package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the effective configuration and check the live backend health and case count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		if cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		store := getStore(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := store.Health(ctx); err != nil {
			fmt.Printf("  Health:      %v\n", apiError(err))
			return nil
		}
		fmt.Println("  Health:      ok")

		list, err := store.List(ctx)
		if err != nil {
			fmt.Printf("  Cases:       %v\n", apiError(err))
			return nil
		}
		counts := map[string]int{}
		for _, r := range list {
			counts[string(r.Status)]++
		}
		fmt.Printf("  Cases:       %d\n", len(list))
		for _, s := range []string{"pending", "confirmed", "in_progress", "completed", "cancelled"} {
			if counts[s] > 0 {
				fmt.Printf("    %-12s %d\n", s+":", counts[s])
			}
		}
		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a secret.
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
