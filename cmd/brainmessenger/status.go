package main

import (
	"context"
	"fmt"
	"time"

	brainmessenger "github.com/brainmessenger/brainmessenger-go"
	"github.com/common-nighthawk/go-figure"
	"github.com/spf13/cobra"
)

var statusNoBanner bool

func init() {
	statusCmd.Flags().BoolVar(&statusNoBanner, "no-banner", false, "Skip the banner")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the stored session and its expiry, and the offline queue depth.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !statusNoBanner {
			figure.NewFigure("brainmessenger", "cybermedium", true).Print()
			fmt.Println()
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Backend.BaseURL, "(not set)"))
		if cfg.Backend.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Backend.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  Debounce:    %s\n", cfg.debounce())
		if cfg.Backend.BaseURL == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		snap := a.sessions.Snapshot()
		fmt.Println()
		fmt.Println("Session:")
		fmt.Printf("  State:       %s\n", snap.State)
		if snap.State == brainmessenger.SessionAuthenticated {
			fmt.Printf("  User ID:     %s\n", snap.UserID)
			fmt.Printf("  Email:       %s\n", snap.Email)
		}
		if s := a.sessions.CurrentSession(); s != nil {
			expires := brainmessenger.TokenExpiry(s.AccessToken)
			switch {
			case expires.IsZero():
				fmt.Println("  Token:       present (no expiry)")
			case time.Now().Before(expires):
				fmt.Printf("  Token:       valid (expires %s)\n", expires.Format(time.RFC3339))
			default:
				fmt.Printf("  Token:       EXPIRED (expired %s)\n", expires.Format(time.RFC3339))
			}
		}
		if snap.Err != nil {
			fmt.Printf("  Last error:  %s\n", snap.Err.Message)
		}
		if last := a.sessions.LastSessionCheck(); !last.IsZero() {
			fmt.Printf("  Checked:     %s\n", last.Local().Format(time.RFC3339))
		}

		q := a.outbox(false)
		defer q.Close()
		fmt.Println()
		fmt.Println("Outbox:")
		fmt.Printf("  Pending:     %d\n", q.Len())
		return nil
	},
}
