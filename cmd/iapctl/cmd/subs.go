package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var subsCmd = &cobra.Command{
	Use:   "subs [sku...]",
	Short: "List active subscriptions, optionally filtered by SKU",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sess, _, cleanup, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := context.Background()
		if err := sess.Connect(ctx); err != nil {
			return err
		}
		defer sess.Disconnect(ctx)

		subs, err := sess.QueryActiveSubscriptions(ctx, args)
		if err != nil {
			return err
		}

		if len(subs) == 0 {
			fmt.Println("no active subscriptions")
			return nil
		}
		for _, sub := range subs {
			expiry := "unknown"
			if sub.ExpiresAt > 0 {
				expiry = time.UnixMilli(sub.ExpiresAt).Format(time.RFC3339)
			}
			fmt.Printf("%-20s renews=%-5v expires=%s\n", sub.ProductID, sub.AutoRenewing, expiry)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subsCmd)
}
