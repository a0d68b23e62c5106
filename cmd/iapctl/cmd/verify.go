package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/purchasekit/purchasekit/billing"
	"github.com/purchasekit/purchasekit/verify"
)

var verifyProduct string

var verifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Verify a purchase token against the configured backend",
	Args:  cobra.ExactArgs(1),
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

		backend := verify.BackendLocal
		if cfg.Verification.Backend == "remote" {
			backend = verify.BackendRemote
		}

		result, err := sess.Verify(ctx, &billing.Purchase{
			ProductID: verifyProduct,
			Token:     args[0],
		}, backend)
		if err != nil {
			return err
		}

		fmt.Printf("verified=%v entitlement=%s\n", result.Verified, result.Entitlement)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyProduct, "product", "", "product id the token belongs to")
	rootCmd.AddCommand(verifyCmd)
}
