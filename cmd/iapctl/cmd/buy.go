package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/purchasekit/purchasekit/billing"
)

var (
	buyConsume  bool
	buyFinalize bool
	buyAccount  string
)

var buyCmd = &cobra.Command{
	Use:   "buy <sku>",
	Short: "Run one purchase flow for a SKU",
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

		purchase, err := sess.Purchase(ctx, &billing.PurchaseRequest{
			SKUs:                args,
			ObfuscatedAccountID: buyAccount,
		})
		outcome := billing.OutcomeMap(purchase, err)
		if billing.IsCode(err, billing.CodeUserCancelled) {
			fmt.Println("purchase cancelled")
			return nil
		}
		if err != nil {
			return err
		}

		if buyFinalize {
			if err := sess.FinalizeTransaction(ctx, purchase, buyConsume); err != nil {
				return err
			}
		}

		encoded, err := json.MarshalIndent(outcome, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	},
}

func init() {
	buyCmd.Flags().BoolVar(&buyFinalize, "finalize", false, "finalize the purchase after it completes")
	buyCmd.Flags().BoolVar(&buyConsume, "consume", false, "finalize as a consumable")
	buyCmd.Flags().StringVar(&buyAccount, "account", "", "obfuscated account id to attach")
	rootCmd.AddCommand(buyCmd)
}
