package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/purchasekit/purchasekit/billing"
)

var catalogKind string

var catalogCmd = &cobra.Command{
	Use:   "catalog <sku> [sku...]",
	Short: "Fetch catalog entries for the given SKUs",
	Args:  cobra.MinimumNArgs(1),
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

		kind := billing.ProductKindAll
		switch catalogKind {
		case "inapp":
			kind = billing.ProductKindOneTime
		case "subs":
			kind = billing.ProductKindSubscription
		}

		products, err := sess.FetchCatalog(ctx, args, kind)
		if err != nil {
			return err
		}

		if len(products) == 0 {
			fmt.Println("no matching products")
			return nil
		}
		for _, product := range products {
			fmt.Printf("%-20s %-12s %-10s %s\n", product.ID, product.Kind, product.DisplayPrice, product.Title)
		}
		return nil
	},
}

func init() {
	catalogCmd.Flags().StringVar(&catalogKind, "kind", "all", "product kind filter: all, inapp or subs")
	rootCmd.AddCommand(catalogCmd)
}
