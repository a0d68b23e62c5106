// Package cmd provides the CLI commands for iapctl.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"

	"github.com/purchasekit/purchasekit/billing"
	"github.com/purchasekit/purchasekit/billing/appstore"
	"github.com/purchasekit/purchasekit/billing/memory"
	"github.com/purchasekit/purchasekit/billing/playstore"
	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/journal"
	journalmemory "github.com/purchasekit/purchasekit/journal/memory"
	journalsqlite "github.com/purchasekit/purchasekit/journal/sqlite"
	"github.com/purchasekit/purchasekit/session"
	"github.com/purchasekit/purchasekit/verify"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "iapctl",
	Short: "iapctl - exercise a purchase session from the command line",
	Long: `iapctl drives one purchase session against a configured store backend.

Configuration is loaded from the file named by --config, with environment
overrides under the PURCHASEKIT_ prefix, e.g. PURCHASEKIT_STORE_PLATFORM=memory.

With the playstore or appstore backends the native purchase dialog cannot
run here, so the purchase command prompts for the token or transaction id
the device flow produced and verifies it against the store's server API.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in memory backend)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}

// stdinFlow bridges the store's purchase dialog to the terminal: the operator
// completes the purchase on a device and pastes the resulting token here.
type stdinFlow struct {
	prompt string
}

func (f *stdinFlow) LaunchPurchase(ctx context.Context, req *billing.PurchaseRequest) (*billing.FlowResult, error) {
	fmt.Printf("%s (empty input cancels): ", f.prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, billing.WrapError(billing.CodeUnknown, err, "failed to read input")
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return &billing.FlowResult{Cancelled: true}, nil
	}
	return &billing.FlowResult{Token: line, TransactionID: line}, nil
}

func buildAdapter(log *zap.Logger, cfg *config.Config) (billing.Adapter, error) {
	locale, err := language.Parse(cfg.Store.Locale)
	if err != nil {
		locale = language.English
	}

	switch cfg.Store.Platform {
	case "memory":
		return memory.NewAdapter(log, demoCatalog()), nil

	case "playstore":
		serviceAccount, err := os.ReadFile(cfg.Store.PlayStore.ServiceAccountFile)
		if err != nil {
			return nil, err
		}
		return playstore.NewAdapter(log, playstore.Config{
			PackageName:        cfg.Store.PlayStore.PackageName,
			ServiceAccountJSON: serviceAccount,
			Locale:             locale,
		}, &stdinFlow{prompt: "Paste the purchase token from the device"}), nil

	case "appstore":
		privateKey, err := os.ReadFile(cfg.Store.AppStore.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		return appstore.NewAdapter(log, appstore.Config{
			IssuerID:      cfg.Store.AppStore.IssuerID,
			KeyID:         cfg.Store.AppStore.KeyID,
			PrivateKeyPEM: privateKey,
			BundleID:      cfg.Store.AppStore.BundleID,
			Sandbox:       cfg.Store.AppStore.Sandbox,
			Catalog:       demoCatalog(),
		}, &stdinFlow{prompt: "Paste the transaction id from the device"}), nil

	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Store.Platform)
	}
}

func buildJournal(cfg *config.Config) (journal.Store, func(), error) {
	switch cfg.Journal.Driver {
	case "sqlite":
		store, err := journalsqlite.New(cfg.Journal.Path)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if closer, ok := store.(io.Closer); ok {
				closer.Close()
			}
		}
		return store, cleanup, nil
	default:
		return journalmemory.NewInMemory(), func() {}, nil
	}
}

// newSession assembles a session from configuration. The returned cleanup
// releases the journal.
func newSession(cfg *config.Config) (*session.Session, *zap.Logger, func(), error) {
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	adapter, err := buildAdapter(log, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	store, cleanup, err := buildJournal(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	sessionConfig := session.Config{Journal: store}
	if cfg.Verification.Backend == "remote" {
		sessionConfig.RemoteVerifier = verify.NewRemoteVerifier(log, verify.RemoteConfig{
			Endpoint: cfg.Verification.Endpoint,
			APIKey:   cfg.Verification.APIKey,
			Timeout:  cfg.Verification.Timeout,
		})
	}

	log.Debug("Loaded configuration", zap.Any("config", cfg.Redacted()))

	return session.New(log, adapter, sessionConfig), log, cleanup, nil
}

func demoCatalog() []*billing.Product {
	return []*billing.Product{
		{ID: "coin_100", Kind: billing.ProductKindOneTime, Title: "100 Coins", Description: "A pouch of coins", Currency: "USD", RawPrice: 0.99, DisplayPrice: "$0.99"},
		{ID: "coin_500", Kind: billing.ProductKindOneTime, Title: "500 Coins", Description: "A chest of coins", Currency: "USD", RawPrice: 3.99, DisplayPrice: "$3.99"},
		{ID: "sub_monthly", Kind: billing.ProductKindSubscription, Title: "Monthly Pass", Description: "All features, renews monthly", Currency: "USD", RawPrice: 4.99, DisplayPrice: "$4.99"},
	}
}
