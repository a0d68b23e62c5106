// Package config provides configuration loading and validation for
// purchasekit hosts.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/purchasekit/purchasekit/billing"
)

// Config is the top-level host configuration.
type Config struct {
	// Store selects the backing store adapter.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Verification selects and configures the purchase verification backend.
	Verification VerificationConfig `yaml:"verification" mapstructure:"verification"`

	// Journal configures the purchase event journal.
	Journal JournalConfig `yaml:"journal" mapstructure:"journal"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

type StoreConfig struct {
	// Platform is the store backend to run against.
	Platform string `yaml:"platform" mapstructure:"platform" validate:"required,oneof=playstore appstore memory"`

	// Locale is the BCP 47 tag used when formatting display prices.
	Locale string `yaml:"locale" mapstructure:"locale"`

	PlayStore PlayStoreConfig `yaml:"playstore" mapstructure:"playstore"`
	AppStore  AppStoreConfig  `yaml:"appstore" mapstructure:"appstore"`
}

type PlayStoreConfig struct {
	PackageName        string `yaml:"package_name" mapstructure:"package_name"`
	ServiceAccountFile string `yaml:"service_account_file" mapstructure:"service_account_file"`
}

type AppStoreConfig struct {
	IssuerID       string `yaml:"issuer_id" mapstructure:"issuer_id"`
	KeyID          string `yaml:"key_id" mapstructure:"key_id"`
	PrivateKeyFile string `yaml:"private_key_file" mapstructure:"private_key_file"`
	BundleID       string `yaml:"bundle_id" mapstructure:"bundle_id"`
	Sandbox        bool   `yaml:"sandbox" mapstructure:"sandbox"`
}

type VerificationConfig struct {
	// Backend is "local" or "remote".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"required,oneof=local remote"`

	// Endpoint and APIKey configure the remote verification service.
	Endpoint string        `yaml:"endpoint" mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey   string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type JournalConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"required,oneof=memory sqlite"`

	// Path is the sqlite database file.
	Path string `yaml:"path" mapstructure:"path"`

	// RetentionDays bounds how long delivered entries are kept.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
}

type LoggingConfig struct {
	// Level is a zap level name, e.g. "debug" or "info".
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Platform: "memory",
			Locale:   "en-US",
		},
		Verification: VerificationConfig{
			Backend: "local",
			Timeout: 10 * time.Second,
		},
		Journal: JournalConfig{
			Driver:        "memory",
			RetentionDays: 7,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	switch c.Store.Platform {
	case "playstore":
		if c.Store.PlayStore.PackageName == "" || c.Store.PlayStore.ServiceAccountFile == "" {
			return errors.New("playstore requires store.playstore.package_name and store.playstore.service_account_file")
		}
	case "appstore":
		as := c.Store.AppStore
		if as.IssuerID == "" || as.KeyID == "" || as.PrivateKeyFile == "" || as.BundleID == "" {
			return errors.New("appstore requires store.appstore.issuer_id, key_id, private_key_file and bundle_id")
		}
	}

	if c.Verification.Backend == "remote" && c.Verification.Endpoint == "" {
		return errors.New("remote verification requires verification.endpoint")
	}
	if c.Journal.Driver == "sqlite" && c.Journal.Path == "" {
		return errors.New("sqlite journal requires journal.path")
	}
	return nil
}

// Redacted returns a loggable view of the configuration with secrets masked.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"store.platform":        c.Store.Platform,
		"verification.backend":  c.Verification.Backend,
		"verification.endpoint": c.Verification.Endpoint,
		"verification.api_key":  billing.MaskSensitive(c.Verification.APIKey),
		"journal.driver":        c.Journal.Driver,
		"logging.level":         c.Logging.Level,
	}
}
