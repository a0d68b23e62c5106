package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "PURCHASEKIT"

// Load reads configuration from the given file, layered under environment
// variables with the PURCHASEKIT_ prefix, e.g. PURCHASEKIT_STORE_PLATFORM
// overrides store.platform. An empty path loads defaults plus environment
// overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindKeys(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	config := Default()
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// bindKeys registers every key for environment overrides. AutomaticEnv alone
// does not surface nested keys that are absent from the config file.
func bindKeys(v *viper.Viper) {
	for _, key := range []string{
		"store.platform",
		"store.locale",
		"store.playstore.package_name",
		"store.playstore.service_account_file",
		"store.appstore.issuer_id",
		"store.appstore.key_id",
		"store.appstore.private_key_file",
		"store.appstore.bundle_id",
		"store.appstore.sandbox",
		"verification.backend",
		"verification.endpoint",
		"verification.api_key",
		"verification.timeout",
		"journal.driver",
		"journal.path",
		"journal.retention_days",
		"logging.level",
	} {
		_ = v.BindEnv(key)
	}
}
