package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "purchasekit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "memory", config.Store.Platform)
	require.Equal(t, "local", config.Verification.Backend)
	require.Equal(t, "memory", config.Journal.Driver)
	require.Equal(t, 7, config.Journal.RetentionDays)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
store:
  platform: appstore
  appstore:
    issuer_id: issuer
    key_id: key
    private_key_file: /tmp/key.p8
    bundle_id: com.example.app
    sandbox: true
verification:
  backend: remote
  endpoint: https://verify.example.com/v1/check
  api_key: super-secret-key
  timeout: 5s
journal:
  driver: sqlite
  path: /tmp/journal.db
  retention_days: 30
`)

	config, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "appstore", config.Store.Platform)
	require.True(t, config.Store.AppStore.Sandbox)
	require.Equal(t, "remote", config.Verification.Backend)
	require.Equal(t, 5*time.Second, config.Verification.Timeout)
	require.Equal(t, "sqlite", config.Journal.Driver)
	require.Equal(t, 30, config.Journal.RetentionDays)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PURCHASEKIT_STORE_PLATFORM", "memory")
	t.Setenv("PURCHASEKIT_LOGGING_LEVEL", "debug")

	config, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "memory", config.Store.Platform)
	require.Equal(t, "debug", config.Logging.Level)
}

func TestValidate_CrossFieldRules(t *testing.T) {
	config := Default()
	config.Store.Platform = "playstore"
	require.Error(t, config.Validate())

	config.Store.PlayStore.PackageName = "com.example.app"
	config.Store.PlayStore.ServiceAccountFile = "/tmp/sa.json"
	require.NoError(t, config.Validate())

	config = Default()
	config.Verification.Backend = "remote"
	require.Error(t, config.Validate())
	config.Verification.Endpoint = "https://verify.example.com"
	require.NoError(t, config.Validate())

	config = Default()
	config.Journal.Driver = "sqlite"
	require.Error(t, config.Validate())
	config.Journal.Path = "/tmp/journal.db"
	require.NoError(t, config.Validate())

	config = Default()
	config.Store.Platform = "unsupported"
	require.Error(t, config.Validate())
}

func TestRedacted_MasksSecrets(t *testing.T) {
	config := Default()
	config.Verification.APIKey = "super-secret-key"

	redacted := config.Redacted()
	require.Equal(t, "supe****", redacted["verification.api_key"])
}
