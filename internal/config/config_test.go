package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCommand gives each subtest a clean viper instance and a fresh
// cobra command, so flag/env state from one test never leaks into the
// next (viper's bindings are package-global).
func newTestCommand(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Reset()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, BindFlags(cmd))
	require.NoError(t, cmd.ParseFlags(nil))
	return cmd
}

func TestLoad_Defaults(t *testing.T) {
	cmd := newTestCommand(t)

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddress)
	assert.Equal(t, "https://api.anthropic.com", cfg.UpstreamURL)
	assert.Equal(t, 10*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, 2*time.Hour, cfg.OAuth.Cooldown)
	assert.False(t, cfg.Admin.Enabled)
}

func TestLoad_FlagOverridesDefault(t *testing.T) {
	cmd := newTestCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"--listen", ":9090", "--upstream", "https://example.test"}))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddress)
	assert.Equal(t, "https://example.test", cfg.UpstreamURL)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	cmd := newTestCommand(t)
	t.Setenv("OAUTH_GATEWAY_LISTEN", ":7070")

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddress)
}

func TestLoad_FlagOutranksEnv(t *testing.T) {
	cmd := newTestCommand(t)
	t.Setenv("OAUTH_GATEWAY_LISTEN", ":7070")
	require.NoError(t, cmd.ParseFlags([]string{"--listen", ":9090"}))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddress)
}

func TestLoad_FileSuppliesValuesBetweenDefaultsAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_address = ":6060"
upstream_url = "https://from-file.test"

[oauth]
credentials_file = "from-file-creds.json"
cooldown = "30m"

[admin]
enabled = true
listen_address = "127.0.0.1:9999"
`), 0o600))

	cmd := newTestCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.ListenAddress)
	assert.Equal(t, "https://from-file.test", cfg.UpstreamURL)
	assert.Equal(t, "from-file-creds.json", cfg.OAuth.CredentialsFile)
	assert.Equal(t, 30*time.Minute, cfg.OAuth.Cooldown)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Admin.ListenAddress)
}

func TestLoad_EnvOutranksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(`listen_address = ":6060"`), 0o600))

	cmd := newTestCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))
	t.Setenv("OAUTH_GATEWAY_LISTEN", ":7070")

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddress)
}

func TestLoad_CredentialsFileEnvVarOverridesEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[oauth]
credentials_file = "from-file-creds.json"
`), 0o600))

	cmd := newTestCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--credentials-file", "from-flag-creds.json"}))
	t.Setenv(CredentialsFileEnvVar, "/var/lib/gateway/creds.json")

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/gateway/creds.json", cfg.OAuth.CredentialsFile)
}

func TestLoad_RejectsEmptyUpstreamURL(t *testing.T) {
	cmd := newTestCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"--upstream", ""}))

	_, err := Load(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream_url")
}

func TestLoad_RejectsMalformedFileDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(`request_timeout = "not-a-duration"`), 0o600))

	cmd := newTestCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

	_, err := Load(cmd)
	require.Error(t, err)
}
