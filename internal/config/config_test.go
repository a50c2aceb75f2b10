// Package config tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 18765, cfg.ImageServerPort)
	assert.Equal(t, ".", cfg.StateDir)
	assert.Equal(t, "clawd", cfg.PipelineCommand)
	assert.Equal(t, []string{"agent"}, cfg.PipelineArgs)
	assert.Equal(t, 60*time.Second, cfg.PipelineTimeout)
	assert.Equal(t, ".", cfg.ConfigDir)
	assert.False(t, cfg.ImageServerConfigured())
	assert.False(t, cfg.EnvAccountConfigured())
}

func TestLoad_PipelineOverrides(t *testing.T) {
	t.Setenv("QQBOT_PIPELINE_CMD", "/opt/agent/bin/run")
	t.Setenv("QQBOT_PIPELINE_ARGS", "chat,--json")
	t.Setenv("QQBOT_PIPELINE_TIMEOUT", "90s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/opt/agent/bin/run", cfg.PipelineCommand)
	assert.Equal(t, []string{"chat", "--json"}, cfg.PipelineArgs)
	assert.Equal(t, 90*time.Second, cfg.PipelineTimeout)
}

func TestLoad_EnvValues(t *testing.T) {
	t.Setenv("QQBOT_APP_ID", "102001234")
	t.Setenv("QQBOT_CLIENT_SECRET", "s3cret")
	t.Setenv("QQBOT_IMAGE_SERVER_PORT", "19000")
	t.Setenv("QQBOT_IMAGE_SERVER_DIR", "/tmp/images")
	cfg, err := LoadWithPrefix("")
	require.NoError(t, err)
	assert.Equal(t, "102001234", cfg.AppID)
	assert.Equal(t, 19000, cfg.ImageServerPort)
	assert.True(t, cfg.ImageServerConfigured())
	assert.True(t, cfg.EnvAccountConfigured())
}

func TestLoadAccounts_EnvFallback(t *testing.T) {
	cfg := &Config{AppID: "102001234", ClientSecret: "s3cret"}
	accounts, err := cfg.LoadAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "default", accounts[0].ID)
	assert.Equal(t, "102001234", accounts[0].AppID)
	assert.Equal(t, SecretSourceEnv, accounts[0].SecretSource)
	assert.True(t, accounts[0].Enabled)
	assert.True(t, accounts[0].HasCredentials())
}

func TestLoadAccounts_NoneConfigured(t *testing.T) {
	cfg := &Config{}
	accounts, err := cfg.LoadAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestLoadAccounts_FromFile(t *testing.T) {
	dir := t.TempDir()
	secretFile := filepath.Join(dir, "secret.txt")
	require.NoError(t, os.WriteFile(secretFile, []byte("file-secret\n"), 0o600))

	accountsYAML := `
accounts:
  - id: main
    name: "Main bot"
    app_id: "102001234"
    client_secret: inline-secret
    markdown_support: true
    image_base_url: "https://img.example.com/"
  - id: sandbox
    app_id: "102005678"
    client_secret_file: ` + secretFile + `
    enabled: false
    proxy_url: "http://127.0.0.1:7890"
  - app_id: "102009999"
`
	file := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(file, []byte(accountsYAML), 0o600))

	cfg := &Config{AccountsFile: file, ClientSecret: "env-secret"}
	accounts, err := cfg.LoadAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 3)

	main := accounts[0]
	assert.Equal(t, "main", main.ID)
	assert.Equal(t, "Main bot", main.Name)
	assert.True(t, main.Enabled)
	assert.Equal(t, SecretSourceConfig, main.SecretSource)
	assert.Equal(t, "inline-secret", main.ClientSecret)
	assert.True(t, main.MarkdownSupport)
	assert.Equal(t, "https://img.example.com", main.ImageBaseURL) // trailing slash stripped

	sandbox := accounts[1]
	assert.False(t, sandbox.Enabled)
	assert.Equal(t, SecretSourceFile, sandbox.SecretSource)
	assert.Equal(t, "file-secret", sandbox.ClientSecret)
	assert.Equal(t, "http://127.0.0.1:7890", sandbox.ProxyURL)

	envAcct := accounts[2]
	assert.Equal(t, "102009999", envAcct.ID) // id defaults to app_id
	assert.Equal(t, SecretSourceEnv, envAcct.SecretSource)
	assert.Equal(t, "env-secret", envAcct.ClientSecret)
}

func TestLoadAccounts_SecretSourceNone(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(file, []byte("accounts:\n  - app_id: \"102001\"\n"), 0o600))

	cfg := &Config{AccountsFile: file}
	accounts, err := cfg.LoadAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, SecretSourceNone, accounts[0].SecretSource)
	assert.False(t, accounts[0].HasCredentials())
}

func TestAccount_ProxyFunc(t *testing.T) {
	acct := Account{ID: "a", ProxyURL: "http://127.0.0.1:7890"}
	fn, err := acct.ProxyFunc()
	require.NoError(t, err)
	require.NotNil(t, fn)

	u, err := fn(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7890", u.Host)

	// No configured proxy falls back to the environment selector.
	acct.ProxyURL = ""
	fn, err = acct.ProxyFunc()
	require.NoError(t, err)
	assert.NotNil(t, fn)

	acct.ProxyURL = "://bad"
	_, err = acct.ProxyFunc()
	assert.Error(t, err)
}
