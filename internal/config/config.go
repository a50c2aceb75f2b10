// Package config loads process configuration from the environment and
// normalizes per-bot account definitions from an optional YAML file.
package config

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// SecretSource records where an account's client secret came from.
type SecretSource string

const (
	SecretSourceConfig SecretSource = "config"
	SecretSourceFile   SecretSource = "file"
	SecretSourceEnv    SecretSource = "env"
	SecretSourceNone   SecretSource = "none"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Accounts file (optional — env fallback below covers the single-bot case)
	AccountsFile string `envconfig:"QQBOT_ACCOUNTS_FILE"`

	// Default-account fallback when no accounts file is configured
	AppID        string `envconfig:"QQBOT_APP_ID"`
	ClientSecret string `envconfig:"QQBOT_CLIENT_SECRET"`

	// State directory for the session database
	StateDir string `envconfig:"QQBOT_STATE_DIR" default:"."`

	// Reply pipeline (local agent CLI)
	PipelineCommand string        `envconfig:"QQBOT_PIPELINE_CMD" default:"clawd"`
	PipelineArgs    []string      `envconfig:"QQBOT_PIPELINE_ARGS" default:"agent"`
	PipelineTimeout time.Duration `envconfig:"QQBOT_PIPELINE_TIMEOUT" default:"60s"`
	ConfigDir       string        `envconfig:"QQBOT_CONFIG_DIR" default:"."`

	// Local image server (passthrough for public URLs)
	ImageServerPort int    `envconfig:"QQBOT_IMAGE_SERVER_PORT" default:"18765"`
	ImageServerDir  string `envconfig:"QQBOT_IMAGE_SERVER_DIR"`
}

// Account is the fully-normalized per-bot configuration. Downstream code
// consumes only this type; optional fields are resolved here, never re-read.
type Account struct {
	ID              string
	Name            string
	Enabled         bool
	AppID           string
	ClientSecret    string
	SecretSource    SecretSource
	SystemPrompt    string
	ImageBaseURL    string
	MarkdownSupport bool
	ProxyURL        string
}

// HasCredentials returns true if the account can authenticate.
func (a Account) HasCredentials() bool {
	return a.AppID != "" && a.SecretSource != SecretSourceNone
}

// ProxyFunc returns the proxy selector for this account's HTTP and
// WebSocket traffic. A configured proxy URL wins over the environment
// (HTTPS_PROXY / HTTP_PROXY, lowercase variants included).
func (a Account) ProxyFunc() (func(*http.Request) (*url.URL, error), error) {
	if a.ProxyURL == "" {
		return http.ProxyFromEnvironment, nil
	}
	u, err := url.Parse(a.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url for account %s: %w", a.ID, err)
	}
	return http.ProxyURL(u), nil
}

// accountsFile is the on-disk accounts document.
type accountsFile struct {
	Accounts []accountYAML `yaml:"accounts"`
}

type accountYAML struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Enabled          *bool  `yaml:"enabled"` // default true
	AppID            string `yaml:"app_id"`
	ClientSecret     string `yaml:"client_secret"`
	ClientSecretFile string `yaml:"client_secret_file"`
	SystemPrompt     string `yaml:"system_prompt"`
	ImageBaseURL     string `yaml:"image_base_url"`
	MarkdownSupport  bool   `yaml:"markdown_support"`
	ProxyURL         string `yaml:"proxy_url"`
}

// ImageServerConfigured returns true if the local image server has a
// directory to serve from.
func (c *Config) ImageServerConfigured() bool {
	return c.ImageServerDir != ""
}

// EnvAccountConfigured returns true if the default-account env fallback is usable.
func (c *Config) EnvAccountConfigured() bool {
	return c.AppID != "" && c.ClientSecret != ""
}

// LoadAccounts normalizes the accounts file (when configured) into Account
// values, falling back to a single env-defined account otherwise.
func (c *Config) LoadAccounts() ([]Account, error) {
	if c.AccountsFile == "" {
		if !c.EnvAccountConfigured() {
			return nil, nil
		}
		return []Account{{
			ID:           "default",
			Name:         "default",
			Enabled:      true,
			AppID:        c.AppID,
			ClientSecret: c.ClientSecret,
			SecretSource: SecretSourceEnv,
		}}, nil
	}

	raw, err := os.ReadFile(c.AccountsFile)
	if err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}

	var doc accountsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing accounts file: %w", err)
	}

	accounts := make([]Account, 0, len(doc.Accounts))
	for i, entry := range doc.Accounts {
		acct, err := c.normalizeAccount(entry)
		if err != nil {
			return nil, fmt.Errorf("account %d (%s): %w", i, entry.ID, err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func (c *Config) normalizeAccount(entry accountYAML) (Account, error) {
	acct := Account{
		ID:              strings.TrimSpace(entry.ID),
		Name:            strings.TrimSpace(entry.Name),
		Enabled:         entry.Enabled == nil || *entry.Enabled,
		AppID:           strings.TrimSpace(entry.AppID),
		SystemPrompt:    entry.SystemPrompt,
		ImageBaseURL:    strings.TrimRight(strings.TrimSpace(entry.ImageBaseURL), "/"),
		MarkdownSupport: entry.MarkdownSupport,
		ProxyURL:        strings.TrimSpace(entry.ProxyURL),
	}

	if acct.AppID == "" {
		acct.AppID = c.AppID
	}
	if acct.ID == "" {
		acct.ID = acct.AppID
	}
	if acct.Name == "" {
		acct.Name = acct.ID
	}
	if acct.ID == "" {
		return acct, fmt.Errorf("missing id and app_id")
	}

	// Secret resolution order: inline config, secret file, process env.
	switch {
	case entry.ClientSecret != "":
		acct.ClientSecret = strings.TrimSpace(entry.ClientSecret)
		acct.SecretSource = SecretSourceConfig
	case entry.ClientSecretFile != "":
		data, err := os.ReadFile(entry.ClientSecretFile)
		if err != nil {
			return acct, fmt.Errorf("reading client secret file: %w", err)
		}
		acct.ClientSecret = strings.TrimSpace(string(data))
		acct.SecretSource = SecretSourceFile
	case c.ClientSecret != "":
		acct.ClientSecret = c.ClientSecret
		acct.SecretSource = SecretSourceEnv
	default:
		acct.SecretSource = SecretSourceNone
	}
	if acct.ClientSecret == "" {
		acct.SecretSource = SecretSourceNone
	}

	if acct.ProxyURL != "" {
		if _, err := url.Parse(acct.ProxyURL); err != nil {
			return acct, fmt.Errorf("invalid proxy_url: %w", err)
		}
	}

	return acct, nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
