// Package config provides YAML-based configuration loading for the
// paynless chat and dialectic services.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Tokenization strategy types understood by the tokens package.
const (
	StrategyTiktoken         = "tiktoken"
	StrategyRoughCharCount   = "rough_char_count"
	StrategyProviderSpecific = "provider_specific_api"
	StrategyUnknown          = "unknown"
)

// Config is the top-level configuration, loaded from config.yaml.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	Storage   StorageConfig    `yaml:"storage"`
	Server    ServerConfig     `yaml:"server"`
	Wallet    WalletConfig     `yaml:"wallet"`
	Providers []ProviderConfig `yaml:"providers"`
	Templates []TemplateConfig `yaml:"templates"`
	Notify    NotifyConfig     `yaml:"notify"`
}

// DatabaseConfig holds connection settings. Driver is "sqlite" or "mysql".
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// StorageConfig locates the blob store used for seed prompts and
// contribution artifacts.
type StorageConfig struct {
	Root   string `yaml:"root"`
	Bucket string `yaml:"bucket"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// WalletConfig configures newly created wallets and the ledger audit.
// AuditCron is a 5-field cron expression; empty disables scheduled audits.
type WalletConfig struct {
	Currency  string `yaml:"currency"`
	AuditCron string `yaml:"audit_cron"`
}

// NotifyConfig selects where stage-run and audit notices are posted.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack bot settings. The token is read from BotTokenEnv.
type SlackConfig struct {
	BotTokenEnv string `yaml:"bot_token_env"`
	Channel     string `yaml:"channel"`
	APIURL      string `yaml:"api_url"`
}

// Enabled reports whether a Slack sink should be built.
func (s SlackConfig) Enabled() bool { return s.BotTokenEnv != "" }

// BotToken returns the Slack bot token from the environment, or "".
func (s SlackConfig) BotToken() string { return envOrEmpty(s.BotTokenEnv) }

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	BotTokenEnv string `yaml:"bot_token_env"`
	Channel     string `yaml:"channel"`
}

// Enabled reports whether a Discord sink should be built.
func (d DiscordConfig) Enabled() bool { return d.BotTokenEnv != "" }

// BotToken returns the Discord bot token from the environment, or "".
func (d DiscordConfig) BotToken() string { return envOrEmpty(d.BotTokenEnv) }

func envOrEmpty(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// ProviderConfig describes one AI model offered to users.
type ProviderConfig struct {
	ID                     string             `yaml:"id"`
	Name                   string             `yaml:"name"`
	Provider               string             `yaml:"provider"`
	APIIdentifier          string             `yaml:"api_identifier"`
	BaseURL                string             `yaml:"base_url"`
	APIKeyEnv              string             `yaml:"api_key_env"`
	InputTokenCostRate     float64            `yaml:"input_token_cost_rate"`
	OutputTokenCostRate    float64            `yaml:"output_token_cost_rate"`
	HardCapOutputTokens    int                `yaml:"hard_cap_output_tokens"`
	ProviderMaxInputTokens int                `yaml:"provider_max_input_tokens"`
	Tokenization           TokenizationConfig `yaml:"tokenization"`
}

// APIKey returns the provider's API key from the environment, or "".
func (p ProviderConfig) APIKey() string {
	return envOrEmpty(p.APIKeyEnv)
}

// TokenizationConfig selects how prompt tokens are estimated for a model.
type TokenizationConfig struct {
	Type          string  `yaml:"type"`
	Encoding      string  `yaml:"encoding"`
	ChatML        bool    `yaml:"chatml"`
	CharsPerToken float64 `yaml:"chars_per_token"`
}

// TemplateConfig is a dialectic process template: its stages and the
// directed transitions between them.
type TemplateConfig struct {
	Name          string             `yaml:"name"`
	Description   string             `yaml:"description"`
	StartingStage string             `yaml:"starting_stage"`
	Stages        []StageConfig      `yaml:"stages"`
	Transitions   []TransitionConfig `yaml:"transitions"`
}

// StageConfig is one stage of a template.
type StageConfig struct {
	Slug            string `yaml:"slug"`
	DisplayName     string `yaml:"display_name"`
	DefaultPromptID string `yaml:"default_prompt_id"`
	Prompt          string `yaml:"prompt"`
}

// TransitionConfig is a directed edge between two stage slugs.
type TransitionConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the
// process environment. Missing files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %s: %w", p, err)
		}
	}
	return nil
}

// Provider returns the provider config with the given id or api identifier.
func (c *Config) Provider(idOrIdentifier string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == idOrIdentifier || p.APIIdentifier == idOrIdentifier {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "paynless.db"
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "paynless"
		}
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "data"
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "dialectic-contributions"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Wallet.Currency == "" {
		c.Wallet.Currency = "AI_TOKEN"
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			p.ID = p.APIIdentifier
		}
		if p.Name == "" {
			p.Name = p.APIIdentifier
		}
		if p.Provider == "" {
			p.Provider = providerFromIdentifier(p.APIIdentifier)
		}
		if p.InputTokenCostRate == 0 {
			p.InputTokenCostRate = 1
		}
		if p.OutputTokenCostRate == 0 {
			p.OutputTokenCostRate = 1
		}
		if p.Tokenization.Type == "" {
			p.Tokenization.Type = StrategyRoughCharCount
		}
		if p.Tokenization.Type == StrategyRoughCharCount && p.Tokenization.CharsPerToken == 0 {
			p.Tokenization.CharsPerToken = 4
		}
	}
}

// providerFromIdentifier derives the provider name from an identifier such as
// "openai-gpt-4o" or "anthropic/claude-3-haiku".
func providerFromIdentifier(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return strings.ToLower(id[:i])
	}
	if i := strings.IndexByte(id, '-'); i > 0 {
		return strings.ToLower(id[:i])
	}
	return strings.ToLower(id)
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.APIIdentifier == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].api_identifier is required", i))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("providers[%d].id %q is duplicated", i, p.ID))
		}
		seen[p.ID] = true
		if p.InputTokenCostRate < 0 || p.OutputTokenCostRate < 0 {
			errs = append(errs, fmt.Sprintf("providers[%d] cost rates must not be negative", i))
		}
		switch p.Tokenization.Type {
		case StrategyTiktoken:
			if p.Tokenization.Encoding == "" {
				errs = append(errs, fmt.Sprintf("providers[%d].tokenization.encoding is required for tiktoken", i))
			}
		case StrategyRoughCharCount:
			if p.Tokenization.CharsPerToken <= 0 {
				errs = append(errs, fmt.Sprintf("providers[%d].tokenization.chars_per_token must be positive", i))
			}
		case StrategyProviderSpecific, StrategyUnknown:
		default:
			errs = append(errs, fmt.Sprintf("providers[%d].tokenization.type %q is not supported", i, p.Tokenization.Type))
		}
	}
	for i, t := range c.Templates {
		errs = append(errs, t.validate(i)...)
	}
	if c.Notify.Slack.Enabled() && c.Notify.Slack.Channel == "" {
		errs = append(errs, "notify.slack.channel is required")
	}
	if c.Notify.Discord.Enabled() && c.Notify.Discord.Channel == "" {
		errs = append(errs, "notify.discord.channel is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (t TemplateConfig) validate(i int) []string {
	var errs []string
	if t.Name == "" {
		errs = append(errs, fmt.Sprintf("templates[%d].name is required", i))
	}
	if len(t.Stages) == 0 {
		errs = append(errs, fmt.Sprintf("templates[%d] needs at least one stage", i))
		return errs
	}
	slugs := make(map[string]bool, len(t.Stages))
	for j, s := range t.Stages {
		if s.Slug == "" {
			errs = append(errs, fmt.Sprintf("templates[%d].stages[%d].slug is required", i, j))
			continue
		}
		slugs[s.Slug] = true
	}
	if t.StartingStage == "" {
		errs = append(errs, fmt.Sprintf("templates[%d].starting_stage is required", i))
	} else if !slugs[t.StartingStage] {
		errs = append(errs, fmt.Sprintf("templates[%d].starting_stage %q is not a stage", i, t.StartingStage))
	}
	for j, tr := range t.Transitions {
		if !slugs[tr.From] || !slugs[tr.To] {
			errs = append(errs, fmt.Sprintf("templates[%d].transitions[%d] references unknown stage", i, j))
		}
	}
	return errs
}
