package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models charter.yml.
type Config struct {
	Registry struct {
		// OwnerID is the identity allowed to change limits and to
		// complete or cancel any directive.
		OwnerID string `yaml:"owner_id" json:"owner_id"`
	} `yaml:"registry" json:"registry"`
	Limits     Limits `yaml:"limits" json:"limits"`
	Membership struct {
		// URL of the group membership authority. Empty means guild
		// submissions are rejected as unconfigured.
		URL            string `yaml:"url" json:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"membership" json:"membership"`
	Auth struct {
		JWTSecret                 string `yaml:"jwt_secret" json:"jwt_secret"`
		AllowLegacyIdentityHeader bool   `yaml:"allow_legacy_identity_header" json:"allow_legacy_identity_header"`
	} `yaml:"auth" json:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// Limits are the owner-adjustable submission bounds. They are snapshotted at
// submission time and never re-checked against existing directives.
type Limits struct {
	SoloDailyCap      int `yaml:"solo_daily_cap" json:"solo_daily_cap"`
	GuildHourlyCap    int `yaml:"guild_hourly_cap" json:"guild_hourly_cap"`
	MaxObjectiveChars int `yaml:"max_objective_chars" json:"max_objective_chars"`
	MaxDurationHours  int `yaml:"max_duration_hours" json:"max_duration_hours"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Registry.OwnerID == "" {
		return fmt.Errorf("config.registry.owner_id is required")
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Validate checks each limit is usable.
func (l Limits) Validate() error {
	if l.SoloDailyCap < 1 {
		return fmt.Errorf("limits.solo_daily_cap must be >= 1")
	}
	if l.GuildHourlyCap < 1 {
		return fmt.Errorf("limits.guild_hourly_cap must be >= 1")
	}
	if l.MaxObjectiveChars < 1 {
		return fmt.Errorf("limits.max_objective_chars must be >= 1")
	}
	if l.MaxDurationHours < 1 {
		return fmt.Errorf("limits.max_duration_hours must be >= 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "charter.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run charter init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an owner identity.
func Default(ownerID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, ownerID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(ownerID string) string {
	return fmt.Sprintf(defaultTemplate, ownerID)
}

const defaultTemplate = `registry:
  owner_id: %s

limits:
  solo_daily_cap: 5
  guild_hourly_cap: 3
  max_objective_chars: 280
  max_duration_hours: 168

membership:
  url: ""
  timeout_seconds: 5

auth:
  jwt_secret: ""
  allow_legacy_identity_header: true
`
