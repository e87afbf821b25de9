package bot

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	coreconfig "github.com/m3rciful/relaybot/core/config"
	coredatabase "github.com/m3rciful/relaybot/core/database"
)

// HealthConfig controls the liveness HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"HEALTH_ENABLED"`
	Listen  string `yaml:"listen" envconfig:"HEALTH_LISTEN"`
}

// RelayConfig holds relay-specific tuning.
type RelayConfig struct {
	// SessionTTLHours bounds the life of idle link sessions and admin
	// prompts before the janitor sweeps them; 0 selects 24.
	SessionTTLHours int `yaml:"session_ttl_hours" envconfig:"RELAY_SESSION_TTL_HOURS"`
}

// AppConfig aggregates core bot settings with relay-specific sections.
type AppConfig struct {
	coreconfig.Config `yaml:",inline"`

	Database coredatabase.Config `yaml:"database"`
	Health   HealthConfig        `yaml:"health"`
	Relay    RelayConfig         `yaml:"relay"`
}

// CoreConfig exposes the embedded core configuration.
func (c *AppConfig) CoreConfig() *coreconfig.Config {
	return &c.Config
}

// LoadConfig reads the YAML file, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*AppConfig, error) {
	var cfg AppConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := coreconfig.Normalize(&cfg.Config); err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = coredatabase.DriverSQLite
	}
	if cfg.Database.Driver == coredatabase.DriverSQLite && cfg.Database.Path == "" {
		cfg.Database.Path = "relaybot.db"
	}
	if cfg.Health.Listen == "" {
		cfg.Health.Listen = ":8080"
	}
	if cfg.Relay.SessionTTLHours <= 0 {
		cfg.Relay.SessionTTLHours = 24
	}
	return &cfg, nil
}
