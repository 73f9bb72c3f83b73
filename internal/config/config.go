package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UnitConfig describes one screening unit: a clinic or a mobile team.
type UnitConfig struct {
	Version int `yaml:"version"`
	Unit    struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"unit"`
	Network struct {
		APIPort int `yaml:"api_port"`
	} `yaml:"network"`
	Storage struct {
		// Driver is sqlite, postgres or memory.
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		// DSN is optional for postgres; PG* variables are used otherwise.
		DSN string `yaml:"dsn"`
	} `yaml:"storage"`
	Registry struct {
		// Path to a stage registry; the built-in pathway is used when empty.
		Path string `yaml:"path"`
	} `yaml:"registry"`
	Followup struct {
		SixMonthMonths int `yaml:"six_month_months"`
		AnnualMonths   int `yaml:"annual_months"`
	} `yaml:"followup"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		URL         string `yaml:"url"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *UnitConfig) APIPort() int {
	if c.Network.APIPort == 0 {
		return 8080
	}
	return c.Network.APIPort
}

// StorageDriver defaults to sqlite so a unit works offline out of the box.
func (c *UnitConfig) StorageDriver() string {
	if c.Storage.Driver == "" {
		return "sqlite"
	}
	return c.Storage.Driver
}

func (c *UnitConfig) StoragePath() string {
	if c.Storage.Path == "" {
		return "data/screening.db"
	}
	return c.Storage.Path
}

// SixMonthInterval is the number of months to the post-prescription review.
func (c *UnitConfig) SixMonthInterval() int {
	if c.Followup.SixMonthMonths <= 0 {
		return 6
	}
	return c.Followup.SixMonthMonths
}

// AnnualInterval is the number of months to the next routine screening.
func (c *UnitConfig) AnnualInterval() int {
	if c.Followup.AnnualMonths <= 0 {
		return 12
	}
	return c.Followup.AnnualMonths
}

func (c *UnitConfig) MQTTURL() string {
	if c.MQTT.URL == "" {
		return "tcp://localhost:1883"
	}
	return c.MQTT.URL
}

func (c *UnitConfig) TopicPrefix() string {
	if c.MQTT.TopicPrefix == "" {
		return "screening"
	}
	return c.MQTT.TopicPrefix
}

func (c *UnitConfig) LogLevel() string {
	if c.Logging.Level == "" {
		return "info"
	}
	return c.Logging.Level
}

func LoadUnitConfig(path string) (*UnitConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg UnitConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported unit.yaml version: %d", cfg.Version)
	}
	if cfg.Unit.ID == "" {
		return nil, fmt.Errorf("unit.yaml: unit.id is required")
	}
	switch cfg.StorageDriver() {
	case "sqlite", "postgres", "memory":
	default:
		return nil, fmt.Errorf("unit.yaml: unknown storage driver %q", cfg.Storage.Driver)
	}

	return &cfg, nil
}
