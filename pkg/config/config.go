package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// BrokerConfig is the broker-wide configuration loaded from a YAML file
// (spec §6 EXTERNAL INTERFACES). Transport/TLS fields describe what a
// connection adapter needs to bind; the dispatcher limits mirror
// broker.Config and are copied across by the caller after Load.
type BrokerConfig struct {
	Listen struct {
		Address string `yaml:"address" validate:"required,hostname_port"`
	} `yaml:"listen"`

	TLS struct {
		Enabled        bool   `yaml:"enabled"`
		CertFile       string `yaml:"cert_file" validate:"required_if=Enabled true"`
		KeyFile        string `yaml:"key_file" validate:"required_if=Enabled true"`
		ReloadInterval string `yaml:"reload_interval"`
	} `yaml:"tls"`

	Auth struct {
		RuleSetPath string `yaml:"ruleset_path"`
	} `yaml:"auth"`

	IOCs          int    `yaml:"iocs" validate:"min=0"`
	ThreadsPerIOC int    `yaml:"threads_per_ioc" validate:"min=0"`
	Verbosity     string `yaml:"verbosity" validate:"omitempty,oneof=debug info warn error"`

	ReceiveMaximum          uint16 `yaml:"receive_maximum"`
	TopicAliasMaximum       uint16 `yaml:"topic_alias_maximum"`
	SessionExpiryCeiling    uint32 `yaml:"session_expiry_ceiling"`
	MaxStoredTopics         int    `yaml:"max_stored_topics" validate:"min=0"`
	RetainedCleanupInterval string `yaml:"retained_cleanup_interval"`
}

var validate = validator.New()

// Load reads and validates a BrokerConfig from a YAML file at path.
func Load(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg BrokerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}
