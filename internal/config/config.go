package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models buildline.yml.
type Config struct {
	Publisher struct {
		URL      string   `yaml:"url"`
		Channels []string `yaml:"channels"`
	} `yaml:"publisher"`
	Builds struct {
		DefaultArchitectures []string `yaml:"default_architectures"`
	} `yaml:"builds"`
	Notifications struct {
		Enabled  bool `yaml:"enabled"`
		CIBuilds bool `yaml:"ci_builds"`
	} `yaml:"notifications"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "buildline.yml")
}

// Load reads config from workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Publisher.Channels) == 0 {
		return fmt.Errorf("config.publisher.channels is required")
	}
	for _, ch := range c.Publisher.Channels {
		if ch == "" {
			return fmt.Errorf("config.publisher.channels contains empty channel")
		}
	}
	for _, arch := range c.Builds.DefaultArchitectures {
		if arch == "" {
			return fmt.Errorf("config.builds.default_architectures contains empty architecture")
		}
	}
	return nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

const defaultTemplate = `publisher:
  url: ""
  channels: [stable, unstable]

builds:
  default_architectures: [amd64]

notifications:
  enabled: true
  ci_builds: false
`
