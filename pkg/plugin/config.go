package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HostConfig describes which provider binaries the host should load.
type HostConfig struct {
	ProviderDir string                    `yaml:"providerDir"`
	Defaults    IsolationPolicy           `yaml:"defaults"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig is the configuration block for a single hosted provider.
type ProviderConfig struct {
	Enabled bool             `yaml:"enabled"`
	Path    string           `yaml:"path"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

// IsolationPolicy governs the grants permitted to a provider.
type IsolationPolicy struct {
	AllowedGrants []Grant `yaml:"allowedGrants"`
	DeniedGrants  []Grant `yaml:"deniedGrants"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedGrants) == 0 {
		p.AllowedGrants = other.AllowedGrants
	}
	if len(p.DeniedGrants) == 0 {
		p.DeniedGrants = other.DeniedGrants
	}
	return p
}

// LoadHostConfig reads a YAML file into a HostConfig.
func LoadHostConfig(path string) (HostConfig, error) {
	var cfg HostConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read provider config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal provider config: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	return cfg, nil
}

// Validate ensures the host configuration is internally consistent.
func (c HostConfig) Validate() error {
	for id, provider := range c.Providers {
		if id == "" {
			return errors.New("provider id cannot be empty")
		}
		if !provider.Enabled {
			continue
		}
		if provider.Path == "" {
			return fmt.Errorf("provider %s path cannot be empty when enabled", id)
		}
	}
	return nil
}
