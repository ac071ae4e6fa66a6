package ctl

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// Profile is the pulsectl connection profile, stored as YAML.
type Profile struct {
	URL        string `yaml:"url" json:"url"`
	BackendKey string `yaml:"backend_key" json:"backend_key"`
	AdminKey   string `yaml:"admin_key" json:"admin_key"`
}

// DefaultProfilePath is ~/.pulsectl.yaml, or empty if the home dir is unknown.
func DefaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pulsectl.yaml")
}

func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &p, nil
}

func SaveProfile(p *Profile, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

func (p *Profile) MissingFields() []string {
	var missing []string
	if p.URL == "" {
		missing = append(missing, "url")
	}
	if p.BackendKey == "" && p.AdminKey == "" {
		missing = append(missing, "backend_key or admin_key")
	}
	return missing
}
