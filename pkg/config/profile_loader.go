package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadProfile overlays a YAML profile file onto cfg. Unset profile
// fields keep the values cfg already carries, so the environment
// remains the base layer.
func LoadProfile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profile %s: %w", path, err)
	}

	overlay := *cfg
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	*cfg = overlay
	return nil
}
