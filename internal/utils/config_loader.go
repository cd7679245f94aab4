package utils

import (
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// LoadWatchdogConfig reads, defaults and validates the YAML configuration at
// filename. Any validation failure is fatal for the caller; the daemon never
// runs on a partially valid config.
func LoadWatchdogConfig(filename string) (*WatchdogConfig, error) {
	if filename == "" {
		filename = "configs/watchdog.yaml"
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
	}

	config := &WatchdogConfig{}
	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %v", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file %s: %v", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}

	return config, nil
}
