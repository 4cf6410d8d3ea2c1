package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultYAML renders a starter configuration with one example service,
// suitable for `poolhub init`. The result round-trips through Load.
func DefaultYAML() ([]byte, error) {
	doc := map[string]any{
		"settings": map[string]any{
			"host":             "127.0.0.1",
			"port_min":         8000,
			"port_max":         8999,
			"health_interval":  "30s",
			"startup_timeout":  "30s",
			"shutdown_timeout": "10s",
			"log_level":        "info",
			"log_directory":    "logs",
			"data_directory":   ".poolhub",
		},
		"services": map[string]any{
			"example": map[string]any{
				"command":       "python3",
				"args":          []string{"-m", "http.server", "{port}"},
				"min_instances": 1,
				"max_instances": 3,
				"restart":       RestartAlways,
				"health": map[string]any{
					"kind":     CheckHTTP,
					"target":   "/",
					"interval": "10s",
					"timeout":  "5s",
					"grace":    "15s",
					"failures": 3,
				},
			},
		},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("rendering default config: %w", err)
	}
	return out, nil
}

// WriteDefault writes the starter configuration to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	data, err := DefaultYAML()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
