// Package config loads the optional TOML configuration file. Flags always
// win over file values; the file is a convenience for fixed deployments.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// File mirrors the TOML schema.
type File struct {
	Camera       int    `toml:"camera"`
	Buffer       int    `toml:"buffer"`
	Width        int    `toml:"width"`
	Height       int    `toml:"height"`
	FPS          int    `toml:"fps"`
	MetricsAddr  string `toml:"metrics_addr"`
	LogLevel     string `toml:"log_level"`
	SharedCamera bool   `toml:"shared_camera"`

	// Tasks maps task name to model path, e.g. helmet = "model/helmet.onnx".
	Tasks map[string]string `toml:"tasks"`
}

// Load parses the TOML file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}
