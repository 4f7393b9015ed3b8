package config

import (
	"os"

	jsoniter "github.com/json-iterator/go"
)

// Load reads a JSON config file, filling omitted fields with defaults the
// way Fill does; omitted fields that Fill leaves alone stay zero.
// Durations are accepted as integer nanoseconds, the way time.Duration
// marshals by default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := new(Config)
	if err = jsoniter.ConfigDefault.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return Fill(cfg), nil
}
