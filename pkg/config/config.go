// Package config loads the optional YAML defaults file for the CLIs.
// Values from the file seed flag defaults; flags given on the command
// line always win.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds upload defaults an operator ships alongside the binary,
// so incident responders don't have to pass SAS URLs by hand.
type Config struct {
	URL                 string `yaml:"url"`
	SASURL              string `yaml:"sas_url"`
	SASBlockSizeMiB     int    `yaml:"sas_block_size"`
	SASBlockConcurrency int    `yaml:"sas_block_concurrency"`
	Delete              bool   `yaml:"delete"`
	Compress            bool   `yaml:"compress"`
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config %s", path)
	}
	return &cfg, nil
}
