package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// config controls the demo workload.
type config struct {
	VCPUs    int           `yaml:"vcpus"`
	MMIOBase uint64        `yaml:"mmio_base"`
	MMIOSize int           `yaml:"mmio_size"`
	Buffered bool          `yaml:"buffered"`
	Duration time.Duration `yaml:"duration"`
	LogLevel string        `yaml:"log_level"`
}

func defaultConfig() *config {
	return &config{
		VCPUs:    2,
		MMIOBase: 0xfe000000,
		MMIOSize: 4096,
		Buffered: false,
		Duration: 5 * time.Second,
		LogLevel: "info",
	}
}

func (c *config) load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if c.VCPUs < 1 || c.MMIOSize < 16 {
		return fmt.Errorf("config %s: vcpus and mmio_size must be positive", path)
	}
	return nil
}
