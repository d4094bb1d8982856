package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/gentam/sdspi"
)

// config is the optional YAML file. Flags given on the command line
// override it.
type config struct {
	Bus   string `yaml:"bus"`   // "ftdi", "sim", "spi" or a spireg port name
	Port  string `yaml:"port"`  // spireg port when bus is "spi"
	CS    string `yaml:"cs"`    // chip select pin
	Clock string `yaml:"clock"` // e.g. "400kHz", "12MHz"
	Image string `yaml:"image"` // disk image for bus "sim"

	OpCondTimeout time.Duration `yaml:"op_cond_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	BulkTimeout   time.Duration `yaml:"bulk_timeout"`
	TokenAttempts int           `yaml:"token_attempts"`
}

func defaultConfig() config {
	return config{
		Bus:         "ftdi",
		BulkTimeout: time.Second,
	}
}

func loadConfig(name string) (config, error) {
	cfg := defaultConfig()
	b, err := os.ReadFile(name)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

func (c config) clock() (physic.Frequency, error) {
	if c.Clock == "" {
		return sdspi.DefaultClock, nil
	}
	var f physic.Frequency
	if err := f.Set(c.Clock); err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", c.Clock, err)
	}
	return f, nil
}

func (c config) opts(log *zap.Logger) (*sdspi.Opts, error) {
	if c.OpCondTimeout < 0 || c.WriteTimeout < 0 || c.BulkTimeout < 0 {
		return nil, errors.New("timeouts must not be negative")
	}
	o := sdspi.DefaultOpts
	if c.OpCondTimeout > 0 {
		o.OpCondTimeout = c.OpCondTimeout
	}
	if c.WriteTimeout > 0 {
		o.WriteTimeout = c.WriteTimeout
	}
	if c.TokenAttempts > 0 {
		o.TokenAttempts = c.TokenAttempts
	}
	o.Logger = log
	return &o, nil
}
