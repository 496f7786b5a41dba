package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML file named by --config. Flags override it.
type Config struct {
	Issuer   string    `yaml:"issuer"`
	Audience []string  `yaml:"audience"`
	Keys     string    `yaml:"keys"`
	Validity string    `yaml:"validity"`
	Log      LogConfig `yaml:"log"`
}

type LogConfig struct {
	Env   string `yaml:"env"`
	Level string `yaml:"level"`
}

func defaultConfig() Config {
	return Config{
		Keys:     "qauth.env",
		Validity: "1h",
		Log:      LogConfig{Env: "dev", Level: "warn"},
	}
}

// loadConfig reads path over the defaults. A missing file is only an
// error when the path was given explicitly.
func loadConfig(path string, explicit bool) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) requireIssuer() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("issuer is required (--issuer or config file)")
	}
	if len(c.Audience) == 0 {
		return fmt.Errorf("audience is required (--audience or config file)")
	}
	return nil
}
