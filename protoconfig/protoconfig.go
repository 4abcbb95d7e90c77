// Package protoconfig loads the ambient, non-domain settings for a
// protocol-core process: the websocket listen address, the init-gate
// timeout, the default extension send timeout, and a log level. Modeled
// on the teacher's config.Load(opts ...LoaderOptions) environment-layered
// shape (config/loader.go), trimmed to this module's much smaller
// settings surface — no blockchain/DID/keystore sections survive, since
// nothing in this repo has a domain need for them (see DESIGN.md).
package protoconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of ambient settings a protocol-core process
// reads at startup.
type Config struct {
	Environment string        `yaml:"environment"`
	Listen      string        `yaml:"listen"`
	InitTimeout time.Duration `yaml:"initTimeoutMs"`
	SendTimeout time.Duration `yaml:"timeoutMs"`
	LogLevel    string        `yaml:"logLevel"`
}

func defaults() Config {
	return Config{
		Listen:      ":8080",
		InitTimeout: 5000 * time.Millisecond,
		SendTimeout: 2000 * time.Millisecond,
		LogLevel:    "INFO",
	}
}

// rawConfig mirrors Config but with millisecond integer fields, since
// the YAML documents carry `initTimeoutMs`/`timeoutMs` as plain numbers
// rather than Go duration strings.
type rawConfig struct {
	Environment string `yaml:"environment"`
	Listen      string `yaml:"listen"`
	InitTimeoutMs int64 `yaml:"initTimeoutMs"`
	TimeoutMs     int64 `yaml:"timeoutMs"`
	LogLevel      string `yaml:"logLevel"`
}

// LoaderOptions configures Load.
type LoaderOptions struct {
	// ConfigDir is the directory containing config files (default: "config").
	ConfigDir string
	// Environment overrides PROTOCOL_ENV detection.
	Environment string
}

// Load reads config/<env>.yaml, falling back to config/default.yaml, and
// layers PROTOCOL_ENV-driven environment selection the same way the
// teacher's Load does for SAGE_ENV (config/env.go, config/loader.go).
// A missing config directory is not an error: Load returns defaults.
func Load(opts ...LoaderOptions) (*Config, error) {
	var options LoaderOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	dir := options.ConfigDir
	if dir == "" {
		dir = "config"
	}
	env := options.Environment
	if env == "" {
		env = Environment()
	}

	cfg := defaults()
	cfg.Environment = env

	raw, err := loadFile(filepath.Join(dir, env+".yaml"))
	if err != nil {
		raw, err = loadFile(filepath.Join(dir, "default.yaml"))
	}
	if err == nil {
		applyRaw(&cfg, raw)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func loadFile(path string) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("protoconfig: parse %s: %w", path, err)
	}
	return &raw, nil
}

func applyRaw(cfg *Config, raw *rawConfig) {
	if raw.Environment != "" {
		cfg.Environment = raw.Environment
	}
	if raw.Listen != "" {
		cfg.Listen = raw.Listen
	}
	if raw.InitTimeoutMs > 0 {
		cfg.InitTimeout = time.Duration(raw.InitTimeoutMs) * time.Millisecond
	}
	if raw.TimeoutMs > 0 {
		cfg.SendTimeout = time.Duration(raw.TimeoutMs) * time.Millisecond
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
}

// applyEnvOverrides mirrors the teacher's highest-priority environment
// variable layer (config/loader.go applyEnvironmentOverrides), scoped to
// this module's settings.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROTOCOL_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PROTOCOL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Environment reports PROTOCOL_ENV, defaulting to "development" (mirrors
// config/env.go's GetEnvironment default).
func Environment() string {
	if v := os.Getenv("PROTOCOL_ENV"); v != "" {
		return v
	}
	return "development"
}
