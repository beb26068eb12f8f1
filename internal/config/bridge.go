// Package config resolves bridge configuration with the precedence
// defaults < file < environment < flags.
package config

import (
	"flag"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hostbridge/hostbridge/internal/superuser"
)

// BridgeConfig holds configuration for the hostbridge process.
type BridgeConfig struct {
	ConfigFile     string             `yaml:"-"`
	LogLevel       string             `yaml:"log_level"`
	Host           string             `yaml:"host"`
	ListenAddr     string             `yaml:"listen_addr"`
	MetricsAddr    string             `yaml:"metrics_addr"`
	AllowedOrigins []string           `yaml:"allowed_origins"`
	Privileged     bool               `yaml:"privileged"`
	Superuser      []superuser.Config `yaml:"superuser"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("bridge.yaml")
	}
	if c.Superuser == nil {
		c.Superuser = superuser.DefaultConfigs()
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("HOST", ""); v != "" {
		c.Host = v
	}
	if v := GetEnv("LISTEN_ADDR", ""); v != "" {
		c.ListenAddr = v
	}
	if v := GetEnv("METRICS_ADDR", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlagsFromCurrent binds command line flags using the current config
// values as defaults.
func (c *BridgeConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.Host, "host", c.Host, "host name this bridge answers to; defaults to the machine hostname")
	flag.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "serve sessions over websocket on this address instead of stdio")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address; empty disables the status server")
	flag.BoolVar(&c.Privileged, "privileged", c.Privileged, "mark this process as already privileged")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// GetEnv reads an environment variable with a HOSTBRIDGE_ prefix,
// falling back to def when unset or empty.
func GetEnv(key, def string) string {
	if v := os.Getenv("HOSTBRIDGE_" + key); v != "" {
		return v
	}
	return def
}

// DefaultConfigPath returns the default config file path for the given
// file name (e.g. "bridge.yaml").
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	programData := os.Getenv("ProgramData")
	return ResolveConfigPath(runtime.GOOS, home, programData, name)
}

// ResolveConfigPath constructs a config file path for the given OS and
// base directories. It is mainly used in tests.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "hostbridge", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "hostbridge", name)
	default:
		return filepath.Join("/etc", "hostbridge", name)
	}
}
