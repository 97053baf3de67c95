package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	PolicyPath string          `yaml:"policy_path"`
	Store      StoreConfig     `yaml:"store"`
	Artifacts  ArtifactsConfig `yaml:"artifacts"`
	Denials    DenialsConfig   `yaml:"denials"`
	Log        LogConfig       `yaml:"log"`
	Exporter   ExporterConfig  `yaml:"exporter"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	// ToolSchemas maps a tool name to the JSON Schema file its parameters
	// must satisfy.
	ToolSchemas map[string]string `yaml:"tool_schemas"`
}

// StoreConfig selects the PDO store backend: memory, file, sqlite or
// postgres.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// DenialsConfig selects the denial registry: memory or redis.
type DenialsConfig struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ExporterConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// TelemetryConfig selects where alert metrics go: none or otlp (gRPC).
type TelemetryConfig struct {
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.Store.Driver {
	case "", "memory":
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required when store.driver=file")
		}
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.driver=%s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Denials.Driver {
	case "", "memory":
	case "redis":
		if c.Denials.RedisAddr == "" {
			return fmt.Errorf("denials.redis_addr is required when denials.driver=redis")
		}
	default:
		return fmt.Errorf("unknown denials.driver %q", c.Denials.Driver)
	}

	switch c.Telemetry.Exporter {
	case "", "none":
	case "otlp":
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry.exporter=otlp")
		}
	default:
		return fmt.Errorf("unknown telemetry.exporter %q", c.Telemetry.Exporter)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}

	for tool, path := range c.ToolSchemas {
		if tool == "" || path == "" {
			return fmt.Errorf("tool_schemas entries need a tool name and a path")
		}
	}

	return nil
}
