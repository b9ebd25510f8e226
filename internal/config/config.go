// Package config loads application configuration from a yaml file with
// ${VAR} expansion, after seeding the environment from a .env file if
// one is present.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration shared by the controller,
// participant and relay server processes.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Transport   TransportConfig   `yaml:"transport"`
	Relay       RelayConfig       `yaml:"relay"`
	Light       LightConfig       `yaml:"light"`
	Storage     StorageConfig     `yaml:"storage"`
	RelayServer RelayServerConfig `yaml:"relay_server"`

	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// TransportConfig contains peer transport settings.
type TransportConfig struct {
	ICEServers    []string `yaml:"ice_servers"`
	GatherTimeout Duration `yaml:"gather_timeout"`
}

// RelayConfig contains handshake relay client settings.
type RelayConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Prefix       string   `yaml:"prefix"`
	PollInterval Duration `yaml:"poll_interval"`
	Timeout      Duration `yaml:"timeout"`
}

// LightConfig contains light API settings.
type LightConfig struct {
	Endpoint string   `yaml:"endpoint"`
	APIKey   string   `yaml:"api_key"`
	Timeout  Duration `yaml:"timeout"`
}

// StorageConfig contains settings persistence options. An empty path
// keeps settings in memory only.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RelayServerConfig contains settings for the signald process.
type RelayServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Prefix string `yaml:"prefix"`
	// Path enables sqlite-backed storage; empty keeps offers and
	// answers in memory.
	Path string `yaml:"path"`
}

// Duration is a wrapper around time.Duration for yaml unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads the configuration file at path. A missing file yields
// pure defaults. Values in the file may reference environment
// variables as ${VAR} or ${VAR:default}; a .env file, if present, is
// loaded first and does not overwrite existing variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Transport.GatherTimeout == 0 {
		cfg.Transport.GatherTimeout = Duration(10 * time.Second)
	}
	if cfg.Relay.Prefix == "" {
		cfg.Relay.Prefix = "sig"
	}
	if cfg.Relay.PollInterval == 0 {
		cfg.Relay.PollInterval = Duration(3 * time.Second)
	}
	if cfg.Relay.Timeout == 0 {
		cfg.Relay.Timeout = Duration(10 * time.Second)
	}
	if cfg.Light.Timeout == 0 {
		cfg.Light.Timeout = Duration(5 * time.Second)
	}
	if cfg.RelayServer.Host == "" {
		cfg.RelayServer.Host = "0.0.0.0"
	}
	if cfg.RelayServer.Port == 0 {
		cfg.RelayServer.Port = 8000
	}
	if cfg.RelayServer.Prefix == "" {
		cfg.RelayServer.Prefix = "sig"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// expandEnvVars expands ${VAR} and ${VAR:default} references.
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
