// Package config provides the configuration schema and loader for the plab
// practice tool.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to its slog level. Unrecognised or empty levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for plab.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Live     LiveConfig      `yaml:"live"`
	Audio    AudioConfig     `yaml:"audio"`
	Personas []PersonaConfig `yaml:"personas"`
}

// ServerConfig holds logging and observability settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the Prometheus metrics endpoint listens
	// on (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LiveConfig configures the Gemini Live connection.
type LiveConfig struct {
	// APIKeyEnv names the environment variable holding the API key.
	// Defaults to GEMINI_API_KEY. The key itself never appears in the file.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the WebSocket endpoint. Empty uses the production
	// endpoint.
	BaseURL string `yaml:"base_url"`

	// Model overrides the model name. Empty uses the provider default.
	Model string `yaml:"model"`

	// Voice is the default speaking voice for personas that do not set one.
	Voice string `yaml:"voice"`
}

// DefaultAPIKeyEnv is the environment variable consulted when
// live.api_key_env is not set.
const DefaultAPIKeyEnv = "GEMINI_API_KEY"

// APIKey resolves the API key from the configured environment variable.
func (l LiveConfig) APIKey() (string, error) {
	env := l.APIKeyEnv
	if env == "" {
		env = DefaultAPIKeyEnv
	}
	key := os.Getenv(env)
	if key == "" {
		return "", fmt.Errorf("config: environment variable %s is not set", env)
	}
	return key, nil
}

// AudioConfig holds local audio device settings.
type AudioConfig struct {
	// InputBlockSize is the number of samples read from the microphone per
	// block. Zero uses the capture package default.
	InputBlockSize int `yaml:"input_block_size"`
}

// PersonaConfig describes one courtroom counterpart the user can argue
// against: a judge, opposing counsel, or panel member.
type PersonaConfig struct {
	// Name identifies the persona for selection on the command line.
	Name string `yaml:"name"`

	// Voice overrides the default speaking voice for this persona.
	Voice string `yaml:"voice"`

	// Instructions is the inline system instruction text. Mutually exclusive
	// with File.
	Instructions string `yaml:"instructions"`

	// File is a path to a text file holding the system instruction. Mutually
	// exclusive with Instructions.
	File string `yaml:"file"`
}

// Load returns the persona's instruction text, reading File when set.
func (p PersonaConfig) Load() (string, error) {
	if p.File == "" {
		return p.Instructions, nil
	}
	data, err := os.ReadFile(p.File)
	if err != nil {
		return "", fmt.Errorf("config: persona %q: read instructions: %w", p.Name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Persona looks up a persona by name. When name is empty and exactly one
// persona is configured, that persona is returned.
func (c *Config) Persona(name string) (PersonaConfig, error) {
	if name == "" {
		if len(c.Personas) == 1 {
			return c.Personas[0], nil
		}
		return PersonaConfig{}, fmt.Errorf("config: %d personas configured, select one with -persona", len(c.Personas))
	}
	for _, p := range c.Personas {
		if p.Name == name {
			return p, nil
		}
	}
	return PersonaConfig{}, fmt.Errorf("config: persona %q is not configured", name)
}
