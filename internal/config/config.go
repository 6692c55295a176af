// Package config handles Gymbro configuration loading.
//
// Configuration comes from an optional YAML file followed by GYMBRO_*
// environment overrides. The resulting [Config] is built once at startup
// and handed to constructors; nothing in the turn path reads the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/gymbro/config.yaml, /etc/gymbro/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gymbro", "config.yaml"))
	}

	paths = append(paths, "/etc/gymbro/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Unlike an explicit path, finding nothing is not an error: Gymbro runs
// on defaults and environment overrides alone, so "" is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all Gymbro configuration.
type Config struct {
	Ollama    OllamaConfig  `yaml:"ollama"`
	Agent     AgentConfig   `yaml:"agent"`
	Tools     ToolsConfig   `yaml:"tools"`
	Session   SessionConfig `yaml:"session"`
	Listen    ListenConfig  `yaml:"listen"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
}

// OllamaConfig defines the inference endpoint and sampling parameters.
type OllamaConfig struct {
	URL         string  `yaml:"url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	NumPredict  int     `yaml:"num_predict"`
	NumCtx      int     `yaml:"num_ctx"`

	// DialTimeoutSec is the connect deadline. ReadTimeoutSec bounds the
	// whole streamed response.
	DialTimeoutSec int `yaml:"dial_timeout_sec"`
	ReadTimeoutSec int `yaml:"read_timeout_sec"`
}

// AgentConfig controls turn orchestration.
type AgentConfig struct {
	// MaxContextMessages bounds the messages sent to the model on each
	// request, system prompt included.
	MaxContextMessages int `yaml:"max_context_messages"`

	// NativeTools selects native tool-calling mode. When false, turns are
	// routed by keyword classification and the model never sees tools.
	NativeTools bool `yaml:"native_tools"`

	// KeepToolPreamble retains any text the model produced alongside its
	// tool calls as a visible assistant message ahead of the tool results.
	// The text is always sent back to the model in the follow-up request.
	KeepToolPreamble bool `yaml:"keep_tool_preamble"`
}

// ToolsConfig defines where tools write their artifacts.
type ToolsConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// SessionConfig selects the session store backend.
type SessionConfig struct {
	// Store is "memory" (default) or "sqlite". The sqlite backend always
	// runs against a private in-memory database.
	Store string `yaml:"store"`
}

// ListenConfig defines the API server settings for "gymbro serve".
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Default returns a configuration matching the stock console app.
func Default() *Config {
	return &Config{
		Ollama: OllamaConfig{
			URL:            "http://localhost:11434",
			Model:          "llama3.2",
			Temperature:    0.4,
			NumPredict:     96,
			NumCtx:         1024,
			DialTimeoutSec: 10,
			ReadTimeoutSec: 600,
		},
		Agent: AgentConfig{
			MaxContextMessages: 6,
		},
		Tools:   ToolsConfig{OutputDir: "outputs"},
		Session: SessionConfig{Store: "memory"},
		Listen:  ListenConfig{Port: 8080},
	}
}

// Load reads configuration from a YAML file on top of [Default]. An empty
// path yields the defaults. Environment overrides are not applied here;
// see [Config.ApplyEnv].
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overlays GYMBRO_* variables read through getenv. Unset or
// empty variables leave the current value alone. Malformed numbers and
// booleans are reported rather than silently ignored.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("GYMBRO_OLLAMA_URL", &c.Ollama.URL)
	str("GYMBRO_MODEL", &c.Ollama.Model)
	str("GYMBRO_OUTPUT_DIR", &c.Tools.OutputDir)
	str("GYMBRO_SESSION_STORE", &c.Session.Store)
	str("GYMBRO_LOG_LEVEL", &c.LogLevel)

	if v := strings.TrimSpace(getenv("GYMBRO_TEMPERATURE")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GYMBRO_TEMPERATURE: %w", err)
		}
		c.Ollama.Temperature = f
	}
	if err := integer("GYMBRO_NUM_PREDICT", &c.Ollama.NumPredict); err != nil {
		return err
	}
	if err := integer("GYMBRO_NUM_CTX", &c.Ollama.NumCtx); err != nil {
		return err
	}
	if err := integer("GYMBRO_MAX_CONTEXT_MESSAGES", &c.Agent.MaxContextMessages); err != nil {
		return err
	}
	if v := strings.TrimSpace(getenv("GYMBRO_NATIVE_TOOLS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GYMBRO_NATIVE_TOOLS: %w", err)
		}
		c.Agent.NativeTools = b
	}
	return nil
}

// Validate checks the configuration for values the rest of the program
// cannot work with.
func (c *Config) Validate() error {
	if c.Ollama.URL == "" {
		return fmt.Errorf("ollama.url is required")
	}
	if c.Ollama.Model == "" {
		return fmt.Errorf("ollama.model is required")
	}
	if c.Agent.MaxContextMessages <= 0 {
		return fmt.Errorf("agent.max_context_messages must be positive, got %d", c.Agent.MaxContextMessages)
	}
	if c.Ollama.NumPredict < 0 || c.Ollama.NumCtx < 0 {
		return fmt.Errorf("ollama.num_predict and ollama.num_ctx must not be negative")
	}
	if c.Tools.OutputDir == "" {
		return fmt.Errorf("tools.output_dir is required")
	}
	switch c.Session.Store {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("session.store %q is not supported (valid: memory, sqlite)", c.Session.Store)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat)
	}
	return nil
}
