// Package config loads relay and agent settings.
//
// Settings are resolved in three layers: built-in defaults, an optional
// YAML file, then environment variables. The environment always wins so a
// deployment can override a shared file per host.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RelayConfig holds the relay server settings.
type RelayConfig struct {
	Port           string   `yaml:"port"`
	DBPath         string   `yaml:"db_path"`
	RedisURL       string   `yaml:"redis_url"`
	SessionSecret  string   `yaml:"session_secret"`
	SessionCookie  string   `yaml:"session_cookie"`
	SessionPrefix  string   `yaml:"session_prefix"`
	SSHKeyPath     string   `yaml:"ssh_key_path"`
	DefaultAPIKey  string   `yaml:"default_api_key"`
	AuditLogPath   string   `yaml:"audit_log_path"`
	AuditQueueSize int      `yaml:"audit_queue_size"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LogLevel       string   `yaml:"log_level"`
	LogConsole     bool     `yaml:"log_console"`
}

// AgentConfig holds the node agent settings.
type AgentConfig struct {
	APIURL      string `yaml:"api_url"`
	APIKey      string `yaml:"api_key"`
	MACOverride string `yaml:"mac_override"`
	ShellAddr   string `yaml:"shell_addr"`
	LogLevel    string `yaml:"log_level"`
	LogConsole  bool   `yaml:"log_console"`
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// DefaultRelay returns the relay defaults.
func DefaultRelay() *RelayConfig {
	home, _ := os.UserHomeDir()
	return &RelayConfig{
		Port:           "3002",
		DBPath:         "data/relay.db",
		RedisURL:       "redis://localhost:6380",
		SessionSecret:  "change-me",
		SessionCookie:  "connect.sid",
		SessionPrefix:  "sess:",
		SSHKeyPath:     filepath.Join(home, ".ssh", "id_rsa"),
		AuditQueueSize: 256,
		LogLevel:       "info",
	}
}

// DefaultAgent returns the agent defaults.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		APIURL:    "http://localhost:3002",
		APIKey:    "changeme-default-api-key",
		ShellAddr: "localhost:22",
		LogLevel:  "info",
	}
}

// LoadRelay reads the relay configuration from path (optional) and the
// process environment.
func LoadRelay(path string) (*RelayConfig, error) {
	return loadRelay(path, os.LookupEnv)
}

// LoadAgent reads the agent configuration from path (optional) and the
// process environment.
func LoadAgent(path string) (*AgentConfig, error) {
	return loadAgent(path, os.LookupEnv)
}

func loadRelay(path string, lookup LookupFunc) (*RelayConfig, error) {
	cfg := DefaultRelay()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	env := envReader{lookup: lookup}
	env.str("PORT", &cfg.Port)
	env.str("DB_PATH", &cfg.DBPath)
	env.str("REDIS_URL", &cfg.RedisURL)
	env.str("SESSION_SECRET", &cfg.SessionSecret)
	env.str("SESSION_COOKIE", &cfg.SessionCookie)
	env.str("SESSION_PREFIX", &cfg.SessionPrefix)
	env.str("SSH_KEY_PATH", &cfg.SSHKeyPath)
	env.str("DEFAULT_API_KEY", &cfg.DefaultAPIKey)
	env.str("AUDIT_LOG_PATH", &cfg.AuditLogPath)
	env.integer("AUDIT_QUEUE_SIZE", &cfg.AuditQueueSize)
	env.list("ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.boolean("LOG_CONSOLE", &cfg.LogConsole)
	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadAgent(path string, lookup LookupFunc) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	env := envReader{lookup: lookup}
	env.str("API_URL", &cfg.APIURL)
	env.str("API_KEY", &cfg.APIKey)
	env.str("MAC_OVERRIDE", &cfg.MACOverride)
	env.str("SHELL_ADDR", &cfg.ShellAddr)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.boolean("LOG_CONSOLE", &cfg.LogConsole)
	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the relay settings that have no usable fallback.
func (c *RelayConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("session secret is required")
	}
	if c.SessionCookie == "" {
		return fmt.Errorf("session cookie name is required")
	}
	if c.AuditQueueSize <= 0 {
		return fmt.Errorf("audit queue size must be positive, got %d", c.AuditQueueSize)
	}
	return nil
}

// Validate checks the agent settings that have no usable fallback.
func (c *AgentConfig) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api url is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.ShellAddr == "" {
		return fmt.Errorf("shell address is required")
	}
	return nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// envReader applies environment overrides and keeps the first parse error.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok || e.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = b
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}
