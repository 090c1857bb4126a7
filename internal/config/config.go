// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/llmui/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete llmui configuration.
type Config struct {
	Server      ServerConfig     `toml:"server" json:"server"`
	Ollama      OllamaConfig     `toml:"ollama" json:"ollama"`
	Context     ContextConfig    `toml:"context" json:"context"`
	Attachments AttachmentConfig `toml:"attachments" json:"attachments"`
	Log         LogConfig        `toml:"log" json:"log"`
	UI          UIConfig         `toml:"ui" json:"ui"`

	// Warnings collects non-fatal problems found while loading, such as
	// environment values that were ignored.
	Warnings []string `toml:"-" json:"-"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	BindAddress    string   `toml:"bind_address" json:"bind_address"`
	Port           int      `toml:"port" json:"port"`
	RateLimit      float64  `toml:"rate_limit" json:"rate_limit"` // requests per second per client, 0 = off
	RateBurst      int      `toml:"rate_burst" json:"rate_burst"`
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies"` // IPs or CIDRs allowed to set X-Forwarded-For
}

// OllamaConfig contains the backend connection settings.
type OllamaConfig struct {
	URL          string   `toml:"url" json:"url"`
	Timeout      Duration `toml:"timeout" json:"timeout"` // non-streaming calls only
	DefaultModel string   `toml:"default_model" json:"default_model"`
}

// ContextConfig controls per-client conversation history.
type ContextConfig struct {
	Identity      string   `toml:"identity" json:"identity"` // "ip" or "cookie"
	MaxMessages   int      `toml:"max_messages" json:"max_messages"`
	IdleTTL       Duration `toml:"idle_ttl" json:"idle_ttl"`
	SweepInterval Duration `toml:"sweep_interval" json:"sweep_interval"`
}

// AttachmentConfig controls upload staging.
type AttachmentConfig struct {
	Dir         string `toml:"dir" json:"dir"`
	MaxBytes    int64  `toml:"max_bytes" json:"max_bytes"`
	MaxFiles    int    `toml:"max_files" json:"max_files"`
	SharedQueue bool   `toml:"shared_queue" json:"shared_queue"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`   // debug, info, warn, error
	Format string `toml:"format" json:"format"` // console, json
}

// UIConfig contains web page settings.
type UIConfig struct {
	Title     string `toml:"title" json:"title"`
	CodeStyle string `toml:"code_style" json:"code_style"` // chroma style name
}

// Identity modes for ContextConfig.Identity.
const (
	IdentityIP     = "ip"
	IdentityCookie = "cookie"
)

// Duration is a time.Duration read from strings such as "90s" or "2h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// DefaultOllamaURL, DefaultPort and DefaultBindAddress are used when neither
// the config file nor the environment provide a usable value.
const (
	DefaultOllamaURL   = "http://127.0.0.1:11434"
	DefaultPort        = 80
	DefaultBindAddress = "0.0.0.0"
)

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress: DefaultBindAddress,
			Port:        DefaultPort,
			RateLimit:   10,
			RateBurst:   20,
		},
		Ollama: OllamaConfig{
			URL:     DefaultOllamaURL,
			Timeout: Duration{30 * time.Second},
		},
		Context: ContextConfig{
			Identity:      IdentityIP,
			MaxMessages:   100,
			IdleTTL:       Duration{2 * time.Hour},
			SweepInterval: Duration{time.Minute},
		},
		Attachments: AttachmentConfig{
			Dir:      filepath.Join(os.TempDir(), "llmui-uploads"),
			MaxBytes: 20 << 20,
			MaxFiles: 8,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		UI: UIConfig{
			Title:     "Local LLM",
			CodeStyle: "github",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the llmui configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".llmui"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from path, or from the default locations when
// path is empty: ~/.llmui/config.toml, then ~/.llmui/config.json, then
// built-in defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFromPath(path)
	}

	for _, locate := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		p, err := locate()
		if err != nil {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return LoadFromPath(p)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation. Files ending in .json are read as JSON, anything else as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// LoadDotEnv loads KEY=value pairs from a .env file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// fillDefaults fills in values a file left blank.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if strings.TrimSpace(cfg.Server.BindAddress) == "" {
		cfg.Server.BindAddress = defaults.Server.BindAddress
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Ollama.URL == "" {
		cfg.Ollama.URL = defaults.Ollama.URL
	}
	if cfg.Ollama.Timeout.Duration == 0 {
		cfg.Ollama.Timeout = defaults.Ollama.Timeout
	}
	if cfg.Context.Identity == "" {
		cfg.Context.Identity = defaults.Context.Identity
	}
	if cfg.Context.SweepInterval.Duration == 0 {
		cfg.Context.SweepInterval = defaults.Context.SweepInterval
	}
	if cfg.Attachments.Dir == "" {
		cfg.Attachments.Dir = defaults.Attachments.Dir
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.UI.Title == "" {
		cfg.UI.Title = defaults.UI.Title
	}
	if cfg.UI.CodeStyle == "" {
		cfg.UI.CodeStyle = defaults.UI.CodeStyle
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration to a TOML file.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# llmui configuration file")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port %d out of range 1-65535", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.BindAddress) == "" {
		add("server.bind_address", "must not be empty")
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		add("server.rate_burst", "must be at least 1 when rate_limit is set")
	}
	for _, p := range c.Server.TrustedProxies {
		if !validProxy(p) {
			add("server.trusted_proxies", "'%s' is not an IP address or CIDR", p)
		}
	}

	// Ollama
	if err := validateURL(c.Ollama.URL); err != nil {
		add("ollama.url", "%v", err)
	}
	if c.Ollama.Timeout.Duration < 0 {
		add("ollama.timeout", "must not be negative")
	}

	// Context
	switch strings.ToLower(c.Context.Identity) {
	case IdentityIP, IdentityCookie:
	default:
		add("context.identity", "invalid identity '%s', must be one of: ip, cookie", c.Context.Identity)
	}
	if c.Context.MaxMessages < 0 {
		add("context.max_messages", "must not be negative")
	}
	if c.Context.IdleTTL.Duration < 0 {
		add("context.idle_ttl", "must not be negative")
	}
	if c.Context.SweepInterval.Duration < 0 {
		add("context.sweep_interval", "must not be negative")
	}

	// Attachments
	if c.Attachments.Dir == "" {
		add("attachments.dir", "must not be empty")
	}
	if c.Attachments.MaxBytes < 0 {
		add("attachments.max_bytes", "must not be negative")
	}
	if c.Attachments.MaxFiles < 0 {
		add("attachments.max_files", "must not be negative")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		add("log.format", "invalid format '%s', must be one of: console, json", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL '%s': %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL '%s': scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL '%s': missing host", raw)
	}
	return nil
}

func validProxy(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
// Invalid values are ignored and reported in c.Warnings.
//
// Supported environment variables:
//   - OLLAMA_SERVER: overrides ollama.url
//   - PORT: overrides server.port
//   - BIND_ADDRESS: overrides server.bind_address
//   - LLMUI_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if v, ok := lookupEnv("OLLAMA_SERVER"); ok {
		if err := validateURL(v); err != nil {
			c.warnf("Missing or invalid env variable OLLAMA_SERVER! Defaulting to %s", c.Ollama.URL)
		} else {
			c.Ollama.URL = v
		}
	}

	if v, ok := lookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			c.warnf("Missing or invalid env variable PORT! Defaulting to port %d", c.Server.Port)
		} else {
			c.Server.Port = port
		}
	}

	if v, ok := lookupEnv("BIND_ADDRESS"); ok {
		c.Server.BindAddress = v
	}

	if v, ok := lookupEnv("LLMUI_LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
}

// lookupEnv returns the trimmed value of key; blank counts as unset.
func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// =============================================================================
// HELPERS
// =============================================================================

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.BindAddress, strconv.Itoa(c.Server.Port))
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	clone.Warnings = append([]string(nil), c.Warnings...)
	return &clone
}

// String returns a string representation of the config for debugging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
