// ABOUTME: Configuration loading and parsing for ollama-relay
// ABOUTME: Supports TOML or YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultPollInterval     = time.Second
	DefaultTypingInterval   = 20 * time.Second
	DefaultMaxMessageLength = 4000
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// DefaultResetCommands are the messages that clear a room's conversation.
var DefaultResetCommands = []string{"!reset", "!clear"}

// Config represents the complete ollama-relay configuration
type Config struct {
	Matrix   MatrixConfig   `toml:"matrix" yaml:"matrix"`
	Ollama   OllamaConfig   `toml:"ollama" yaml:"ollama"`
	Backends BackendsConfig `toml:"backends" yaml:"backends"`
	Bridge   BridgeConfig   `toml:"bridge" yaml:"bridge"`
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
}

// MatrixConfig holds the chat platform login
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver" yaml:"homeserver"`
	UserID      string `toml:"user_id" yaml:"user_id"`
	AccessToken string `toml:"access_token" yaml:"access_token"`
	Username    string `toml:"username" yaml:"username"`
	Password    string `toml:"password" yaml:"password"`
	Encryption  bool   `toml:"encryption" yaml:"encryption"`
	RecoveryKey string `toml:"recovery_key" yaml:"recovery_key"`
}

// OllamaConfig selects the model, the servers and the system prompt policy
type OllamaConfig struct {
	Model                 string   `toml:"model" yaml:"model"`
	Backends              []string `toml:"backends" yaml:"backends"`
	SystemMessage         string   `toml:"system_message" yaml:"system_message"`
	UseSystemMessage      bool     `toml:"use_system_message" yaml:"use_system_message"`
	UseModelSystemMessage bool     `toml:"use_model_system_message" yaml:"use_model_system_message"`
}

// BackendsConfig holds dispatcher timing
type BackendsConfig struct {
	PollInterval   time.Duration `toml:"-" yaml:"-"`
	RequestTimeout time.Duration `toml:"-" yaml:"-"` // zero means no timeout

	// Raw string values for unmarshaling
	PollIntervalRaw   string `toml:"poll_interval" yaml:"poll_interval"`
	RequestTimeoutRaw string `toml:"request_timeout" yaml:"request_timeout"`
}

// BridgeConfig controls how the Matrix bridge reacts to messages
type BridgeConfig struct {
	AllowedRooms     []string      `toml:"allowed_rooms" yaml:"allowed_rooms"`
	RequireMention   bool          `toml:"require_mention" yaml:"require_mention"`
	ResetCommands    []string      `toml:"reset_commands" yaml:"reset_commands"`
	MaxMessageLength int           `toml:"max_message_length" yaml:"max_message_length"`
	RenderMarkdown   bool          `toml:"render_markdown" yaml:"render_markdown"`
	Notice           bool          `toml:"notice" yaml:"notice"`
	TypingInterval   time.Duration `toml:"-" yaml:"-"`
	DedupeTTL        time.Duration `toml:"-" yaml:"-"`

	TypingIntervalRaw string `toml:"typing_interval" yaml:"typing_interval"`
	DedupeTTLRaw      string `toml:"dedupe_ttl" yaml:"dedupe_ttl"`
}

// DatabaseConfig holds the exchange ledger location. Empty disables the ledger.
type DatabaseConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .yaml or .yml are decoded as YAML, everything else as TOML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(expandEnvVars(string(data)), formatFor(path))
}

// Format is a config file syntax.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Parse decodes already-expanded config text, applies defaults and validates it.
func Parse(text string, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Backends.PollInterval == 0 {
		c.Backends.PollInterval = DefaultPollInterval
	}
	if c.Bridge.TypingInterval == 0 {
		c.Bridge.TypingInterval = DefaultTypingInterval
	}
	if c.Bridge.DedupeTTL == 0 {
		c.Bridge.DedupeTTL = DefaultDedupeTTL
	}
	if c.Bridge.MaxMessageLength == 0 {
		c.Bridge.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.Bridge.ResetCommands == nil {
		c.Bridge.ResetCommands = append([]string(nil), DefaultResetCommands...)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if err := checkHTTPURL(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver: %w", err)
	}
	if c.Matrix.AccessToken == "" && (c.Matrix.Username == "" || c.Matrix.Password == "") {
		return fmt.Errorf("matrix.access_token or matrix.username and matrix.password are required")
	}
	if c.Matrix.AccessToken != "" && c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required with matrix.access_token")
	}

	if c.Ollama.Model == "" {
		return fmt.Errorf("ollama.model is required")
	}
	if len(c.Ollama.Backends) == 0 {
		return fmt.Errorf("ollama.backends must list at least one server")
	}
	for i, raw := range c.Ollama.Backends {
		if err := checkHTTPURL(raw); err != nil {
			return fmt.Errorf("ollama.backends[%d]: %w", i, err)
		}
	}
	if c.Ollama.UseSystemMessage && strings.TrimSpace(c.Ollama.SystemMessage) == "" {
		return fmt.Errorf("ollama.system_message is required when use_system_message is enabled")
	}

	if c.Bridge.MaxMessageLength < 1 {
		return fmt.Errorf("bridge.max_message_length must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https scheme", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backends.poll_interval", cfg.Backends.PollIntervalRaw, &cfg.Backends.PollInterval},
		{"backends.request_timeout", cfg.Backends.RequestTimeoutRaw, &cfg.Backends.RequestTimeout},
		{"bridge.typing_interval", cfg.Bridge.TypingIntervalRaw, &cfg.Bridge.TypingInterval},
		{"bridge.dedupe_ttl", cfg.Bridge.DedupeTTLRaw, &cfg.Bridge.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
