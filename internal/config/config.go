// Package config handles chatrelay configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied when the corresponding field is unset.
const (
	DefaultMaxHistory     = 20
	DefaultModel          = "deepseek-r1-distill-llama-70b"
	DefaultMaxTokens      = 1000
	DefaultTemperature    = 0.7
	DefaultTimeoutSec     = 60
	DefaultHealthCheckSec = 60
	DefaultGroqBaseURL    = "https://api.groq.com/openai/v1"
	DefaultOllamaURL      = "http://localhost:11434"
	DefaultPrivatePrefix  = "?"
	DefaultHandleTimeout  = 120
	DefaultTranscriptBase = "transcripts"
	DefaultMQTTBaseTopic  = "chatrelay"
	DefaultMQTTInterval   = 60
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/chatrelay/config.yaml,
// /etc/chatrelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chatrelay", "config.yaml"))
	}

	paths = append(paths, "/etc/chatrelay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// LoadDotEnv loads KEY=value pairs from path into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Config holds all chatrelay configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Discord    DiscordConfig    `yaml:"discord"`
	Completion CompletionConfig `yaml:"completion"`
	Groq       GroqConfig       `yaml:"groq"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Usage      UsageConfig      `yaml:"usage"`
	MQTT       MQTTConfig       `yaml:"mqtt"`

	// Directive is the system message placed at the head of every
	// transcript. DirectiveFile, when set, takes precedence and is read
	// at startup. When both are empty the embedded default persona is used.
	Directive     string `yaml:"directive"`
	DirectiveFile string `yaml:"directive_file"`

	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
	// LogFile receives a copy of the serve log. Relative paths are
	// resolved against DataDir. Empty logs to stdout only.
	LogFile string `yaml:"log_file"`
}

// ListenConfig defines the HTTP API server. Port 0 disables it.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// MaxConns caps simultaneous API connections. 0 means unbounded.
	MaxConns int `yaml:"max_conns"`
}

// DiscordConfig defines the Discord bridge.
type DiscordConfig struct {
	Token string `yaml:"token"`
	// ChannelIDs restricts the bridge to these channels. Messages from
	// any other channel are ignored.
	ChannelIDs []string `yaml:"channel_ids"`
	// Greeting is posted to every configured channel once the gateway
	// session is ready. Empty disables it.
	Greeting string `yaml:"greeting"`
	// PrivatePrefix marks a message whose reply should go to the author
	// by direct message. The prefix is stripped before framing.
	PrivatePrefix string `yaml:"private_prefix"`
	// SharedHistory uses one transcript for all configured channels
	// instead of one transcript per channel.
	SharedHistory bool `yaml:"shared_history"`
	// RateLimit caps messages per sender per minute. 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
	// HandleTimeoutSec bounds the processing of one inbound message.
	HandleTimeoutSec int `yaml:"handle_timeout_sec"`
}

// Configured reports whether enough Discord settings are present to
// start the bridge.
func (d DiscordConfig) Configured() bool {
	return d.Token != "" && len(d.ChannelIDs) > 0
}

// HandleTimeout returns the per-message processing bound.
func (d DiscordConfig) HandleTimeout() time.Duration {
	return time.Duration(d.HandleTimeoutSec) * time.Second
}

// CompletionConfig is the fixed request configuration for the
// completion API.
type CompletionConfig struct {
	Provider    string   `yaml:"provider"` // groq or ollama
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"` // nil = DefaultTemperature
	TimeoutSec  int      `yaml:"timeout_sec"`
	// HealthCheckSec is the provider probe interval while it is up.
	// Negative disables the probe.
	HealthCheckSec int `yaml:"health_check_sec"`
}

// TemperatureValue returns the configured temperature, or
// DefaultTemperature when unset.
func (c CompletionConfig) TemperatureValue() float64 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}

// HealthCheckInterval returns the provider probe interval, or 0 when
// probing is disabled.
func (c CompletionConfig) HealthCheckInterval() time.Duration {
	if c.HealthCheckSec < 0 {
		return 0
	}
	return time.Duration(c.HealthCheckSec) * time.Second
}

// Timeout returns the completion timeout as a duration.
func (c CompletionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// GroqConfig defines the OpenAI-compatible Groq endpoint.
type GroqConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OllamaConfig defines a local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// TranscriptConfig controls transcript retention and persistence.
type TranscriptConfig struct {
	// Backend is "file" (one JSON document per conversation) or
	// "sqlite" (documents kept in the operational state database).
	Backend string `yaml:"backend"`
	// Dir holds the JSON files for the file backend. Relative paths are
	// resolved against DataDir.
	Dir        string `yaml:"dir"`
	MaxHistory int    `yaml:"max_history"`
	// RetractFailedTurns removes the user turn from the transcript when
	// the completion call fails. By default the turn is kept.
	RetractFailedTurns bool `yaml:"retract_failed_turns"`
}

// UsageConfig controls the token usage ledger.
type UsageConfig struct {
	Enabled bool                    `yaml:"enabled"`
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// MQTTConfig defines the optional MQTT bridge. It publishes availability,
// periodic state and operational events, and can accept utterances.
type MQTTConfig struct {
	// Broker is the broker URL (mqtt://, mqtts://, tcp://, ssl://, ws://
	// or wss://). Empty disables the bridge.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID defaults to "chatrelay-" plus the persisted instance ID.
	ClientID string `yaml:"client_id"`
	// BaseTopic prefixes every topic the bridge uses.
	BaseTopic          string `yaml:"base_topic"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
	// PublishEvents forwards every operational event to
	// <base_topic>/events/<kind>.
	PublishEvents bool `yaml:"publish_events"`
	// Inbound subscribes to <base_topic>/utterances/+ and publishes
	// replies to <base_topic>/replies/<conversation>.
	Inbound bool `yaml:"inbound"`
	// RateLimit caps inbound utterances per minute. 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// PricingEntry is the USD price per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing, and defaults are
// applied to unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied and no
// credentials.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Completion.Provider == "" {
		c.Completion.Provider = "groq"
	}
	if c.Completion.Model == "" {
		c.Completion.Model = DefaultModel
	}
	if c.Completion.MaxTokens == 0 {
		c.Completion.MaxTokens = DefaultMaxTokens
	}
	if c.Completion.Temperature == nil {
		t := DefaultTemperature
		c.Completion.Temperature = &t
	}
	if c.Completion.TimeoutSec == 0 {
		c.Completion.TimeoutSec = DefaultTimeoutSec
	}
	if c.Completion.HealthCheckSec == 0 {
		c.Completion.HealthCheckSec = DefaultHealthCheckSec
	}
	if c.Groq.APIKey == "" {
		c.Groq.APIKey = os.Getenv("GROQ_API_KEY")
	}
	if c.Groq.BaseURL == "" {
		c.Groq.BaseURL = DefaultGroqBaseURL
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = DefaultOllamaURL
	}
	if c.Discord.Token == "" {
		c.Discord.Token = os.Getenv("DISCORD_TOKEN")
	}
	if c.Discord.PrivatePrefix == "" {
		c.Discord.PrivatePrefix = DefaultPrivatePrefix
	}
	if c.Discord.HandleTimeoutSec == 0 {
		c.Discord.HandleTimeoutSec = DefaultHandleTimeout
	}
	if c.Transcript.Backend == "" {
		c.Transcript.Backend = "file"
	}
	if c.Transcript.Dir == "" {
		c.Transcript.Dir = DefaultTranscriptBase
	}
	if c.Transcript.MaxHistory == 0 {
		c.Transcript.MaxHistory = DefaultMaxHistory
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = DefaultMQTTBaseTopic
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = DefaultMQTTInterval
	}
}

// TranscriptDir returns the transcript directory, resolved against
// DataDir when relative.
func (c *Config) TranscriptDir() string {
	if filepath.IsAbs(c.Transcript.Dir) {
		return c.Transcript.Dir
	}
	return filepath.Join(c.DataDir, c.Transcript.Dir)
}

// LogFilePath returns the log file path, resolved against DataDir when
// relative, or "" when file logging is off.
func (c *Config) LogFilePath() string {
	if c.LogFile == "" || filepath.IsAbs(c.LogFile) {
		return c.LogFile
	}
	return filepath.Join(c.DataDir, c.LogFile)
}

// DBPath returns the path of a SQLite database inside DataDir.
func (c *Config) DBPath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Completion.Provider {
	case "groq":
		if c.Groq.APIKey == "" {
			errs = append(errs, errors.New("groq.api_key is required (or set GROQ_API_KEY)"))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("completion.provider %q is not one of groq, ollama", c.Completion.Provider))
	}
	if c.Completion.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("completion.max_tokens must be positive, got %d", c.Completion.MaxTokens))
	}
	if t := c.Completion.TemperatureValue(); t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("completion.temperature must be within [0, 2], got %g", t))
	}
	if c.Completion.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("completion.timeout_sec must be positive, got %d", c.Completion.TimeoutSec))
	}
	if c.Transcript.MaxHistory < 1 {
		errs = append(errs, fmt.Errorf("transcript.max_history must be at least 1, got %d", c.Transcript.MaxHistory))
	}
	switch c.Transcript.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("transcript.backend %q is not one of file, sqlite", c.Transcript.Backend))
	}
	if c.Discord.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("discord.rate_limit must not be negative, got %d", c.Discord.RateLimit))
	}
	for _, id := range c.Discord.ChannelIDs {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, errors.New("discord.channel_ids contains an empty entry"))
			break
		}
	}
	if c.MQTT.Configured() {
		if u, err := url.Parse(c.MQTT.Broker); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		} else {
			switch u.Scheme {
			case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
			default:
				errs = append(errs, fmt.Errorf("mqtt.broker scheme %q is not one of mqtt, mqtts, tcp, ssl, ws, wss", u.Scheme))
			}
		}
		if c.MQTT.PublishIntervalSec < 0 {
			errs = append(errs, fmt.Errorf("mqtt.publish_interval_sec must be positive, got %d", c.MQTT.PublishIntervalSec))
		}
		if c.MQTT.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("mqtt.rate_limit must not be negative, got %d", c.MQTT.RateLimit))
		}
		if strings.Trim(c.MQTT.BaseTopic, "/") == "" || strings.ContainsAny(c.MQTT.BaseTopic, "+#") {
			errs = append(errs, fmt.Errorf("mqtt.base_topic %q is not a valid topic prefix", c.MQTT.BaseTopic))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of text, json", c.LogFormat))
	}

	return errors.Join(errs...)
}
