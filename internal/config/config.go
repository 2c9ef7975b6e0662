// Package config loads and persists the frontdesk configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the merged frontdesk configuration
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	LLM          LLMConfig          `json:"llm"`
	ToolServer   ToolServerConfig   `json:"toolServer"`
	Store        StoreConfig        `json:"store"`
	HTTP         HTTPConfig         `json:"http"`
	SMS          SMSConfig          `json:"sms"`
	Voice        VoiceConfig        `json:"voice"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Conversation ConversationConfig `json:"conversation"`
}

type LoggingConfig struct {
	Level string `json:"level"` // "trace", "debug", "info", "warn", "error"
}

type LLMConfig struct {
	APIKey         string `json:"apiKey"`
	Model          string `json:"model"`
	BaseURL        string `json:"baseURL"` // For OpenAI-compatible endpoints
	MaxTokens      int    `json:"maxTokens"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type ToolServerConfig struct {
	BaseURL        string `json:"baseURL"`
	APIKey         string `json:"apiKey"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type StoreConfig struct {
	Path string `json:"path"` // SQLite database file
}

type HTTPConfig struct {
	Listen string `json:"listen"` // e.g. ":8820"
}

type SMSConfig struct {
	FromNumber string `json:"fromNumber"` // E.164 sender number
	MaxLength  int    `json:"maxLength"`  // Outbound reply cap (default 320, two segments)

	// Provider REST credentials for outbound sends (follow-ups).
	AccountSID string `json:"accountSid"`
	AuthToken  string `json:"authToken"`
	APIURL     string `json:"apiUrl"`
}

type VoiceConfig struct {
	UpstreamURL    string `json:"upstreamURL"` // Streaming voice service endpoint
	APIKey         string `json:"apiKey"`
	Voice          string `json:"voice"`    // Upstream voice id
	Greeting       string `json:"greeting"` // Initial greeting prompt
	HandoffNumber  string `json:"handoffNumber"`
	TimeoutSeconds int    `json:"timeoutSeconds"` // Upstream handshake timeout
}

type DispatchConfig struct {
	SweepSeconds int `json:"sweepSeconds"` // Interval for the pending-message sweep
	DelayMinutes int `json:"delayMinutes"` // Default follow-up delay
}

type ConversationConfig struct {
	TTLMinutes   int `json:"ttlMinutes"`   // Idle eviction
	HistoryTurns int `json:"historyTurns"` // Kept turns after the system preamble
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		LLM: LLMConfig{
			Model:          "gpt-4o",
			MaxTokens:      1024,
			TimeoutSeconds: 60,
		},
		ToolServer: ToolServerConfig{
			TimeoutSeconds: 20,
		},
		Store: StoreConfig{Path: defaultStorePath()},
		HTTP:  HTTPConfig{Listen: ":8820"},
		SMS:   SMSConfig{MaxLength: 320},
		Voice: VoiceConfig{
			Voice:          "alloy",
			Greeting:       "Greet the caller warmly and ask how you can help.",
			TimeoutSeconds: 15,
		},
		Dispatch: DispatchConfig{
			SweepSeconds: 60,
			DelayMinutes: 5,
		},
		Conversation: ConversationConfig{
			TTLMinutes:   120,
			HistoryTurns: 18,
		},
	}
}

// Load reads configuration from the given path, applying defaults for
// anything left unset. A missing file is not an error - defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the config atomically to path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	return AtomicWriteJSON(path, c, 0600)
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".frontdesk", "frontdesk.json")
}

func defaultStorePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".frontdesk", "frontdesk.db")
}
