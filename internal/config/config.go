package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultName                 = "Yuno"
	DefaultBaseDescription      = "You are Yuno, a helpful AI assistant in a Discord server. Be friendly, conversational, and helpful."
	DefaultModel                = "mistralai/mistral-medium-3.1"
	DefaultSummaryModel         = "mistralai/mistral-small-3.1"
	DefaultBaseURL              = "https://openrouter.ai/api/v1"
	DefaultMaxResponseTokens    = 500
	DefaultTemperature          = 0.7
	DefaultMemoryLimit          = 30
	DefaultParentMemoryLimit    = 50
	DefaultCompressionThreshold = 20
	DefaultCommandPrefix        = "!"
	DefaultHost                 = "0.0.0.0"
	DefaultPort                 = 5000
	DefaultStorageBackend       = "memory"
	DefaultRedisPrefix          = "yuno"
	FileName                    = "yuno_config.json"
)

var ErrInvalidConfig = goerr.New("invalid configuration")

// Config mirrors yuno_config.json. The personality sections seed the
// runtime state; provider, channels, gateway, storage, state and log
// configure the process.
type Config struct {
	Personality          Persona                `json:"personality" yaml:"personality"`
	PermanentMemories    []string               `json:"permanent_memories" yaml:"permanent_memories"`
	UserSpecificMemories UserMemories           `json:"user_specific_memories" yaml:"user_specific_memories"`
	FamilyTree           FamilyTree             `json:"family_tree" yaml:"family_tree"`
	ImportantDates       ImportantDates         `json:"important_dates" yaml:"important_dates"`
	PersonalitySystem    PersonalitySystem      `json:"personality_system" yaml:"personality_system"`
	MemoryHighlights     map[string][]Highlight `json:"memory_highlights,omitempty" yaml:"memory_highlights,omitempty"`
	Settings             Settings               `json:"settings" yaml:"settings"`

	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	State    StateConfig    `json:"state" yaml:"state"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type Persona struct {
	Name            string        `json:"name" yaml:"name"`
	BaseDescription string        `json:"base_description" yaml:"base_description"`
	Traits          []string      `json:"traits" yaml:"traits"`
	ResponseStyle   ResponseStyle `json:"response_style" yaml:"response_style"`
}

type ResponseStyle struct {
	Tone       string `json:"tone,omitempty" yaml:"tone,omitempty"`
	Length     string `json:"length,omitempty" yaml:"length,omitempty"`
	EmojiUsage string `json:"emoji_usage,omitempty" yaml:"emoji_usage,omitempty"`
}

type UserMemories struct {
	MotherUserID   FlexID   `json:"mother_user_id,omitempty" yaml:"mother_user_id,omitempty"`
	FatherUserID   FlexID   `json:"father_user_id,omitempty" yaml:"father_user_id,omitempty"`
	MotherMemories []string `json:"mother_memories,omitempty" yaml:"mother_memories,omitempty"`
	FatherMemories []string `json:"father_memories,omitempty" yaml:"father_memories,omitempty"`
}

type FamilyTree struct {
	MotherUserID       FlexID                  `json:"mother_user_id,omitempty" yaml:"mother_user_id,omitempty"`
	FatherUserID       FlexID                  `json:"father_user_id,omitempty" yaml:"father_user_id,omitempty"`
	ExtendedFamily     map[string]FamilyMember `json:"extended_family,omitempty" yaml:"extended_family,omitempty"`
	RelationshipStyles map[string]string       `json:"relationship_styles,omitempty" yaml:"relationship_styles,omitempty"`
}

type FamilyMember struct {
	Relationship string `json:"relationship" yaml:"relationship"`
	AddedBy      string `json:"added_by,omitempty" yaml:"added_by,omitempty"`
}

// ImportantDates maps names to MM-DD dates.
type ImportantDates struct {
	Birthdays        map[string]string `json:"birthdays,omitempty" yaml:"birthdays,omitempty"`
	Anniversaries    map[string]string `json:"anniversaries,omitempty" yaml:"anniversaries,omitempty"`
	SpecialOccasions map[string]string `json:"special_occasions,omitempty" yaml:"special_occasions,omitempty"`
}

type PersonalitySystem struct {
	CurrentMood          string                          `json:"current_mood,omitempty" yaml:"current_mood,omitempty"`
	BaseTraits           []string                        `json:"base_traits,omitempty" yaml:"base_traits,omitempty"`
	LearnedTraits        []string                        `json:"learned_traits,omitempty" yaml:"learned_traits,omitempty"`
	Interests            []string                        `json:"interests,omitempty" yaml:"interests,omitempty"`
	ConversationPatterns map[string]*ConversationPattern `json:"conversation_patterns,omitempty" yaml:"conversation_patterns,omitempty"`
}

type ConversationPattern struct {
	Topics           map[string]int  `json:"topics" yaml:"topics"`
	EmotionalHistory []EmotionRecord `json:"emotional_history" yaml:"emotional_history"`
}

type EmotionRecord struct {
	Tone      string `json:"tone" yaml:"tone"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

type Highlight struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	UserID    string `json:"user_id" yaml:"user_id"`
	Content   string `json:"content" yaml:"content"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Type      string `json:"type" yaml:"type"`
}

type Settings struct {
	Model                        string  `json:"model,omitempty" yaml:"model,omitempty"`
	MaxResponseTokens            int     `json:"max_response_tokens" yaml:"max_response_tokens"`
	Temperature                  float64 `json:"temperature" yaml:"temperature"`
	MemoryLimit                  int     `json:"memory_limit" yaml:"memory_limit"`
	ParentMemoryLimit            int     `json:"parent_memory_limit" yaml:"parent_memory_limit"`
	CompressionThreshold         int     `json:"compression_threshold" yaml:"compression_threshold"`
	SummaryModel                 string  `json:"summary_model" yaml:"summary_model"`
	CommandPrefix                string  `json:"command_prefix,omitempty" yaml:"command_prefix,omitempty"`
	EmotionalIntelligenceEnabled bool    `json:"emotional_intelligence_enabled" yaml:"emotional_intelligence_enabled"`
	CelebrationEnabled           bool    `json:"celebration_enabled" yaml:"celebration_enabled"`
	ParentPingEnabled            bool    `json:"parent_ping_enabled" yaml:"parent_ping_enabled"`
	MoodSystemEnabled            bool    `json:"mood_system_enabled" yaml:"mood_system_enabled"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token,omitempty" yaml:"token,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty" yaml:"allow_from,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token,omitempty" yaml:"token,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty" yaml:"allow_from,omitempty"`
	Proxy     string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

type StorageConfig struct {
	Backend     string `json:"backend" yaml:"backend"`
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	RedisURL    string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty" yaml:"redis_prefix,omitempty"`
}

type StateConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Personality: Persona{
			Name:            DefaultName,
			BaseDescription: DefaultBaseDescription,
			Traits:          []string{"Friendly", "Helpful", "Conversational"},
			ResponseStyle: ResponseStyle{
				Tone:       "friendly",
				Length:     "concise",
				EmojiUsage: "minimal",
			},
		},
		PermanentMemories: []string{"You are an AI assistant named Yuno"},
		PersonalitySystem: PersonalitySystem{
			CurrentMood: "cheerful",
		},
		Settings: Settings{
			Model:                        DefaultModel,
			MaxResponseTokens:            DefaultMaxResponseTokens,
			Temperature:                  DefaultTemperature,
			MemoryLimit:                  DefaultMemoryLimit,
			ParentMemoryLimit:            DefaultParentMemoryLimit,
			CompressionThreshold:         DefaultCompressionThreshold,
			SummaryModel:                 DefaultSummaryModel,
			CommandPrefix:                DefaultCommandPrefix,
			EmotionalIntelligenceEnabled: true,
			CelebrationEnabled:           true,
			ParentPingEnabled:            true,
			MoodSystemEnabled:            true,
		},
		Provider: ProviderConfig{
			BaseURL: DefaultBaseURL,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{Enabled: true},
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Storage: StorageConfig{
			Backend:     DefaultStorageBackend,
			SQLitePath:  filepath.Join(ConfigDir(), "memory.db"),
			RedisPrefix: DefaultRedisPrefix,
		},
		State: StateConfig{
			Path: filepath.Join(ConfigDir(), "personality_state.json"),
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("YUNO_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".yuno")
}

// ConfigPath resolves the config file: $YUNO_CONFIG, then yuno_config.json
// in the working directory, then the one under ConfigDir.
func ConfigPath() string {
	if p := os.Getenv("YUNO_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(FileName); err == nil {
		return FileName
	}
	return filepath.Join(ConfigDir(), FileName)
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults
// and applies environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, goerr.Wrap(err, "read config", goerr.V("path", path))
		}
	} else if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	applyFallbacks(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return goerr.Wrap(ErrInvalidConfig, "parse yaml config", goerr.V("path", path), goerr.V("cause", err.Error()))
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return goerr.Wrap(ErrInvalidConfig, "parse json config", goerr.V("path", path), goerr.V("cause", err.Error()))
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		cfg.Channels.Discord.Token = token
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if token := os.Getenv("YUNO_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if url := os.Getenv("YUNO_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("YUNO_MODEL"); model != "" {
		cfg.Settings.Model = model
	}
	if backend := os.Getenv("YUNO_STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Storage.RedisURL = url
	}
	if path := os.Getenv("YUNO_SQLITE_PATH"); path != "" {
		cfg.Storage.SQLitePath = path
	}
	if path := os.Getenv("YUNO_STATE_PATH"); path != "" {
		cfg.State.Path = path
	}
	if port := os.Getenv("PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if level := os.Getenv("YUNO_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("YUNO_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
}

func applyFallbacks(cfg *Config) {
	def := DefaultConfig()
	if cfg.Personality.Name == "" {
		cfg.Personality.Name = def.Personality.Name
	}
	if cfg.Personality.BaseDescription == "" {
		cfg.Personality.BaseDescription = def.Personality.BaseDescription
	}
	if cfg.Settings.Model == "" {
		cfg.Settings.Model = DefaultModel
	}
	if cfg.Settings.SummaryModel == "" {
		cfg.Settings.SummaryModel = DefaultSummaryModel
	}
	if cfg.Settings.CommandPrefix == "" {
		cfg.Settings.CommandPrefix = DefaultCommandPrefix
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = DefaultBaseURL
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.RedisPrefix == "" {
		cfg.Storage.RedisPrefix = DefaultRedisPrefix
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = def.Storage.SQLitePath
	}
	if cfg.State.Path == "" {
		cfg.State.Path = def.State.Path
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}
}

// Validate rejects settings the memory policy cannot work with.
func (c *Config) Validate() error {
	s := c.Settings
	switch {
	case s.MemoryLimit <= 0:
		return goerr.Wrap(ErrInvalidConfig, "memory_limit must be positive", goerr.V("memory_limit", s.MemoryLimit))
	case s.ParentMemoryLimit <= 0:
		return goerr.Wrap(ErrInvalidConfig, "parent_memory_limit must be positive", goerr.V("parent_memory_limit", s.ParentMemoryLimit))
	case s.CompressionThreshold < 0:
		return goerr.Wrap(ErrInvalidConfig, "compression_threshold must not be negative", goerr.V("compression_threshold", s.CompressionThreshold))
	case s.MaxResponseTokens <= 0:
		return goerr.Wrap(ErrInvalidConfig, "max_response_tokens must be positive", goerr.V("max_response_tokens", s.MaxResponseTokens))
	}

	switch c.Storage.Backend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return goerr.Wrap(ErrInvalidConfig, "unknown storage backend", goerr.V("backend", c.Storage.Backend))
	}
	return nil
}

// SaveConfig writes cfg to path as indented JSON.
func SaveConfig(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return goerr.Wrap(err, "create config dir", goerr.V("dir", dir))
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "marshal config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return goerr.Wrap(err, "write config", goerr.V("path", path))
	}
	return nil
}
