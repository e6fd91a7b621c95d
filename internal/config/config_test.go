package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DISCORD_TOKEN", "OPENROUTER_API_KEY", "YUNO_TELEGRAM_TOKEN", "YUNO_BASE_URL",
		"YUNO_MODEL", "YUNO_STORAGE_BACKEND", "DATABASE_URL", "REDIS_URL",
		"YUNO_SQLITE_PATH", "YUNO_STATE_PATH", "PORT", "YUNO_LOG_LEVEL", "YUNO_LOG_FORMAT",
		"YUNO_CONFIG",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("YUNO_HOME", t.TempDir())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Personality.Name != "Yuno" {
		t.Errorf("name = %q, want Yuno", cfg.Personality.Name)
	}
	s := cfg.Settings
	if s.MaxResponseTokens != 500 {
		t.Errorf("max_response_tokens = %d, want 500", s.MaxResponseTokens)
	}
	if s.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", s.Temperature)
	}
	if s.MemoryLimit != 30 || s.ParentMemoryLimit != 50 || s.CompressionThreshold != 20 {
		t.Errorf("memory limits = %d/%d/%d, want 30/50/20", s.MemoryLimit, s.ParentMemoryLimit, s.CompressionThreshold)
	}
	if s.SummaryModel != "mistralai/mistral-small-3.1" {
		t.Errorf("summary_model = %q", s.SummaryModel)
	}
	if !s.EmotionalIntelligenceEnabled || !s.CelebrationEnabled || !s.ParentPingEnabled || !s.MoodSystemEnabled {
		t.Error("feature toggles should default to enabled")
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 5000 {
		t.Errorf("gateway = %s:%d, want 0.0.0.0:5000", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("storage backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Provider.BaseURL != DefaultBaseURL {
		t.Errorf("base url = %q", cfg.Provider.BaseURL)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Settings.MemoryLimit != DefaultMemoryLimit {
		t.Errorf("memory_limit = %d, want %d", cfg.Settings.MemoryLimit, DefaultMemoryLimit)
	}
}

func TestLoadConfig_OriginalFormat(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	raw := `{
  "personality": {
    "name": "Yuno",
    "base_description": "You are Yuno, a sweet AI daughter.",
    "traits": ["Playful", "Curious"],
    "response_style": {"tone": "warm", "length": "short", "emoji_usage": "moderate"}
  },
  "permanent_memories": ["Your favorite color is purple"],
  "user_specific_memories": {
    "mother_user_id": 123456789012345678,
    "father_user_id": "987654321098765432",
    "mother_memories": ["Mom loves tea"]
  },
  "family_tree": {
    "relationship_styles": {"parent": "affectionate and respectful"},
    "extended_family": {"555": {"relationship": "cousin", "added_by": "123456789012345678"}}
  },
  "important_dates": {"birthdays": {"Mom": "03-15"}},
  "settings": {
    "max_response_tokens": 400,
    "temperature": 0.9,
    "memory_limit": 25,
    "parent_memory_limit": 60,
    "compression_threshold": 15,
    "summary_model": "mistralai/mistral-small-3.1",
    "mood_system_enabled": false
  }
}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Personality.ResponseStyle.Tone != "warm" {
		t.Errorf("tone = %q, want warm", cfg.Personality.ResponseStyle.Tone)
	}
	if got := cfg.UserSpecificMemories.MotherUserID.String(); got != "123456789012345678" {
		t.Errorf("mother id = %q, want exact digits", got)
	}
	if got := cfg.UserSpecificMemories.FatherUserID.String(); got != "987654321098765432" {
		t.Errorf("father id = %q", got)
	}
	if cfg.Settings.MemoryLimit != 25 || cfg.Settings.ParentMemoryLimit != 60 || cfg.Settings.CompressionThreshold != 15 {
		t.Errorf("memory settings not loaded: %+v", cfg.Settings)
	}
	if cfg.Settings.MoodSystemEnabled {
		t.Error("mood_system_enabled should be false")
	}
	if !cfg.Settings.CelebrationEnabled {
		t.Error("celebration_enabled should keep its default")
	}
	if cfg.Settings.Model != DefaultModel {
		t.Errorf("model = %q, want default", cfg.Settings.Model)
	}
	if cfg.FamilyTree.ExtendedFamily["555"].Relationship != "cousin" {
		t.Error("extended family not loaded")
	}

	parents := cfg.Parents()
	if parents.Mother != "123456789012345678" || parents.Father != "987654321098765432" {
		t.Errorf("parents = %+v", parents)
	}
	if !cfg.IsParent("987654321098765432") || cfg.IsParent("555") {
		t.Error("IsParent mismatch")
	}
	if got := cfg.ParentMemories("123456789012345678"); len(got) != 1 || got[0] != "Mom loves tea" {
		t.Errorf("mother memories = %v", got)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "yuno.yaml")
	raw := `
personality:
  name: Nova
settings:
  memory_limit: 10
  parent_memory_limit: 20
  compression_threshold: 5
  max_response_tokens: 300
family_tree:
  mother_user_id: 42
storage:
  backend: sqlite
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Personality.Name != "Nova" {
		t.Errorf("name = %q, want Nova", cfg.Personality.Name)
	}
	if cfg.Personality.BaseDescription != DefaultBaseDescription {
		t.Error("base description should keep its default")
	}
	if cfg.Settings.MemoryLimit != 10 || cfg.Storage.Backend != "sqlite" {
		t.Errorf("yaml settings not applied: %+v", cfg.Settings)
	}
	if cfg.Parents().Mother != "42" {
		t.Errorf("mother = %q, want 42", cfg.Parents().Mother)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKEN", "discord-token")
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("YUNO_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("YUNO_BASE_URL", "https://example.com/v1")
	t.Setenv("YUNO_MODEL", "some/model")
	t.Setenv("YUNO_STORAGE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/yuno")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("YUNO_STATE_PATH", "/tmp/state.json")
	t.Setenv("PORT", "8080")
	t.Setenv("YUNO_LOG_FORMAT", "json")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Channels.Discord.Token != "discord-token" {
		t.Errorf("discord token = %q", cfg.Channels.Discord.Token)
	}
	if cfg.Provider.APIKey != "or-key" {
		t.Errorf("api key = %q", cfg.Provider.APIKey)
	}
	if cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Provider.BaseURL != "https://example.com/v1" {
		t.Errorf("base url = %q", cfg.Provider.BaseURL)
	}
	if cfg.Settings.Model != "some/model" {
		t.Errorf("model = %q", cfg.Settings.Model)
	}
	if cfg.Storage.Backend != "postgres" || cfg.Storage.PostgresDSN != "postgres://localhost/yuno" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q", cfg.Storage.RedisURL)
	}
	if cfg.State.Path != "/tmp/state.json" {
		t.Errorf("state path = %q", cfg.State.Path)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Gateway.Port)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format = %q", cfg.Log.Format)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	os.WriteFile(path, []byte("{not json"), 0644)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadConfig_InvalidLimits(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	os.WriteFile(path, []byte(`{"settings":{"memory_limit":0}}`), 0644)

	_, err := LoadConfig(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadConfig_UnknownBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("YUNO_STORAGE_BACKEND", "mongo")
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestSaveConfig(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := DefaultConfig()
	cfg.UserSpecificMemories.MotherUserID = "111"
	cfg.Settings.MemoryLimit = 12

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("saved config is not JSON: %v", err)
	}
	if _, ok := raw["user_specific_memories"]; !ok {
		t.Error("missing user_specific_memories key")
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if loaded.Settings.MemoryLimit != 12 || loaded.Parents().Mother != "111" {
		t.Errorf("round trip lost values: %+v", loaded.Settings)
	}
}

func TestConfigPath(t *testing.T) {
	clearEnv(t)
	t.Setenv("YUNO_CONFIG", "/etc/yuno/custom.json")
	if got := ConfigPath(); got != "/etc/yuno/custom.json" {
		t.Errorf("ConfigPath = %q", got)
	}

	t.Setenv("YUNO_CONFIG", "")
	dir := t.TempDir()
	t.Chdir(dir)
	if got := ConfigPath(); got != filepath.Join(ConfigDir(), FileName) {
		t.Errorf("ConfigPath = %q, want under ConfigDir", got)
	}
	os.WriteFile(filepath.Join(dir, FileName), []byte("{}"), 0644)
	if got := ConfigPath(); got != FileName {
		t.Errorf("ConfigPath = %q, want %q", got, FileName)
	}
}

func TestParentIDs_Dedup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FamilyTree.MotherUserID = "1"
	cfg.UserSpecificMemories.MotherUserID = "1"
	cfg.UserSpecificMemories.FatherUserID = "2"

	ids := cfg.ParentIDs()
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Errorf("ParentIDs = %v, want [1 2]", ids)
	}
	if cfg.Parents().Father != "2" {
		t.Errorf("father fallback = %q", cfg.Parents().Father)
	}
}
