package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MARKBOT_CONFIG", "MARKBOT_DISCORD_TOKEN", "TOKEN", "MARKBOT_TELEGRAM_TOKEN",
		"MARKBOT_PREFIX", "MARKBOT_MODERATORS", "MARKBOT_STORAGE_BACKEND", "MARKBOT_DATA_DIR",
		"MARKBOT_IMGFLIP_USERNAME", "MARKBOT_IMGFLIP_PASSWORD", "MARKBOT_PORT",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, home string, v any) {
	t.Helper()
	dir := filepath.Join(home, ".markbot")
	os.MkdirAll(dir, 0755)
	data, _ := json.MarshalIndent(v, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Bot.Prefix != DefaultPrefix {
		t.Errorf("prefix = %q, want %q", cfg.Bot.Prefix, DefaultPrefix)
	}
	if cfg.Markov.StateSize != DefaultStateSize {
		t.Errorf("stateSize = %d, want %d", cfg.Markov.StateSize, DefaultStateSize)
	}
	if cfg.Markov.MaxTries != DefaultMaxTries {
		t.Errorf("maxTries = %d, want %d", cfg.Markov.MaxTries, DefaultMaxTries)
	}
	if cfg.Markov.MinScore != DefaultMinScore {
		t.Errorf("minScore = %d, want %d", cfg.Markov.MinScore, DefaultMinScore)
	}
	if cfg.Schedule.Regen != DefaultRegenSchedule {
		t.Errorf("regen = %q, want %q", cfg.Schedule.Regen, DefaultRegenSchedule)
	}
	if cfg.Storage.Backend != StorageJSON {
		t.Errorf("backend = %q, want json", cfg.Storage.Backend)
	}
	if !cfg.Gateway.Metrics {
		t.Error("metrics should be enabled by default")
	}
}

func TestStorageConfig_Paths(t *testing.T) {
	s := StorageConfig{DataDir: "/data"}
	if got := s.Dataset(); got != filepath.Join("/data", "markovDB.json") {
		t.Errorf("Dataset = %q", got)
	}
	if got := s.Model(); got != filepath.Join("/data", "markov.json") {
		t.Errorf("Model = %q", got)
	}
	if got := s.Jobs(); got != filepath.Join("/data", "cron", "jobs.json") {
		t.Errorf("Jobs = %q", got)
	}

	s.ModelPath = "/elsewhere/model.json"
	if got := s.Model(); got != "/elsewhere/model.json" {
		t.Errorf("explicit Model = %q", got)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Bot.Prefix != DefaultPrefix {
		t.Errorf("prefix = %q, want default", cfg.Bot.Prefix)
	}
	if cfg.Storage.DataDir != filepath.Join(tmpDir, ".markbot", "data") {
		t.Errorf("dataDir = %q", cfg.Storage.DataDir)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	writeConfig(t, tmpDir, map[string]any{
		"bot": map[string]any{
			"prefix":     "!Markov",
			"moderators": []string{"111"},
		},
		"markov": map[string]any{
			"stateSize": 3,
			"minScore":  5,
			"minRefs":   1,
		},
		"channels": map[string]any{
			"discord": map[string]any{"enabled": true, "token": "file-token"},
		},
	})

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Bot.Prefix != "!markov" {
		t.Errorf("prefix = %q, want lowercased !markov", cfg.Bot.Prefix)
	}
	if cfg.Markov.StateSize != 3 || cfg.Markov.MinScore != 5 {
		t.Errorf("markov = %+v", cfg.Markov)
	}
	if cfg.Markov.MinRefs != DefaultMinRefs {
		t.Errorf("minRefs = %d, want floor %d", cfg.Markov.MinRefs, DefaultMinRefs)
	}
	if cfg.Markov.MaxTries != DefaultMaxTries {
		t.Errorf("maxTries = %d, want default", cfg.Markov.MaxTries)
	}
	if !cfg.Channels.Discord.Enabled || cfg.Channels.Discord.Token != "file-token" {
		t.Errorf("discord = %+v", cfg.Channels.Discord)
	}
	if len(cfg.Bot.Moderators) != 1 || cfg.Bot.Moderators[0] != "111" {
		t.Errorf("moderators = %v", cfg.Bot.Moderators)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	t.Setenv("TOKEN", "legacy-token")
	t.Setenv("MARKBOT_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("MARKBOT_MODERATORS", "1, 2 ,,3")
	t.Setenv("MARKBOT_STORAGE_BACKEND", "sqlite")
	t.Setenv("MARKBOT_DATA_DIR", "/var/lib/markbot")
	t.Setenv("MARKBOT_PORT", "9100")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Channels.Discord.Token != "legacy-token" {
		t.Errorf("discord token = %q", cfg.Channels.Discord.Token)
	}
	if cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if len(cfg.Bot.Moderators) != 3 {
		t.Errorf("moderators = %v, want 3 entries", cfg.Bot.Moderators)
	}
	if cfg.Storage.Backend != StorageSQLite || cfg.Storage.DataDir != "/var/lib/markbot" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Gateway.Port)
	}

	t.Setenv("MARKBOT_DISCORD_TOKEN", "primary")
	cfg, _ = LoadConfig()
	if cfg.Channels.Discord.Token != "primary" {
		t.Errorf("MARKBOT_DISCORD_TOKEN should win over TOKEN, got %q", cfg.Channels.Discord.Token)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	dir := filepath.Join(tmpDir, ".markbot")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "config.json"), []byte("{bad"), 0644)

	if _, err := LoadConfig(); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadConfig_UnknownBackend(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)
	t.Setenv("MARKBOT_STORAGE_BACKEND", "redis")

	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Bot.Prefix = "!bot"
	cfg.Schedule.IdleChatID = "123"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if loaded.Bot.Prefix != "!bot" || loaded.Schedule.IdleChatID != "123" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	path := filepath.Join(tmpDir, "custom.json")
	os.WriteFile(path, []byte(`{"bot":{"prefix":"!x"}}`), 0644)
	t.Setenv("MARKBOT_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Bot.Prefix != "!x" {
		t.Errorf("prefix = %q, want !x", cfg.Bot.Prefix)
	}
}
