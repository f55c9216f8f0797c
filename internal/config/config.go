package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultPrefix           = "!crim"
	DefaultStatus           = "!crim help"
	DefaultSuppressCategory = "BOT-FREE-ZONE"
	DefaultBoostCategory    = "Events"
	DefaultFailureReaction  = "🤷"
	DefaultStateSize        = 2
	DefaultMaxTries         = 2000
	DefaultMinScore         = 10
	DefaultMinRefs          = 2
	DefaultPageSize         = 100
	DefaultHistoryRate      = 2.0
	DefaultIncreasedChance  = 2.0 / 15
	DefaultChattyChance     = 3.0 / 10
	DefaultRandomChance     = 4.0 / 100
	DefaultPhraseChance     = 1.0 / 200
	DefaultStorageBackend   = StorageJSON
	DefaultRegenSchedule    = "0 0 4 * * *"
	DefaultIdleDelayHours   = 5
	DefaultMemeEndpoint     = "https://api.imgflip.com/caption_image"
	DefaultMemeMaxWords     = 15
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 18790
	DefaultBufSize          = 100

	StorageJSON   = "json"
	StorageSQLite = "sqlite"
)

type Config struct {
	Bot      BotConfig      `json:"bot"`
	Markov   MarkovConfig   `json:"markov"`
	Chance   ChanceConfig   `json:"chance"`
	Channels ChannelsConfig `json:"channels"`
	Storage  StorageConfig  `json:"storage"`
	Schedule ScheduleConfig `json:"schedule"`
	Meme     MemeConfig     `json:"meme"`
	Gateway  GatewayConfig  `json:"gateway"`
}

type BotConfig struct {
	Prefix        string `json:"prefix"`
	Status        string `json:"status"`
	MessagePrefix string `json:"messagePrefix,omitempty"`
	// Moderators may run train.
	Moderators       []string `json:"moderators"`
	SuppressCategory string   `json:"suppressCategory"`
	BoostCategory    string   `json:"boostCategory"`
	FailureReaction  string   `json:"failureReaction"`
	// QuietForceFailures skips the failure reaction when force finds nothing.
	QuietForceFailures bool `json:"quietForceFailures,omitempty"`
}

type MarkovConfig struct {
	StateSize int `json:"stateSize"`
	MaxTries  int `json:"maxTries"`
	MinScore  int `json:"minScore"`
	MinRefs   int `json:"minRefs"`
	PageSize  int `json:"pageSize"`
}

type ChanceConfig struct {
	Increased float64 `json:"increased"`
	Chatty    float64 `json:"chatty"`
	Random    float64 `json:"random"`
	Phrase    float64 `json:"phrase"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	// HistoryRate caps history pages fetched per second during train.
	HistoryRate float64 `json:"historyRate,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type StorageConfig struct {
	Backend     string `json:"backend"`
	DataDir     string `json:"dataDir"`
	DatasetPath string `json:"datasetPath,omitempty"`
	DBPath      string `json:"dbPath,omitempty"`
	ModelPath   string `json:"modelPath,omitempty"`
	PhrasesPath string `json:"phrasesPath,omitempty"`
}

func (s StorageConfig) Dataset() string {
	return orJoin(s.DatasetPath, s.DataDir, "markovDB.json")
}

func (s StorageConfig) Database() string {
	return orJoin(s.DBPath, s.DataDir, "corpus.db")
}

func (s StorageConfig) Model() string {
	return orJoin(s.ModelPath, s.DataDir, "markov.json")
}

func (s StorageConfig) Phrases() string {
	return orJoin(s.PhrasesPath, s.DataDir, "phrases.json")
}

func (s StorageConfig) Jobs() string {
	return filepath.Join(s.DataDir, "cron", "jobs.json")
}

func orJoin(explicit, dir, name string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(dir, name)
}

type ScheduleConfig struct {
	// Regen is a seconds-enabled cron expression for the daily merge cycle.
	Regen string `json:"regen"`
	// IdleChannel and IdleChatID name where unprompted phrases are posted.
	// Idle posting is off when IdleChatID is empty.
	IdleChannel    string `json:"idleChannel,omitempty"`
	IdleChatID     string `json:"idleChatId,omitempty"`
	IdleDelayHours int    `json:"idleDelayHours"`
}

type MemeConfig struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Endpoint string `json:"endpoint"`
	MaxWords int    `json:"maxWords"`
}

type GatewayConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Metrics bool   `json:"metrics"`
}

func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			Prefix:           DefaultPrefix,
			Status:           DefaultStatus,
			SuppressCategory: DefaultSuppressCategory,
			BoostCategory:    DefaultBoostCategory,
			FailureReaction:  DefaultFailureReaction,
		},
		Markov: MarkovConfig{
			StateSize: DefaultStateSize,
			MaxTries:  DefaultMaxTries,
			MinScore:  DefaultMinScore,
			MinRefs:   DefaultMinRefs,
			PageSize:  DefaultPageSize,
		},
		Chance: ChanceConfig{
			Increased: DefaultIncreasedChance,
			Chatty:    DefaultChattyChance,
			Random:    DefaultRandomChance,
			Phrase:    DefaultPhraseChance,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{HistoryRate: DefaultHistoryRate},
		},
		Storage: StorageConfig{
			Backend: DefaultStorageBackend,
			DataDir: filepath.Join(ConfigDir(), "data"),
		},
		Schedule: ScheduleConfig{
			Regen:          DefaultRegenSchedule,
			IdleDelayHours: DefaultIdleDelayHours,
		},
		Meme: MemeConfig{
			Endpoint: DefaultMemeEndpoint,
			MaxWords: DefaultMemeMaxWords,
		},
		Gateway: GatewayConfig{
			Host:    DefaultHost,
			Port:    DefaultPort,
			Metrics: true,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".markbot")
}

func ConfigPath() string {
	if p := os.Getenv("MARKBOT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if token := os.Getenv("MARKBOT_DISCORD_TOKEN"); token != "" {
		cfg.Channels.Discord.Token = token
	}
	if token := os.Getenv("TOKEN"); token != "" && cfg.Channels.Discord.Token == "" {
		cfg.Channels.Discord.Token = token
	}
	if token := os.Getenv("MARKBOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if prefix := os.Getenv("MARKBOT_PREFIX"); prefix != "" {
		cfg.Bot.Prefix = prefix
	}
	if mods := os.Getenv("MARKBOT_MODERATORS"); mods != "" {
		cfg.Bot.Moderators = splitList(mods)
	}
	if backend := os.Getenv("MARKBOT_STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dir := os.Getenv("MARKBOT_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if user := os.Getenv("MARKBOT_IMGFLIP_USERNAME"); user != "" {
		cfg.Meme.Username = user
	}
	if pass := os.Getenv("MARKBOT_IMGFLIP_PASSWORD"); pass != "" {
		cfg.Meme.Password = pass
	}
	if port := os.Getenv("MARKBOT_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}

	applyDefaults(cfg)

	switch cfg.Storage.Backend {
	case StorageJSON, StorageSQLite:
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Bot.Prefix == "" {
		cfg.Bot.Prefix = def.Bot.Prefix
	}
	cfg.Bot.Prefix = strings.ToLower(cfg.Bot.Prefix)
	if cfg.Bot.FailureReaction == "" {
		cfg.Bot.FailureReaction = def.Bot.FailureReaction
	}
	if cfg.Markov.StateSize <= 0 {
		cfg.Markov.StateSize = def.Markov.StateSize
	}
	if cfg.Markov.MaxTries <= 0 {
		cfg.Markov.MaxTries = def.Markov.MaxTries
	}
	if cfg.Markov.MinScore <= 0 {
		cfg.Markov.MinScore = def.Markov.MinScore
	}
	if cfg.Markov.MinRefs < DefaultMinRefs {
		cfg.Markov.MinRefs = DefaultMinRefs
	}
	if cfg.Markov.PageSize <= 0 {
		cfg.Markov.PageSize = def.Markov.PageSize
	}
	if cfg.Chance.Increased <= 0 {
		cfg.Chance.Increased = def.Chance.Increased
	}
	if cfg.Chance.Chatty <= 0 {
		cfg.Chance.Chatty = def.Chance.Chatty
	}
	if cfg.Chance.Random <= 0 {
		cfg.Chance.Random = def.Chance.Random
	}
	if cfg.Chance.Phrase <= 0 {
		cfg.Chance.Phrase = def.Chance.Phrase
	}
	if cfg.Channels.Discord.HistoryRate <= 0 {
		cfg.Channels.Discord.HistoryRate = def.Channels.Discord.HistoryRate
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = def.Storage.DataDir
	}
	if cfg.Schedule.Regen == "" {
		cfg.Schedule.Regen = def.Schedule.Regen
	}
	if cfg.Schedule.IdleDelayHours <= 0 {
		cfg.Schedule.IdleDelayHours = def.Schedule.IdleDelayHours
	}
	if cfg.Meme.Endpoint == "" {
		cfg.Meme.Endpoint = def.Meme.Endpoint
	}
	if cfg.Meme.MaxWords <= 0 {
		cfg.Meme.MaxWords = def.Meme.MaxWords
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
