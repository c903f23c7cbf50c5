package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Settings   SettingsConfig   `mapstructure:"settings"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Transport     string         `mapstructure:"transport"`
	AdminID       string         `mapstructure:"admin_id"`
	CommandPrefix string         `mapstructure:"command_prefix"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
	OneBot        OneBotConfig   `mapstructure:"onebot"`
}

type TelegramConfig struct {
	Token         string `mapstructure:"token"`
	UpdateTimeout int    `mapstructure:"update_timeout"`
}

type OneBotConfig struct {
	WSURL   string `mapstructure:"ws_url"`
	HTTPURL string `mapstructure:"http_url"`
}

type OpenAIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKeys  []string      `mapstructure:"api_keys"`
	KeysFile string        `mapstructure:"keys_file"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Dir    string       `mapstructure:"dir"`
	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type CacheConfig struct {
	MaxUsers int `mapstructure:"max_users"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// SettingsConfig is the environment layer of the global settings. A nil
// field means "not supplied" so the compiled default applies.
type SettingsConfig struct {
	MaxTokens    *int    `mapstructure:"max_tokens"`
	MaxPrompts   *int    `mapstructure:"max_prompts"`
	GroupMode    *string `mapstructure:"group_mode"`
	AtMode       *string `mapstructure:"at_mode"`
	AutoPrivate  *bool   `mapstructure:"auto_private"`
	AutoGroup    *bool   `mapstructure:"auto_group"`
	DefaultMode  *string `mapstructure:"default_mode"`
	DefaultModel *string `mapstructure:"default_model"`
	ImageSize    *int    `mapstructure:"image_size"`
	MaxImages    *int    `mapstructure:"max_images"`
	ShowTip      *bool   `mapstructure:"show_tip"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
}

const (
	TransportOneBot   = "onebot"
	TransportTelegram = "telegram"
)

// LoadConfig loads configuration from file and environment variables.
// A missing file is not an error; every field has a default or an env binding.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// OPENAI_API_KEYS arrives as a single comma separated string
	if raw := v.GetString("OPENAI_API_KEYS"); raw != "" {
		config.OpenAI.APIKeys = splitList(raw)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.transport", TransportOneBot)
	v.SetDefault("bot.command_prefix", "#gpt ")
	v.SetDefault("bot.telegram.update_timeout", 60)
	v.SetDefault("bot.onebot.ws_url", "ws://127.0.0.1:8080")
	v.SetDefault("bot.onebot.http_url", "http://127.0.0.1:5700")
	v.SetDefault("openai.keys_file", "api_keys.txt")
	v.SetDefault("openai.timeout", 2*time.Minute)
	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.dir", "config")
	v.SetDefault("storage.redis.addr", "127.0.0.1:6379")
	v.SetDefault("storage.sqlite.path", "config/bot.db")
	v.SetDefault("cache.max_users", 200)
	v.SetDefault("rate_limit.requests_per_minute", 20)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.path", "logs/bot.log")
	v.SetDefault("logging.file.max_size", 50)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age", 30)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")
	v.SetDefault("i18n.default_language", "zh")
	v.SetDefault("i18n.languages", []string{"zh", "en"})
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("bot.admin_id", "ADMIN_ID")
	v.BindEnv("bot.telegram.token", "BOT_TOKEN")
	v.BindEnv("bot.onebot.ws_url", "WS_URL")
	v.BindEnv("bot.onebot.http_url", "HTTP_URL")
	v.BindEnv("openai.base_url", "API_BASE_PATH")
	v.BindEnv("cache.max_users", "MAX_USER_CACHE")
	v.BindEnv("storage.redis.addr", "REDIS_ADDR")
	v.BindEnv("storage.redis.password", "REDIS_PASSWORD")

	v.BindEnv("settings.max_tokens", "MAX_TOKENS")
	v.BindEnv("settings.max_prompts", "MAX_PROMPTS")
	v.BindEnv("settings.group_mode", "GROUP_MODE")
	v.BindEnv("settings.at_mode", "AT_MODE")
	v.BindEnv("settings.auto_private", "AUTO_PRIVATE")
	v.BindEnv("settings.auto_group", "AUTO_GROUP")
	v.BindEnv("settings.default_mode", "DEFAULT_MODE")
	v.BindEnv("settings.default_model", "DEFAULT_MODEL")
	v.BindEnv("settings.image_size", "IMAGE_SIZE")
	v.BindEnv("settings.max_images", "MAX_IMAGES")
	v.BindEnv("settings.show_tip", "SHOW_TIP")
}

func validateConfig(cfg *Config) error {
	switch cfg.Bot.Transport {
	case TransportOneBot:
		if cfg.Bot.OneBot.WSURL == "" {
			return fmt.Errorf("onebot ws url is required")
		}
	case TransportTelegram:
		if cfg.Bot.Telegram.Token == "" {
			return fmt.Errorf("bot token is required")
		}
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Bot.Transport)
	}

	switch cfg.Storage.Type {
	case "file", "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Cache.MaxUsers <= 0 {
		return fmt.Errorf("cache.max_users must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
