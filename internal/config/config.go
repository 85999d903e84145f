package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all static configuration for the worker
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Poller   PollerConfig   `mapstructure:"poller"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration. Driver selects the
// storage backend: "sqlite" (embedded, default) or "mysql".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// UpstreamConfig holds the source API configuration
type UpstreamConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	SessionToken string        `mapstructure:"session_token"`
	LoginTimeout time.Duration `mapstructure:"login_timeout"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	RefreshSkew  time.Duration `mapstructure:"refresh_skew"`
	MaxWorkers   int           `mapstructure:"max_workers"`
}

// TelegramConfig holds the destination messaging configuration
type TelegramConfig struct {
	BotToken        string        `mapstructure:"bot_token"`
	APIBase         string        `mapstructure:"api_base"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MinSendInterval time.Duration `mapstructure:"min_send_interval"`
}

// PollerConfig holds poll loop configuration
type PollerConfig struct {
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	Limit           int    `mapstructure:"limit"`
	StartDate       string `mapstructure:"start_date"`
	RunOnce         bool   `mapstructure:"run_once"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.path", "data/relay.db")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("upstream.login_timeout", "90s")
	viper.SetDefault("upstream.fetch_timeout", "90s")
	viper.SetDefault("upstream.token_ttl", "2h")
	viper.SetDefault("upstream.refresh_skew", "5m")
	viper.SetDefault("upstream.max_workers", 16)

	viper.SetDefault("telegram.api_base", "https://api.telegram.org")
	viper.SetDefault("telegram.request_timeout", "30s")
	viper.SetDefault("telegram.min_send_interval", "200ms")

	viper.SetDefault("poller.interval_seconds", 30)
	viper.SetDefault("poller.limit", 30)
	viper.SetDefault("poller.run_once", false)
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	viper.BindEnv("database.driver", "DB_DRIVER")
	viper.BindEnv("database.path", "DB_PATH")
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	viper.BindEnv("upstream.base_url", "API_BASE_URL")
	viper.BindEnv("upstream.api_key", "API_KEY")
	viper.BindEnv("upstream.session_token", "API_SESSION_TOKEN")
	viper.BindEnv("upstream.fetch_timeout", "API_FETCH_TIMEOUT")

	viper.BindEnv("telegram.bot_token", "TELEGRAM_BOT_TOKEN")
	viper.BindEnv("telegram.min_send_interval", "TG_MIN_SEND_INTERVAL")

	viper.BindEnv("poller.interval_seconds", "POLL_INTERVAL_SECONDS")
	viper.BindEnv("poller.limit", "BOT_LIMIT")
	viper.BindEnv("poller.start_date", "API_START_DATE")
	viper.BindEnv("poller.run_once", "POLLER_RUN_ONCE")
}

// GetDSN returns the MySQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required for mysql")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base URL is required")
	}

	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}

	if c.Poller.IntervalSeconds <= 0 {
		return fmt.Errorf("poller interval must be greater than 0")
	}

	return nil
}
