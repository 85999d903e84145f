package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/relay.db",
		},
		Upstream: UpstreamConfig{BaseURL: "http://127.0.0.1:8000"},
		Telegram: TelegramConfig{BotToken: "123:abc"},
		Poller:   PollerConfig{IntervalSeconds: 30},
	}
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	invalid := validConfig()
	invalid.Server.Port = ""
	assert.Error(t, invalid.Validate())

	invalid = validConfig()
	invalid.Database.Driver = "postgres"
	assert.Error(t, invalid.Validate())

	invalid = validConfig()
	invalid.Database.Driver = "mysql"
	assert.Error(t, invalid.Validate())

	invalid = validConfig()
	invalid.Telegram.BotToken = ""
	assert.Error(t, invalid.Validate())

	invalid = validConfig()
	invalid.Poller.IntervalSeconds = 0
	assert.Error(t, invalid.Validate())
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     3306,
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
	}

	dsn := cfg.GetDSN()
	expected := "testuser:testpass@tcp(localhost:3306)/testdb?charset=utf8mb4&parseTime=True&loc=Local"
	assert.Equal(t, expected, dsn)
}

func TestNormalizeStartDate(t *testing.T) {
	assert.Equal(t, "2026-08-31", NormalizeStartDate("2026-08-31"))
	assert.Equal(t, "2026-03-05", NormalizeStartDate("2026-3-5"))

	today := time.Now().Format("2006-01-02")
	assert.Equal(t, today, NormalizeStartDate("not-a-date"))
	assert.Equal(t, today, NormalizeStartDate(""))
	assert.Equal(t, today, NormalizeStartDate("26-08-31"))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 0, ClampLimit(0))
	assert.Equal(t, 0, ClampLimit(-5))
	assert.Equal(t, 30, ClampLimit(30))
	assert.Equal(t, 10000, ClampLimit(99999))
}

func TestRuntimeFromMapDefaults(t *testing.T) {
	def := RuntimeDefaults{
		APIBaseURL:   "http://127.0.0.1:8000",
		Limit:        30,
		StartDate:    "2026-01-01",
		PollInterval: 30 * time.Second,
	}

	rt := RuntimeFromMap(nil, def)
	assert.Equal(t, "http://127.0.0.1:8000", rt.APIBaseURL)
	assert.Equal(t, 30, rt.Limit)
	assert.Equal(t, "2026-01-01", rt.StartDate)
	assert.Equal(t, 30*time.Second, rt.PollInterval)
	assert.True(t, rt.FetchEnabled)
	assert.Empty(t, rt.UpdateMarker)
}

func TestRuntimeFromMapOverrides(t *testing.T) {
	def := RuntimeDefaults{
		APIBaseURL:   "http://127.0.0.1:8000",
		Limit:        30,
		StartDate:    "2026-01-01",
		PollInterval: 30 * time.Second,
	}

	raw := map[string]any{
		"api_base_url":                 "https://api.example.net/",
		"api_key":                      "k1",
		"bot_limit":                    float64(50),
		"poll_interval_seconds":        float64(2),
		"messages_start_date":          "2026-08-30",
		"fetch_codes_enabled":          false,
		"messages_update_requested_at": "marker-1",
	}

	rt := RuntimeFromMap(raw, def)
	assert.Equal(t, "https://api.example.net", rt.APIBaseURL)
	assert.Equal(t, "k1", rt.APIKey)
	assert.Equal(t, 50, rt.Limit)
	// Interval is clamped to the 5s floor.
	assert.Equal(t, 5*time.Second, rt.PollInterval)
	assert.Equal(t, "2026-08-30", rt.StartDate)
	assert.False(t, rt.FetchEnabled)
	assert.Equal(t, "marker-1", rt.UpdateMarker)
}

func TestRuntimeFromMapStringNumbers(t *testing.T) {
	def := RuntimeDefaults{Limit: 30, PollInterval: 30 * time.Second}

	rt := RuntimeFromMap(map[string]any{
		"bot_limit":             "100",
		"poll_interval_seconds": "600",
	}, def)

	assert.Equal(t, 100, rt.Limit)
	// Interval is clamped to the 300s ceiling.
	assert.Equal(t, 300*time.Second, rt.PollInterval)
}
