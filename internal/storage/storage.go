// Package storage persists the worker's durable state behind a narrow typed
// key-value interface: one table of per-day delivery state and one generic KV
// table holding the token cache, runtime config, accounts and destinations.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sms-code-relay-go/internal/config"
	"sms-code-relay-go/internal/models"
)

// KV record keys used by the worker.
const (
	KeyTokenCache    = "token_cache"
	KeyRuntimeConfig = "runtime_config"
	KeyAccounts      = "accounts"
	KeyGroups        = "groups"
)

// KVRecord is one generic JSON document
type KVRecord struct {
	Key       string    `gorm:"primaryKey;type:varchar(191)" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for KVRecord
func (KVRecord) TableName() string {
	return "kv_store"
}

// DayRecord is the serialized delivery state for one calendar day
type DayRecord struct {
	DayKey    string    `gorm:"primaryKey;type:varchar(32)" json:"day_key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for DayRecord
func (DayRecord) TableName() string {
	return "daily_store"
}

// Store wraps the database with typed accessors
type Store struct {
	db *gorm.DB
}

// New returns a Store over an already opened database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Open connects to the configured database and runs migrations.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.GetDSN())
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&KVRecord{}, &DayRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	logrus.Info("Database initialized successfully")
	return db, nil
}

// GetJSON loads a KV document into out. The second return is false when the
// key does not exist.
func (s *Store) GetJSON(key string, out any) (bool, error) {
	var rec KVRecord
	err := s.db.First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load kv record %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(rec.Value), out); err != nil {
		return false, fmt.Errorf("failed to decode kv record %q: %w", key, err)
	}
	return true, nil
}

// SetJSON stores a KV document, replacing any previous value.
func (s *Store) SetJSON(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode kv record %q: %w", key, err)
	}
	rec := KVRecord{Key: key, Value: string(payload), UpdatedAt: time.Now()}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save kv record %q: %w", key, err)
	}
	return nil
}

// LoadDayState returns the persisted state for the day, or a fresh empty one.
func (s *Store) LoadDayState(day string) (*models.DayState, error) {
	var rec DayRecord
	err := s.db.First(&rec, "day_key = ?", day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewDayState(day), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load day state %q: %w", day, err)
	}
	var state models.DayState
	if err := json.Unmarshal([]byte(rec.Value), &state); err != nil {
		logrus.Warnf("Corrupt day state for %s, starting fresh: %v", day, err)
		return models.NewDayState(day), nil
	}
	state.Normalize(day)
	return &state, nil
}

// SaveDayState persists the day state synchronously.
func (s *Store) SaveDayState(state *models.DayState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode day state %q: %w", state.Day, err)
	}
	rec := DayRecord{DayKey: state.Day, Value: string(payload), UpdatedAt: time.Now()}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save day state %q: %w", state.Day, err)
	}
	return nil
}

// ListDays returns all persisted day keys in ascending order.
func (s *Store) ListDays() ([]string, error) {
	var keys []string
	if err := s.db.Model(&DayRecord{}).Order("day_key").Pluck("day_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list day states: %w", err)
	}
	return keys, nil
}

// DeleteOtherDays removes every persisted day state except keep. There is no
// cross-day retention.
func (s *Store) DeleteOtherDays(keep string) error {
	if err := s.db.Where("day_key <> ?", keep).Delete(&DayRecord{}).Error; err != nil {
		return fmt.Errorf("failed to purge old day states: %w", err)
	}
	return nil
}

type tokenCacheDoc struct {
	Accounts map[string]models.Token `json:"accounts"`
}

// LoadTokenCache returns the persisted per-account token cache.
func (s *Store) LoadTokenCache() (map[string]models.Token, error) {
	var doc tokenCacheDoc
	found, err := s.GetJSON(KeyTokenCache, &doc)
	if err != nil {
		return nil, err
	}
	if !found || doc.Accounts == nil {
		return map[string]models.Token{}, nil
	}
	return doc.Accounts, nil
}

// SaveTokenCache persists the token cache synchronously.
func (s *Store) SaveTokenCache(tokens map[string]models.Token) error {
	return s.SetJSON(KeyTokenCache, tokenCacheDoc{Accounts: tokens})
}

type accountRow struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Enabled  *bool  `json:"enabled"`
}

// LoadAccounts returns the enabled upstream accounts, skipping rows missing
// credentials.
func (s *Store) LoadAccounts() ([]models.Account, error) {
	var rows []accountRow
	if _, err := s.GetJSON(KeyAccounts, &rows); err != nil {
		return nil, err
	}
	out := make([]models.Account, 0, len(rows))
	for _, r := range rows {
		email := strings.TrimSpace(r.Email)
		password := strings.TrimSpace(r.Password)
		if email == "" || password == "" {
			continue
		}
		if r.Enabled != nil && !*r.Enabled {
			continue
		}
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = email
		}
		out = append(out, models.Account{Name: name, Email: email, Password: password, Enabled: true})
	}
	return out, nil
}

type destinationRow struct {
	Name    string `json:"name"`
	ChatID  string `json:"chat_id"`
	ID      string `json:"id"`
	Enabled *bool  `json:"enabled"`
}

// LoadDestinations returns the enabled relay destinations.
func (s *Store) LoadDestinations() ([]models.Destination, error) {
	var rows []destinationRow
	if _, err := s.GetJSON(KeyGroups, &rows); err != nil {
		return nil, err
	}
	out := make([]models.Destination, 0, len(rows))
	for _, r := range rows {
		chatID := strings.TrimSpace(r.ChatID)
		if chatID == "" {
			chatID = strings.TrimSpace(r.ID)
		}
		if chatID == "" {
			continue
		}
		if r.Enabled != nil && !*r.Enabled {
			continue
		}
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = chatID
		}
		out = append(out, models.Destination{Name: name, ChatID: chatID, Enabled: true})
	}
	return out, nil
}

// RuntimeMap returns the raw runtime-config record, or nil when absent.
func (s *Store) RuntimeMap() (map[string]any, error) {
	var raw map[string]any
	found, err := s.GetJSON(KeyRuntimeConfig, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return raw, nil
}
