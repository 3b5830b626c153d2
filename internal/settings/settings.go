// Package settings — key-value конфигурационный провайдер поверх БД.
// Отсутствие ключа всегда даёт документированный дефолт, никогда ошибку.
package settings

import (
	"context"
	"errors"
	"strconv"
	"time"

	"wgfleet/internal/models"

	"gorm.io/gorm"
)

// Известные ключи.
const (
	KeyDefaultNetwork = "vpn.default_network"
	KeyFreshWindow    = "health.fresh_window"
	KeyStaleWindow    = "health.stale_window"
	KeyRetentionDays  = "logs.retention_days"
)

// Service передаётся в конструкторы явно — никаких process-global синглтонов,
// тесты изолируются чистой БД.
type Service struct{ db *gorm.DB }

func New(db *gorm.DB) *Service { return &Service{db: db} }

// Get — значение ключа; ok=false если не задан.
func (s *Service) Get(ctx context.Context, key string) (string, bool) {
	if s == nil || s.db == nil {
		return "", false
	}
	var row models.Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false
		}
		return "", false
	}
	return row.Value, true
}

func (s *Service) GetString(ctx context.Context, key, def string) string {
	if v, ok := s.Get(ctx, key); ok && v != "" {
		return v
	}
	return def
}

func (s *Service) GetInt(ctx context.Context, key string, def int) int {
	if v, ok := s.Get(ctx, key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (s *Service) GetDuration(ctx context.Context, key string, def time.Duration) time.Duration {
	if v, ok := s.Get(ctx, key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Set — upsert значения (операторская настройка).
func (s *Service) Set(ctx context.Context, key, value string) error {
	row := models.Setting{Key: key, Value: value}
	return s.db.WithContext(ctx).Save(&row).Error
}
