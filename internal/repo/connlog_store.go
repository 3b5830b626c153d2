package repo

import (
	"context"
	"errors"
	"time"

	"wgfleet/internal/models"

	"gorm.io/gorm"
)

type ConnLogStore struct{ db *gorm.DB }

func NewConnLogStore(db *gorm.DB) *ConnLogStore { return &ConnLogStore{db: db} }

// Open открывает запись сессии (disconnected_at = NULL).
func (s *ConnLogStore) Open(ctx context.Context, l *models.ConnectionLog) error {
	return s.db.WithContext(ctx).Create(l).Error
}

// FindOpen — текущая открытая сессия пира, nil если её нет.
func (s *ConnLogStore) FindOpen(ctx context.Context, peerID uint) (*models.ConnectionLog, error) {
	var l models.ConnectionLog
	err := s.db.WithContext(ctx).
		Where("peer_id = ? AND disconnected_at IS NULL", peerID).
		Order("connected_at desc").First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &l, err
}

// Close закрывает открытую сессию с итоговыми счётчиками и причиной.
func (s *ConnLogStore) Close(ctx context.Context, l *models.ConnectionLog, at time.Time, rx, tx int64, reason string) error {
	l.DisconnectedAt = &at
	l.RxBytes = rx
	l.TxBytes = tx
	l.Reason = reason
	return s.db.WithContext(ctx).Save(l).Error
}

func (s *ConnLogStore) ListByPeer(ctx context.Context, peerID uint, limit int) ([]models.ConnectionLog, error) {
	var out []models.ConnectionLog
	q := s.db.WithContext(ctx).Where("peer_id = ?", peerID).Order("connected_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// DeleteOlderThan — retention-cleanup: чистое удаление, без soft-delete.
func (s *ConnLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("connected_at < ? AND disconnected_at IS NOT NULL", cutoff).
		Delete(&models.ConnectionLog{})
	return res.RowsAffected, res.Error
}
