package repo

import (
	"context"
	"errors"

	"wgfleet/internal/apperr"
	"wgfleet/internal/models"

	"gorm.io/gorm"
)

type ServerStore struct{ db *gorm.DB }

func NewServerStore(db *gorm.DB) *ServerStore { return &ServerStore{db: db} }

func (s *ServerStore) Create(ctx context.Context, srv *models.Server) error {
	err := s.db.WithContext(ctx).Create(srv).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Validationf("server name %q already exists", srv.Name)
	}
	return err
}

func (s *ServerStore) GetByID(ctx context.Context, id uint) (*models.Server, error) {
	var srv models.Server
	err := s.db.WithContext(ctx).First(&srv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("server %d", id)
	}
	return &srv, err
}

func (s *ServerStore) GetByName(ctx context.Context, name string) (*models.Server, error) {
	var srv models.Server
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&srv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("server %q", name)
	}
	return &srv, err
}

func (s *ServerStore) List(ctx context.Context) ([]models.Server, error) {
	var out []models.Server
	err := s.db.WithContext(ctx).Order("id asc").Find(&out).Error
	return out, err
}

// ListActive — серверы, которые видит HealthMonitor и деплой.
func (s *ServerStore) ListActive(ctx context.Context) ([]models.Server, error) {
	var out []models.Server
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("id asc").Find(&out).Error
	return out, err
}

func (s *ServerStore) Save(ctx context.Context, srv *models.Server) error {
	err := s.db.WithContext(ctx).Save(srv).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Validationf("server name %q already exists", srv.Name)
	}
	return err
}

// Delete удаляет сервер и каскадом все его пиры (и их connection-логи) —
// одной транзакцией, чтобы не оставлять сирот при половинном сбое.
func (s *ServerStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var peerIDs []uint
		if err := tx.Model(&models.Peer{}).Where("server_id = ?", id).Pluck("id", &peerIDs).Error; err != nil {
			return err
		}
		if len(peerIDs) > 0 {
			if err := tx.Where("peer_id IN ?", peerIDs).Delete(&models.ConnectionLog{}).Error; err != nil {
				return err
			}
			if err := tx.Where("server_id = ?", id).Delete(&models.Peer{}).Error; err != nil {
				return err
			}
		}
		res := tx.Delete(&models.Server{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFoundf("server %d", id)
		}
		return nil
	})
}
