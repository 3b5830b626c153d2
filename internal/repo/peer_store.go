package repo

import (
	"context"
	"errors"
	"time"

	"wgfleet/internal/apperr"
	"wgfleet/internal/ipam"
	"wgfleet/internal/models"

	"gorm.io/gorm"
)

type PeerStore struct{ db *gorm.DB }

func NewPeerStore(db *gorm.DB) *PeerStore { return &PeerStore{db: db} }

// CreateAllocated вставляет пира, выделяя адреса в ТОЙ ЖЕ транзакции,
// в которой перечитывается занятый сет: конкурентные create по одному
// серверу не получат один адрес. Unique-констрейнты (server_id, address)
// и (server_id, address6) — финальный backstop, нарушение любого из них
// приходит как AddressConflict.
func (s *PeerStore) CreateAllocated(ctx context.Context, p *models.Peer, srv *models.Server, reqV4, reqV6 string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// дубликат (server, public_key) ловим заранее с читаемой ошибкой
		if p.PublicKey != "" {
			var n int64
			if err := tx.Model(&models.Peer{}).
				Where("server_id = ? AND public_key = ?", srv.ID, p.PublicKey).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return apperr.Validationf("public key already registered on server %q", srv.Name)
			}
		}

		var rows []models.Peer
		if err := tx.Select("address", "address6").
			Where("server_id = ?", srv.ID).Find(&rows).Error; err != nil {
			return err
		}
		var v4s, v6s []string
		for _, r := range rows {
			if r.Address != "" {
				v4s = append(v4s, r.Address)
			}
			if r.Address6 != "" {
				v6s = append(v6s, string(r.Address6))
			}
		}

		pool, err := ipam.NewPool(srv.NetworkCIDR, v4s)
		if err != nil {
			return err
		}
		if p.Address, err = pool.Allocate(reqV4); err != nil {
			return err
		}

		if srv.NetworkCIDR6 != "" {
			pool6, err := ipam.NewPool(srv.NetworkCIDR6, v6s)
			if err != nil {
				return err
			}
			a6, err := pool6.Allocate(reqV6)
			if err != nil {
				return err
			}
			p.Address6 = models.NullCIDR(a6)
		} else if reqV6 != "" {
			return apperr.Validationf("server %q has no IPv6 network", srv.Name)
		}

		if err := tx.Create(p).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// гонка на адресе, проигравший перезапускает аллокацию
				return apperr.ErrAddressConflict
			}
			return err
		}
		return nil
	})
}

func (s *PeerStore) GetByID(ctx context.Context, id uint) (*models.Peer, error) {
	var p models.Peer
	err := s.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("peer %d", id)
	}
	return &p, err
}

func (s *PeerStore) ListByServer(ctx context.Context, serverID uint) ([]models.Peer, error) {
	var out []models.Peer
	err := s.db.WithContext(ctx).Where("server_id = ?", serverID).Order("id asc").Find(&out).Error
	return out, err
}

// ListActiveByServer — только активные: их DeploymentOrchestrator пушит на интерфейс.
func (s *PeerStore) ListActiveByServer(ctx context.Context, serverID uint) ([]models.Peer, error) {
	var out []models.Peer
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND status = ?", serverID, models.PeerStatusActive).
		Order("id asc").Find(&out).Error
	return out, err
}

// FindByPublicKey — матчинг live-пира из wg-дампа в запись реестра.
func (s *PeerStore) FindByPublicKey(ctx context.Context, serverID uint, publicKey string) (*models.Peer, error) {
	var p models.Peer
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND public_key = ?", serverID, publicKey).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("peer with key on server %d", serverID)
	}
	return &p, err
}

// FindByTokenHash — поиск пира по хэшу provisioning-токена.
func (s *PeerStore) FindByTokenHash(ctx context.Context, hash []byte) (*models.Peer, error) {
	var p models.Peer
	err := s.db.WithContext(ctx).Where("token_hash = ?", hash).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrToken
	}
	return &p, err
}

func (s *PeerStore) Save(ctx context.Context, p *models.Peer) error {
	err := s.db.WithContext(ctx).Save(p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Validationf("public key or address already in use on this server")
	}
	return err
}

// UpdateObserved пишет только наблюдаемые health-поля, не трогая конфигурацию —
// скан не должен конфликтовать с параллельным оператором.
func (s *PeerStore) UpdateObserved(ctx context.Context, id uint, handshake *time.Time, endpointIP string, rx, tx int64) error {
	updates := map[string]any{
		"rx_bytes": rx,
		"tx_bytes": tx,
	}
	if handshake != nil {
		updates["last_handshake_at"] = *handshake
	}
	if endpointIP != "" {
		updates["endpoint_ip"] = endpointIP
	}
	return s.db.WithContext(ctx).Model(&models.Peer{}).Where("id = ?", id).Updates(updates).Error
}

func (s *PeerStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("peer_id = ?", id).Delete(&models.ConnectionLog{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Peer{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFoundf("peer %d", id)
		}
		return nil
	})
}
