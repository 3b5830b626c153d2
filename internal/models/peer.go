package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// NullCIDR — CIDR-строка, которая хранится в БД как NULL при пустом
// значении: unique-индекс по колонке не схлопывает пиров без адреса
// этого семейства (NULL-строки в индексе не конфликтуют).
type NullCIDR string

func (c NullCIDR) Value() (driver.Value, error) {
	if c == "" {
		return nil, nil
	}
	return string(c), nil
}

func (c *NullCIDR) Scan(v any) error {
	switch t := v.(type) {
	case nil:
		*c = ""
	case string:
		*c = NullCIDR(t)
	case []byte:
		*c = NullCIDR(t)
	default:
		return fmt.Errorf("cannot scan %T into NullCIDR", v)
	}
	return nil
}

// Статусы пира: обе стороны перехода — явные действия оператора.
const (
	PeerStatusActive   = "active"
	PeerStatusDisabled = "disabled"
)

// Peer — удалённая точка, принадлежит ровно одному серверу.
// PrivateKey/PresharedKey зашифрованы; PrivateKey пуст, если устройство
// само зарегистрировало свой публичный ключ (сервер его приватный не знает).
type Peer struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ServerID uint   `gorm:"not null;uniqueIndex:uniq_server_pubkey,priority:1;uniqueIndex:uniq_server_addr,priority:1;uniqueIndex:uniq_server_addr6,priority:1" json:"server_id"`
	Name     string `gorm:"size:255;not null" json:"name"`

	PublicKey    string `gorm:"size:64;uniqueIndex:uniq_server_pubkey,priority:2" json:"public_key"`
	PrivateKey   string `gorm:"size:512" json:"-"`
	PresharedKey string `gorm:"size:512" json:"-"`

	// Выделенные адреса с host-префиксом (/32, /128) — отдельно от AllowedIPs.
	// Оба под unique-индексом (server_id, address*): это финальный backstop
	// против двойного выделения, когда две транзакции прочитали сет до
	// коммита друг друга.
	Address  string   `gorm:"size:64;uniqueIndex:uniq_server_addr,priority:2" json:"address"`
	Address6 NullCIDR `gorm:"size:64;uniqueIndex:uniq_server_addr6,priority:2" json:"address6,omitempty"`

	AllowedIPs string `gorm:"size:1024" json:"allowed_ips"` // CSV
	Keepalive  int    `json:"keepalive,omitempty"`

	Status string `gorm:"size:16;default:active" json:"status"`

	// Single-use provisioning token: храним только хэш, обнуляется при redeem.
	TokenHash      []byte     `gorm:"size:64" json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`

	// Наблюдаемое состояние (пишет HealthMonitor, не оператор).
	LastHandshakeAt *time.Time `json:"last_handshake_at,omitempty"`
	EndpointIP      string     `gorm:"size:64" json:"endpoint_ip,omitempty"`
	RxBytes         int64      `json:"rx_bytes"`
	TxBytes         int64      `json:"tx_bytes"`

	// Метаданные маршрутизации: сети, доступные через пир / за пиром.
	KnownSubnets string `gorm:"size:1024" json:"known_subnets,omitempty"` // CSV
	LanSubnets   string `gorm:"size:1024" json:"lan_subnets,omitempty"`   // CSV

	ConnectionLogs []ConnectionLog `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (p *Peer) AllowedIPList() []string   { return splitCSV(p.AllowedIPs) }
func (p *Peer) KnownSubnetList() []string { return splitCSV(p.KnownSubnets) }
func (p *Peer) LanSubnetList() []string   { return splitCSV(p.LanSubnets) }

// Addresses — ненулевые выделенные адреса (v4, затем v6).
func (p *Peer) Addresses() []string {
	var out []string
	if p.Address != "" {
		out = append(out, p.Address)
	}
	if p.Address6 != "" {
		out = append(out, string(p.Address6))
	}
	return out
}

// HasToken — есть ли непогашенный provisioning-токен.
func (p *Peer) HasToken() bool { return len(p.TokenHash) > 0 && p.TokenExpiresAt != nil }
