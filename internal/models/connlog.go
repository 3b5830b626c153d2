package models

import "time"

// ConnectionLog — append-only запись одной наблюдаемой сессии пира.
// Открывается при connect, закрывается при disconnect, чистится retention-cleanup
// (жёсткое удаление, без soft-delete).
type ConnectionLog struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	PeerID uint `gorm:"index;not null" json:"peer_id"`

	ConnectedAt    time.Time  `gorm:"not null" json:"connected_at"`
	DisconnectedAt *time.Time `gorm:"index" json:"disconnected_at,omitempty"` // NULL пока сессия открыта

	EndpointIP string `gorm:"size:64" json:"endpoint_ip,omitempty"`
	Address    string `gorm:"size:64" json:"address,omitempty"` // выделенный адрес на момент сессии

	RxBytes int64 `json:"rx_bytes"`
	TxBytes int64 `json:"tx_bytes"`

	Reason string `gorm:"size:255" json:"reason,omitempty"`
}
