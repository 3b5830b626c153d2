package models

import (
	"strings"
	"time"
)

// Server — один VPN-концентратор (wg-интерфейс) со своим пулом адресов.
// PrivateKey хранится только в зашифрованном виде (см. internal/keys).
type Server struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name       string `gorm:"uniqueIndex;size:255;not null" json:"name"`
	Interface  string `gorm:"size:15;not null" json:"interface"`
	ListenPort int    `gorm:"not null" json:"listen_port"`

	PrivateKey string `gorm:"size:512" json:"-"`
	PublicKey  string `gorm:"size:64" json:"public_key"`

	EndpointHost string `gorm:"size:255" json:"endpoint_host"`
	EndpointPort int    `json:"endpoint_port"`

	NetworkCIDR  string `gorm:"size:64" json:"network_cidr"`            // IPv4, обязателен
	NetworkCIDR6 string `gorm:"size:64" json:"network_cidr6,omitempty"` // IPv6, опционален

	MTU    int    `json:"mtu,omitempty"`
	DNS    string `gorm:"size:255" json:"dns,omitempty"`    // CSV
	Routes string `gorm:"size:1024" json:"routes,omitempty"` // CSV: дополнительные CIDR за этим сервером

	AutoDeploy bool `gorm:"default:false" json:"auto_deploy"`
	Active     bool `gorm:"default:true" json:"active"`

	// Router-sync (опционально): пуш peer-записей во внешний роутер.
	RouterAPIURL   string `gorm:"size:255" json:"router_api_url,omitempty"`
	RouterUser     string `gorm:"size:64" json:"router_user,omitempty"`
	RouterPassword string `gorm:"size:512" json:"-"` // зашифрован

	Peers []Peer `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// DNSList — DNS-серверы списком (в БД лежит CSV).
func (s *Server) DNSList() []string { return splitCSV(s.DNS) }

// RouteList — дополнительные маршруты списком.
func (s *Server) RouteList() []string { return splitCSV(s.Routes) }

// RouterConfigured — настроен ли внешний роутер (пустой URL = no-op, не ошибка).
func (s *Server) RouterConfigured() bool { return strings.TrimSpace(s.RouterAPIURL) != "" }

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinCSV — обратная операция к splitCSV.
func JoinCSV(items []string) string { return strings.Join(items, ",") }
