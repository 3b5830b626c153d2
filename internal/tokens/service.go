// Package tokens — zero-touch onboarding: оператор выпускает time-boxed
// токен под заранее созданного пира, устройство гасит его своим публичным
// ключом и получает [Peer]-фрагмент конфига.
package tokens

import (
	"context"
	"net"
	"strconv"
	"time"

	"wgfleet/internal/apperr"
	"wgfleet/internal/events"
	"wgfleet/internal/keys"
	"wgfleet/internal/logs"
	"wgfleet/internal/models"
	"wgfleet/internal/render/tunnel"
	"wgfleet/internal/repo"
)

type Service struct {
	peers   *repo.PeerStore
	servers *repo.ServerStore
	cipher  *keys.Cipher

	// подменяемые часы: expiry-тесты гоняются без sleep
	now func() time.Time

	notify              events.Notifier
	endpointPlaceholder string
}

func New(peers *repo.PeerStore, servers *repo.ServerStore, cipher *keys.Cipher, endpointPlaceholder string) *Service {
	return &Service{
		peers:               peers,
		servers:             servers,
		cipher:              cipher,
		now:                 func() time.Time { return time.Now().UTC() },
		notify:              events.LogNotifier{},
		endpointPlaceholder: endpointPlaceholder,
	}
}

// WithClock — инъекция часов (тесты).
func (s *Service) WithClock(now func() time.Time) *Service { s.now = now; return s }

// WithNotifier — замена дефолтного log-нотифаера внешним fan-out.
func (s *Service) WithNotifier(n events.Notifier) *Service {
	if n != nil {
		s.notify = n
	}
	return s
}

// Issue выпускает токен для пира: в БД — только хэш и срок,
// plaintext возвращается ровно один раз.
func (s *Service) Issue(ctx context.Context, peer *models.Peer, ttl time.Duration) (token string, expires time.Time, err error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, err = keys.GenerateToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expires = s.now().Add(ttl)
	peer.TokenHash = keys.HashToken(token)
	peer.TokenExpiresAt = &expires
	if err := s.peers.Save(ctx, peer); err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Redeem гасит токен: проверяет срок (в UTC, без naive/aware каши),
// валидирует ключ устройства, переписывает публичный ключ пира, забывает
// его приватный ключ и ПОСЛЕДНИМ персистентным шагом стирает хэш токена —
// токен single-use по построению. Возвращает [Peer]-фрагмент: [Interface]
// устройству не нужен, приватный ключ у него свой.
func (s *Service) Redeem(ctx context.Context, token, devicePublicKey string) (*models.Peer, string, error) {
	if token == "" {
		return nil, "", apperr.ErrToken
	}
	if !keys.ValidateKey(devicePublicKey) {
		return nil, "", apperr.Validationf("malformed device public key")
	}

	peer, err := s.peers.FindByTokenHash(ctx, keys.HashToken(token))
	if err != nil {
		return nil, "", err
	}
	if !keys.VerifyToken(token, peer.TokenHash) {
		return nil, "", apperr.ErrToken
	}
	if peer.TokenExpiresAt == nil || s.now().After(peer.TokenExpiresAt.UTC()) {
		return nil, "", apperr.ErrToken
	}

	srv, err := s.servers.GetByID(ctx, peer.ServerID)
	if err != nil {
		return nil, "", err
	}
	if !srv.Active {
		return nil, "", apperr.Validationf("server %q is not active", srv.Name)
	}

	peer.PublicKey = devicePublicKey
	peer.PrivateKey = "" // сервер больше не владеет приватным ключом
	peer.TokenHash = nil
	peer.TokenExpiresAt = nil
	if err := s.peers.Save(ctx, peer); err != nil {
		return nil, "", err
	}
	logs.Logger.Infof("peer %d self-registered on server %q", peer.ID, srv.Name)
	s.notify.Notify(events.PeerRegistered, map[string]any{
		"peer_id": peer.ID, "server_id": srv.ID, "name": peer.Name,
	})

	frag, err := s.peerFragment(peer, srv)
	if err != nil {
		return nil, "", err
	}
	return peer, frag, nil
}

// peerFragment — минимальный [Peer]-блок под ключи этого сервера.
func (s *Service) peerFragment(peer *models.Peer, srv *models.Server) (string, error) {
	psk := ""
	if peer.PresharedKey != "" {
		var err error
		if psk, err = s.cipher.Decrypt(peer.PresharedKey); err != nil {
			return "", err
		}
	}
	return tunnel.RenderPeerSection(tunnel.View{
		ServerPublicKey: srv.PublicKey,
		PresharedKey:    psk,
		Endpoint:        Endpoint(srv, s.endpointPlaceholder),
		AllowedIPs:      AllowedNetworks(srv),
		Keepalive:       peer.Keepalive,
		PeerName:        peer.Name,
	}), nil
}

// Endpoint — host:port сервера либо placeholder, если публичный хост не задан.
func Endpoint(srv *models.Server, placeholder string) string {
	if srv.EndpointHost == "" {
		if placeholder != "" {
			return placeholder
		}
		return "SERVER_ADDRESS:51820"
	}
	port := srv.EndpointPort
	if port == 0 {
		port = srv.ListenPort
	}
	return net.JoinHostPort(srv.EndpointHost, strconv.Itoa(port))
}

// AllowedNetworks — сети сервера плюс его дополнительные маршруты.
func AllowedNetworks(srv *models.Server) []string {
	out := []string{srv.NetworkCIDR}
	if srv.NetworkCIDR6 != "" {
		out = append(out, srv.NetworkCIDR6)
	}
	return append(out, srv.RouteList()...)
}
