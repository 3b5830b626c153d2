package registry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"wgfleet/internal/apperr"
	"wgfleet/internal/events"
	"wgfleet/internal/keys"
	"wgfleet/internal/logs"
	"wgfleet/internal/models"
	"wgfleet/internal/render/ros"
	"wgfleet/internal/render/tunnel"
	"wgfleet/internal/repo"
	"wgfleet/internal/settings"
	"wgfleet/internal/tokens"
)

// Сколько раз повторяем аллокацию, если гонка на адресе проиграна
// на unique-констрейнте.
const allocRetries = 3

// PeerInput — создание пира.
type PeerInput struct {
	ServerID uint   `json:"server_id"`
	Name     string `json:"name"`

	// Ключи: всё опционально. Без ключей пара генерится здесь; с одним
	// публичным — пир ждёт self-registration либо устройство с этим ключом.
	PublicKey  string `json:"public_key,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	WithPSK    bool   `json:"with_psk,omitempty"`

	// Запрошенные адреса; пусто = первый свободный.
	Address  string `json:"address,omitempty"`
	Address6 string `json:"address6,omitempty"`

	AllowedIPs   []string `json:"allowed_ips,omitempty"`
	Keepalive    int      `json:"keepalive,omitempty"`
	KnownSubnets []string `json:"known_subnets,omitempty"`
	LanSubnets   []string `json:"lan_subnets,omitempty"`

	TokenTTL time.Duration `json:"token_ttl,omitempty"`
}

// PeerUpdateInput — изменяемые на update поля. Адреса и ключи не трогаются.
type PeerUpdateInput struct {
	Name         string   `json:"name"`
	AllowedIPs   []string `json:"allowed_ips,omitempty"`
	Keepalive    int      `json:"keepalive,omitempty"`
	KnownSubnets []string `json:"known_subnets,omitempty"`
	LanSubnets   []string `json:"lan_subnets,omitempty"`
}

// PeerCreateResult: plaintext-токен отдаётся единственный раз здесь.
// DeployWarning не пустой — пир создан, но живой интерфейс не обновился.
type PeerCreateResult struct {
	Peer           *models.Peer `json:"peer"`
	Token          string       `json:"token,omitempty"`
	TokenExpiresAt time.Time    `json:"token_expires_at,omitempty"`
	DeployWarning  string       `json:"deploy_warning,omitempty"`
}

type PeerRegistry struct {
	peers    *repo.PeerStore
	servers  *repo.ServerStore
	cipher   *keys.Cipher
	tokens   *tokens.Service
	notify   events.Notifier
	deployer Deployer
	set      *settings.Service

	defaultNetwork      string
	endpointPlaceholder string
}

func NewPeerRegistry(peers *repo.PeerStore, servers *repo.ServerStore, cipher *keys.Cipher,
	tok *tokens.Service, notify events.Notifier, dep Deployer, set *settings.Service,
	defaultNetwork, endpointPlaceholder string) *PeerRegistry {
	if notify == nil {
		notify = events.LogNotifier{}
	}
	return &PeerRegistry{
		peers: peers, servers: servers, cipher: cipher, tokens: tok,
		notify: notify, deployer: dep, set: set,
		defaultNetwork: defaultNetwork, endpointPlaceholder: endpointPlaceholder,
	}
}

// Create: сервер резолвится (без сети — получает дефолтную), ключи
// генерятся/валидируются, адреса выделяются транзакционно, provisioning-токен
// выпускается сразу. Сбой авто-деплоя пир НЕ откатывает.
func (r *PeerRegistry) Create(ctx context.Context, in PeerInput) (*PeerCreateResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperr.Validationf("peer name is required")
	}
	srv, err := r.servers.GetByID(ctx, in.ServerID)
	if err != nil {
		return nil, err
	}
	if srv.NetworkCIDR == "" {
		// сервер без сети получает дефолтную и сохраняется; операторская
		// настройка в settings-store приоритетнее конфига процесса
		srv.NetworkCIDR = r.set.GetString(ctx, settings.KeyDefaultNetwork, r.defaultNetwork)
		if err := r.servers.Save(ctx, srv); err != nil {
			return nil, err
		}
	}
	if err := validateCIDRList(in.AllowedIPs, "allowed_ips"); err != nil {
		return nil, err
	}
	if err := validateCIDRList(in.KnownSubnets, "known_subnets"); err != nil {
		return nil, err
	}
	if err := validateCIDRList(in.LanSubnets, "lan_subnets"); err != nil {
		return nil, err
	}
	if in.Address6 != "" && srv.NetworkCIDR6 == "" {
		return nil, apperr.Validationf("server %q has no IPv6 network", srv.Name)
	}

	var priv, pub string
	switch {
	case in.PublicKey != "":
		if !keys.ValidateKey(in.PublicKey) {
			return nil, apperr.Validationf("malformed public key")
		}
		pub = in.PublicKey
		if in.PrivateKey != "" {
			if !keys.ValidateKey(in.PrivateKey) {
				return nil, apperr.Validationf("malformed private key")
			}
			derived, err := keys.DerivePublic(in.PrivateKey)
			if err != nil {
				return nil, err
			}
			if derived != pub {
				return nil, apperr.Validationf("private key does not match public key")
			}
			priv = in.PrivateKey
		}
	case in.PrivateKey != "":
		if !keys.ValidateKey(in.PrivateKey) {
			return nil, apperr.Validationf("malformed private key")
		}
		priv = in.PrivateKey
		if pub, err = keys.DerivePublic(priv); err != nil {
			return nil, err
		}
	default:
		if priv, pub, err = keys.GenerateKeypair(); err != nil {
			return nil, err
		}
	}

	p := &models.Peer{
		ServerID:     srv.ID,
		Name:         in.Name,
		PublicKey:    pub,
		Keepalive:    in.Keepalive,
		Status:       models.PeerStatusActive,
		AllowedIPs:   models.JoinCSV(in.AllowedIPs),
		KnownSubnets: models.JoinCSV(in.KnownSubnets),
		LanSubnets:   models.JoinCSV(in.LanSubnets),
	}
	if priv != "" {
		if p.PrivateKey, err = r.cipher.Encrypt(priv); err != nil {
			return nil, err
		}
	}
	if in.WithPSK {
		psk, err := keys.GeneratePresharedKey()
		if err != nil {
			return nil, err
		}
		if p.PresharedKey, err = r.cipher.Encrypt(psk); err != nil {
			return nil, err
		}
	}

	// аллокация: при проигранной гонке повторяем с перечитанным сетом
	for attempt := 0; ; attempt++ {
		err = r.peers.CreateAllocated(ctx, p, srv, in.Address, in.Address6)
		if err == nil {
			break
		}
		if errors.Is(err, apperr.ErrAddressConflict) && in.Address == "" && attempt < allocRetries {
			p.Address, p.Address6 = "", ""
			continue
		}
		return nil, err
	}

	// allowed_ips по умолчанию — ровно собственные адреса пира
	if p.AllowedIPs == "" {
		p.AllowedIPs = models.JoinCSV(p.Addresses())
		if err := r.peers.Save(ctx, p); err != nil {
			return nil, err
		}
	}

	res := &PeerCreateResult{Peer: p}
	if res.Token, res.TokenExpiresAt, err = r.tokens.Issue(ctx, p, in.TokenTTL); err != nil {
		return nil, err
	}

	res.DeployWarning = r.refreshServer(ctx, srv)
	r.syncRouter(ctx, srv, p, false)
	r.notify.Notify(events.PeerCreated, map[string]any{
		"peer_id": p.ID, "server_id": srv.ID, "name": p.Name, "address": p.Address,
	})
	return res, nil
}

// Update: адреса и ключи не меняются; allowed_ips перенормализуются,
// IPv6-право перепроверяется против текущей сети сервера.
func (r *PeerRegistry) Update(ctx context.Context, id uint, in PeerUpdateInput) (*models.Peer, string, error) {
	p, err := r.peers.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	srv, err := r.servers.GetByID(ctx, p.ServerID)
	if err != nil {
		return nil, "", err
	}
	if in.Name = strings.TrimSpace(in.Name); in.Name == "" {
		return nil, "", apperr.Validationf("peer name is required")
	}
	if err := validateCIDRList(in.AllowedIPs, "allowed_ips"); err != nil {
		return nil, "", err
	}
	if err := validateCIDRList(in.KnownSubnets, "known_subnets"); err != nil {
		return nil, "", err
	}
	if err := validateCIDRList(in.LanSubnets, "lan_subnets"); err != nil {
		return nil, "", err
	}
	if p.Address6 != "" && srv.NetworkCIDR6 == "" {
		// сеть v6 сняли с сервера — адрес пира больше не валиден
		p.Address6 = ""
	}

	p.Name = in.Name
	p.Keepalive = in.Keepalive
	p.KnownSubnets = models.JoinCSV(in.KnownSubnets)
	p.LanSubnets = models.JoinCSV(in.LanSubnets)
	if len(in.AllowedIPs) > 0 {
		p.AllowedIPs = models.JoinCSV(in.AllowedIPs)
	} else {
		p.AllowedIPs = models.JoinCSV(p.Addresses())
	}

	if err := r.peers.Save(ctx, p); err != nil {
		return nil, "", err
	}
	warn := r.refreshServer(ctx, srv)
	r.syncRouter(ctx, srv, p, false)
	r.notify.Notify(events.PeerUpdated, map[string]any{"peer_id": p.ID, "server_id": srv.ID})
	return p, warn, nil
}

// Enable/Disable — выделенные переходы (не generic patch), каждый со своим
// деплой-рефрешем. Система сама пира никогда не выключает.
func (r *PeerRegistry) Enable(ctx context.Context, id uint) (*models.Peer, string, error) {
	return r.setStatus(ctx, id, models.PeerStatusActive, events.PeerEnabled)
}

func (r *PeerRegistry) Disable(ctx context.Context, id uint) (*models.Peer, string, error) {
	return r.setStatus(ctx, id, models.PeerStatusDisabled, events.PeerDisabled)
}

func (r *PeerRegistry) setStatus(ctx context.Context, id uint, status, event string) (*models.Peer, string, error) {
	p, err := r.peers.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	srv, err := r.servers.GetByID(ctx, p.ServerID)
	if err != nil {
		return nil, "", err
	}
	if p.Status != status {
		p.Status = status
		if err := r.peers.Save(ctx, p); err != nil {
			return nil, "", err
		}
	}
	warn := r.refreshServer(ctx, srv)
	if status == models.PeerStatusDisabled {
		r.syncRouter(ctx, srv, p, true)
	} else {
		r.syncRouter(ctx, srv, p, false)
	}
	r.notify.Notify(event, map[string]any{"peer_id": p.ID, "server_id": srv.ID})
	return p, warn, nil
}

func (r *PeerRegistry) Delete(ctx context.Context, id uint) (string, error) {
	p, err := r.peers.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	srv, err := r.servers.GetByID(ctx, p.ServerID)
	if err != nil {
		return "", err
	}
	if err := r.peers.Delete(ctx, id); err != nil {
		return "", err
	}
	warn := r.refreshServer(ctx, srv)
	r.syncRouter(ctx, srv, p, true)
	r.notify.Notify(events.PeerDeleted, map[string]any{"peer_id": id, "server_id": srv.ID})
	return warn, nil
}

// RegenerateToken выпускает новый provisioning-токен взамен старого.
func (r *PeerRegistry) RegenerateToken(ctx context.Context, id uint, ttl time.Duration) (*PeerCreateResult, error) {
	p, err := r.peers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &PeerCreateResult{Peer: p}
	if res.Token, res.TokenExpiresAt, err = r.tokens.Issue(ctx, p, ttl); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *PeerRegistry) Get(ctx context.Context, id uint) (*models.Peer, error) {
	return r.peers.GetByID(ctx, id)
}

func (r *PeerRegistry) ListByServer(ctx context.Context, serverID uint) ([]models.Peer, error) {
	return r.peers.ListByServer(ctx, serverID)
}

// TunnelConfig — полный клиентский конфиг. Работает только пока пир владеет
// приватным ключом: после self-registration это PrivateKeyNotStored.
func (r *PeerRegistry) TunnelConfig(ctx context.Context, id uint) (string, error) {
	v, err := r.view(ctx, id)
	if err != nil {
		return "", err
	}
	return tunnel.Render(*v), nil
}

// RouterScript — .rsc-скрипт той же view-модели.
func (r *PeerRegistry) RouterScript(ctx context.Context, id uint) (string, error) {
	v, err := r.view(ctx, id)
	if err != nil {
		return "", err
	}
	return ros.Script(*v), nil
}

// view собирает общую модель пир+сервер для обоих рендереров и громко
// падает на отсутствующих обязательных данных.
func (r *PeerRegistry) view(ctx context.Context, id uint) (*tunnel.View, error) {
	p, err := r.peers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	srv, err := r.servers.GetByID(ctx, p.ServerID)
	if err != nil {
		return nil, err
	}
	if !srv.Active {
		return nil, apperr.Validationf("server %q is not active", srv.Name)
	}
	if p.PrivateKey == "" {
		return nil, apperr.ErrPrivateKeyNotStored
	}
	priv, err := r.cipher.Decrypt(p.PrivateKey)
	if err != nil {
		return nil, err
	}
	if len(p.Addresses()) == 0 {
		return nil, apperr.Validationf("peer %q has no allocated address", p.Name)
	}
	psk := ""
	if p.PresharedKey != "" {
		if psk, err = r.cipher.Decrypt(p.PresharedKey); err != nil {
			return nil, err
		}
	}

	// AllowedIPs клиентской стороны: сети сервера + его маршруты + сети за пиром
	allowed := tokens.AllowedNetworks(srv)
	allowed = append(allowed, p.KnownSubnetList()...)

	return &tunnel.View{
		PrivateKey:      priv,
		Addresses:       p.Addresses(),
		DNS:             srv.DNSList(),
		MTU:             srv.MTU,
		ServerPublicKey: srv.PublicKey,
		PresharedKey:    psk,
		Endpoint:        tokens.Endpoint(srv, r.endpointPlaceholder),
		AllowedIPs:      allowed,
		Keepalive:       p.Keepalive,
		PeerName:        p.Name,
	}, nil
}

func (r *PeerRegistry) refreshServer(ctx context.Context, srv *models.Server) string {
	if r.deployer == nil || !srv.AutoDeploy || !srv.Active {
		return ""
	}
	if ok, msg := r.deployer.Deploy(ctx, srv); !ok {
		logs.Logger.Warnf("auto-deploy of server %q failed: %s", srv.Name, msg)
		return msg
	}
	return ""
}

// syncRouter — push/remove peer-записи во внешний роутер, best-effort.
func (r *PeerRegistry) syncRouter(ctx context.Context, srv *models.Server, p *models.Peer, remove bool) {
	if r.deployer == nil || !srv.RouterConfigured() {
		return
	}
	var err error
	if remove {
		err = r.deployer.RemovePeer(ctx, srv, p)
	} else {
		err = r.deployer.SyncPeer(ctx, srv, p)
	}
	if err != nil {
		logs.Logger.Warnf("router sync for peer %q: %v", p.Name, err)
	}
}

func validateCIDRList(list []string, field string) error {
	for _, c := range list {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(c)); err != nil {
			return apperr.Validationf("bad CIDR %q in %s", c, field)
		}
	}
	return nil
}
