// Package registry — менеджеры сущностей Server/Peer: CRUD плюс инварианты,
// жизненный цикл ключей, аллокация адресов и best-effort деплой.
package registry

import (
	"context"
	"net"
	"strings"

	"wgfleet/internal/apperr"
	"wgfleet/internal/events"
	"wgfleet/internal/keys"
	"wgfleet/internal/logs"
	"wgfleet/internal/models"
	"wgfleet/internal/repo"
)

// Deployer — то, что реестрам нужно от DeploymentOrchestrator.
// Возврат (ok, message) вместо ошибки: деплой для мутаций advisory.
type Deployer interface {
	Deploy(ctx context.Context, srv *models.Server) (ok bool, message string)
	Undeploy(ctx context.Context, srv *models.Server) (ok bool, message string)
	SyncPeer(ctx context.Context, srv *models.Server, p *models.Peer) error
	RemovePeer(ctx context.Context, srv *models.Server, p *models.Peer) error
}

// ServerInput — входные поля создания/обновления сервера.
type ServerInput struct {
	Name       string `json:"name"`
	Interface  string `json:"interface"`
	ListenPort int    `json:"listen_port"`

	// Опционально: свой приватный ключ. Публичный всегда derived.
	PrivateKey string `json:"private_key,omitempty"`

	EndpointHost string `json:"endpoint_host"`
	EndpointPort int    `json:"endpoint_port"`

	NetworkCIDR  string   `json:"network_cidr"`
	NetworkCIDR6 string   `json:"network_cidr6,omitempty"`
	MTU          int      `json:"mtu,omitempty"`
	DNS          []string `json:"dns,omitempty"`
	Routes       []string `json:"routes,omitempty"`

	AutoDeploy bool `json:"auto_deploy"`
	Active     bool `json:"active"`

	RouterAPIURL   string `json:"router_api_url,omitempty"`
	RouterUser     string `json:"router_user,omitempty"`
	RouterPassword string `json:"router_password,omitempty"`
}

type ServerRegistry struct {
	servers  *repo.ServerStore
	peers    *repo.PeerStore
	cipher   *keys.Cipher
	notify   events.Notifier
	deployer Deployer // nil = деплой выключен (тесты, dry-run)
}

func NewServerRegistry(servers *repo.ServerStore, peers *repo.PeerStore, cipher *keys.Cipher, notify events.Notifier, dep Deployer) *ServerRegistry {
	if notify == nil {
		notify = events.LogNotifier{}
	}
	return &ServerRegistry{servers: servers, peers: peers, cipher: cipher, notify: notify, deployer: dep}
}

// Create: ключи генерятся при отсутствии, приватный ключ шифруется до записи.
func (r *ServerRegistry) Create(ctx context.Context, in ServerInput) (*models.Server, error) {
	if err := validateServerInput(&in); err != nil {
		return nil, err
	}

	var priv, pub string
	var err error
	if in.PrivateKey != "" {
		if !keys.ValidateKey(in.PrivateKey) {
			return nil, apperr.Validationf("malformed private key")
		}
		priv = in.PrivateKey
		if pub, err = keys.DerivePublic(priv); err != nil {
			return nil, err
		}
	} else if priv, pub, err = keys.GenerateKeypair(); err != nil {
		return nil, err
	}

	encPriv, err := r.cipher.Encrypt(priv)
	if err != nil {
		return nil, err
	}
	encRouterPass := ""
	if in.RouterPassword != "" {
		if encRouterPass, err = r.cipher.Encrypt(in.RouterPassword); err != nil {
			return nil, err
		}
	}

	srv := &models.Server{
		Name:           in.Name,
		Interface:      in.Interface,
		ListenPort:     in.ListenPort,
		PrivateKey:     encPriv,
		PublicKey:      pub,
		EndpointHost:   in.EndpointHost,
		EndpointPort:   in.EndpointPort,
		NetworkCIDR:    in.NetworkCIDR,
		NetworkCIDR6:   in.NetworkCIDR6,
		MTU:            in.MTU,
		DNS:            models.JoinCSV(in.DNS),
		Routes:         models.JoinCSV(in.Routes),
		AutoDeploy:     in.AutoDeploy,
		Active:         in.Active,
		RouterAPIURL:   in.RouterAPIURL,
		RouterUser:     in.RouterUser,
		RouterPassword: encRouterPass,
	}
	if err := r.servers.Create(ctx, srv); err != nil {
		return nil, err
	}
	r.notify.Notify(events.ServerCreated, map[string]any{"server_id": srv.ID, "name": srv.Name})
	return srv, nil
}

// Update меняет всё, КРОМЕ ключей: смена ключей — только явный RegenerateKeys.
func (r *ServerRegistry) Update(ctx context.Context, id uint, in ServerInput) (*models.Server, string, error) {
	if err := validateServerInput(&in); err != nil {
		return nil, "", err
	}
	srv, err := r.servers.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}

	srv.Name = in.Name
	srv.Interface = in.Interface
	srv.ListenPort = in.ListenPort
	srv.EndpointHost = in.EndpointHost
	srv.EndpointPort = in.EndpointPort
	srv.NetworkCIDR = in.NetworkCIDR
	srv.NetworkCIDR6 = in.NetworkCIDR6
	srv.MTU = in.MTU
	srv.DNS = models.JoinCSV(in.DNS)
	srv.Routes = models.JoinCSV(in.Routes)
	srv.AutoDeploy = in.AutoDeploy
	srv.Active = in.Active
	srv.RouterAPIURL = in.RouterAPIURL
	srv.RouterUser = in.RouterUser
	if in.RouterPassword != "" {
		enc, err := r.cipher.Encrypt(in.RouterPassword)
		if err != nil {
			return nil, "", err
		}
		srv.RouterPassword = enc
	}

	if err := r.servers.Save(ctx, srv); err != nil {
		return nil, "", err
	}
	r.notify.Notify(events.ServerUpdated, map[string]any{"server_id": srv.ID, "name": srv.Name})
	return srv, r.refresh(ctx, srv), nil
}

// RegenerateKeys — деструктивная операция: все пиры теряют связность,
// пока не переконфигурируются. Отдельное явное действие, не side effect.
func (r *ServerRegistry) RegenerateKeys(ctx context.Context, id uint) (*models.Server, string, error) {
	srv, err := r.servers.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	priv, pub, err := keys.GenerateKeypair()
	if err != nil {
		return nil, "", err
	}
	if srv.PrivateKey, err = r.cipher.Encrypt(priv); err != nil {
		return nil, "", err
	}
	srv.PublicKey = pub
	if err := r.servers.Save(ctx, srv); err != nil {
		return nil, "", err
	}
	logs.Logger.Warnf("server %q keys regenerated, all peers need reconfiguration", srv.Name)
	r.notify.Notify(events.ServerKeysRegenerated, map[string]any{"server_id": srv.ID, "name": srv.Name})
	return srv, r.refresh(ctx, srv), nil
}

// Delete каскадом убирает пиры; живой интерфейс опускается best-effort.
func (r *ServerRegistry) Delete(ctx context.Context, id uint) (string, error) {
	srv, err := r.servers.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if err := r.servers.Delete(ctx, id); err != nil {
		return "", err
	}
	warning := ""
	if r.deployer != nil {
		if ok, msg := r.deployer.Undeploy(ctx, srv); !ok {
			warning = msg
			logs.Logger.Warnf("undeploy after delete of server %q: %s", srv.Name, msg)
		}
	}
	r.notify.Notify(events.ServerDeleted, map[string]any{"server_id": id, "name": srv.Name})
	return warning, nil
}

func (r *ServerRegistry) Get(ctx context.Context, id uint) (*models.Server, error) {
	return r.servers.GetByID(ctx, id)
}

func (r *ServerRegistry) List(ctx context.Context) ([]models.Server, error) {
	return r.servers.List(ctx)
}

// refresh — best-effort деплой при включённом auto-deploy; сбой — warning,
// не ошибка мутации.
func (r *ServerRegistry) refresh(ctx context.Context, srv *models.Server) string {
	if r.deployer == nil || !srv.AutoDeploy || !srv.Active {
		return ""
	}
	if ok, msg := r.deployer.Deploy(ctx, srv); !ok {
		logs.Logger.Warnf("auto-deploy of server %q failed: %s", srv.Name, msg)
		return msg
	}
	return ""
}

func validateServerInput(in *ServerInput) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return apperr.Validationf("server name is required")
	}
	if in.Interface = strings.TrimSpace(in.Interface); in.Interface == "" {
		in.Interface = "wg0"
	}
	if in.ListenPort < 1 || in.ListenPort > 65535 {
		return apperr.Validationf("listen port %d out of range [1,65535]", in.ListenPort)
	}
	if in.NetworkCIDR != "" {
		if ip, _, err := net.ParseCIDR(in.NetworkCIDR); err != nil || ip.To4() == nil {
			return apperr.Validationf("bad IPv4 network CIDR %q", in.NetworkCIDR)
		}
	}
	if in.NetworkCIDR6 != "" {
		if ip, _, err := net.ParseCIDR(in.NetworkCIDR6); err != nil || ip.To4() != nil {
			return apperr.Validationf("bad IPv6 network CIDR %q", in.NetworkCIDR6)
		}
	}
	for _, c := range in.Routes {
		if _, _, err := net.ParseCIDR(c); err != nil {
			return apperr.Validationf("bad route CIDR %q", c)
		}
	}
	return nil
}
