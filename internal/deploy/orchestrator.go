// Package deploy согласует желаемое состояние реестров с живым
// wg-интерфейсом хоста и (опционально) с peer-таблицей внешнего роутера.
package deploy

import (
	"context"
	"fmt"
	"net"
	"time"

	"wgfleet/internal/keys"
	"wgfleet/internal/logs"
	"wgfleet/internal/models"
	"wgfleet/internal/repo"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type Orchestrator struct {
	peers  *repo.PeerStore
	cipher *keys.Cipher
	router *RouterClient

	timeout time.Duration
	nat     bool
}

func NewOrchestrator(peers *repo.PeerStore, cipher *keys.Cipher, router *RouterClient, timeout time.Duration, nat bool) *Orchestrator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{peers: peers, cipher: cipher, router: router, timeout: timeout, nat: nat}
}

// Deploy поднимает интерфейс сервера и синхронизирует peer-таблицу.
// Идемпотентен: поднятие уже поднятого — успех. Для вызывающих мутаций
// результат advisory, поэтому (ok, message), а не error.
func (o *Orchestrator) Deploy(ctx context.Context, srv *models.Server) (bool, string) {
	// netlink и wgctrl не принимают контекст: дедлайн ограничивает только
	// чтение БД, сами системные вызовы локальные и не блокируются на сети
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.ensureLink(srv); err != nil {
		return false, fmt.Sprintf("interface setup: %v", err)
	}
	if err := o.configureDevice(ctx, srv); err != nil {
		return false, fmt.Sprintf("wireguard configure: %v", err)
	}
	if o.nat {
		if err := o.ensureNAT(srv); err != nil {
			// NAT — желательная, но не обязательная часть деплоя
			logs.Logger.Warnf("NAT setup for %q: %v", srv.Interface, err)
		}
	}
	logs.Logger.Infof("server %q deployed on %s", srv.Name, srv.Interface)
	return true, fmt.Sprintf("interface %s up", srv.Interface)
}

// Undeploy опускает интерфейс. Отсутствующий интерфейс — уже успех.
func (o *Orchestrator) Undeploy(_ context.Context, srv *models.Server) (bool, string) {
	link, err := netlink.LinkByName(srv.Interface)
	if err != nil {
		return true, fmt.Sprintf("interface %s already down", srv.Interface)
	}
	if err := netlink.LinkDel(link); err != nil {
		return false, fmt.Sprintf("interface teardown: %v", err)
	}
	logs.Logger.Infof("server %q undeployed from %s", srv.Name, srv.Interface)
	return true, fmt.Sprintf("interface %s removed", srv.Interface)
}

// Status читает живое состояние устройства (для queued-job "status").
func (o *Orchestrator) Status(_ context.Context, srv *models.Server) (map[string]any, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, err
	}
	defer client.Close()
	dev, err := client.Device(srv.Interface)
	if err != nil {
		return map[string]any{"up": false}, nil
	}
	return map[string]any{
		"up":          true,
		"interface":   dev.Name,
		"listen_port": dev.ListenPort,
		"peer_count":  len(dev.Peers),
	}, nil
}

// SyncPeer / RemovePeer — пуш одной peer-записи во внешний роутер.
// «Роутер не настроен» — no-op, не ошибка.
func (o *Orchestrator) SyncPeer(ctx context.Context, srv *models.Server, p *models.Peer) error {
	if o.router == nil || !srv.RouterConfigured() {
		return nil
	}
	return o.router.UpsertPeer(ctx, srv, p)
}

func (o *Orchestrator) RemovePeer(ctx context.Context, srv *models.Server, p *models.Peer) error {
	if o.router == nil || !srv.RouterConfigured() {
		return nil
	}
	return o.router.RemovePeer(ctx, srv, p)
}

// ensureLink создаёт wg-интерфейс при отсутствии, вешает адрес сервера
// и поднимает линк. Существующий линк не пересоздаётся.
func (o *Orchestrator) ensureLink(srv *models.Server) error {
	link, err := netlink.LinkByName(srv.Interface)
	if err != nil {
		la := netlink.NewLinkAttrs()
		la.Name = srv.Interface
		wgLink := &netlink.GenericLink{LinkAttrs: la, LinkType: "wireguard"}
		if err := netlink.LinkAdd(wgLink); err != nil {
			return fmt.Errorf("link add %s: %w", srv.Interface, err)
		}
		link = wgLink
	}

	addr, err := netlink.ParseAddr(srv.NetworkCIDR)
	if err != nil {
		return fmt.Errorf("bad server address %q: %w", srv.NetworkCIDR, err)
	}
	existing, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return err
	}
	have := false
	for _, a := range existing {
		if a.IPNet != nil && a.IP.Equal(addr.IP) {
			have = true
			break
		}
	}
	if !have {
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("addr add: %w", err)
		}
	}
	if srv.NetworkCIDR6 != "" {
		if addr6, err := netlink.ParseAddr(srv.NetworkCIDR6); err == nil {
			found := false
			for _, a := range existing {
				if a.IPNet != nil && a.IP.Equal(addr6.IP) {
					found = true
					break
				}
			}
			if !found {
				if err := netlink.AddrAdd(link, addr6); err != nil {
					return fmt.Errorf("addr6 add: %w", err)
				}
			}
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}
	return nil
}

// configureDevice переписывает peer-таблицу устройства по активным пирам
// реестра (ReplacePeers: снятые из БД пиры уходят и с интерфейса).
func (o *Orchestrator) configureDevice(ctx context.Context, srv *models.Server) error {
	privStr, err := o.cipher.Decrypt(srv.PrivateKey)
	if err != nil {
		return err
	}
	priv, err := wgtypes.ParseKey(privStr)
	if err != nil {
		return fmt.Errorf("server private key: %w", err)
	}

	activePeers, err := o.peers.ListActiveByServer(ctx, srv.ID)
	if err != nil {
		return err
	}

	cfg := wgtypes.Config{
		PrivateKey:   &priv,
		ListenPort:   &srv.ListenPort,
		ReplacePeers: true,
		Peers:        make([]wgtypes.PeerConfig, 0, len(activePeers)),
	}
	for i := range activePeers {
		pc, err := o.peerConfig(&activePeers[i])
		if err != nil {
			logs.Logger.Warnf("skip peer %q: %v", activePeers[i].Name, err)
			continue
		}
		cfg.Peers = append(cfg.Peers, *pc)
	}

	client, err := wgctrl.New()
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.ConfigureDevice(srv.Interface, cfg); err != nil {
		return fmt.Errorf("configure %s: %w", srv.Interface, err)
	}
	return nil
}

// peerConfig — wgtypes-представление пира: allowed = его allowed_ips
// (по умолчанию собственные адреса) плюс сети, доступные через него и за ним.
func (o *Orchestrator) peerConfig(p *models.Peer) (*wgtypes.PeerConfig, error) {
	pub, err := wgtypes.ParseKey(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	pc := &wgtypes.PeerConfig{
		PublicKey:         pub,
		ReplaceAllowedIPs: true,
	}
	if p.PresharedKey != "" {
		pskStr, err := o.cipher.Decrypt(p.PresharedKey)
		if err != nil {
			return nil, err
		}
		psk, err := wgtypes.ParseKey(pskStr)
		if err != nil {
			return nil, fmt.Errorf("preshared key: %w", err)
		}
		pc.PresharedKey = &psk
	}
	if p.Keepalive > 0 {
		ka := time.Duration(p.Keepalive) * time.Second
		pc.PersistentKeepaliveInterval = &ka
	}

	cidrs := p.AllowedIPList()
	if len(cidrs) == 0 {
		cidrs = p.Addresses()
	}
	cidrs = append(cidrs, p.KnownSubnetList()...)
	cidrs = append(cidrs, p.LanSubnetList()...)
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("allowed ip %q: %w", c, err)
		}
		pc.AllowedIPs = append(pc.AllowedIPs, *ipnet)
	}
	return pc, nil
}

// ensureNAT — masquerade для серверной сети (AppendUnique = идемпотентно).
func (o *Orchestrator) ensureNAT(srv *models.Server) error {
	ipt, err := iptables.New()
	if err != nil {
		return err
	}
	_, network, err := net.ParseCIDR(srv.NetworkCIDR)
	if err != nil {
		return err
	}
	return ipt.AppendUnique("nat", "POSTROUTING", "-s", network.String(), "-j", "MASQUERADE")
}
