// Package healthmon периодически снимает живое состояние wg-интерфейсов
// и сверяет его с реестром пиров.
package healthmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wgfleet/internal/logs"
	"wgfleet/internal/models"
	"wgfleet/internal/repo"
	"wgfleet/internal/settings"

	"golang.zx2c4.com/wireguard/wgctrl"
)

// Дефолты окон живости; переопределяются через settings.
const (
	defaultFreshWindow   = 180 * time.Second
	defaultStaleWindow   = 15 * time.Minute
	defaultRetentionDays = 30
	maxAlerts            = 100
)

// PeerSample — наблюдение одного пира на живом интерфейсе.
type PeerSample struct {
	PublicKey     string
	EndpointIP    string
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

// DeviceReader отдаёт пиров живого устройства. Выделен в интерфейс, чтобы
// тесты подставляли фиктивные наблюдения без netlink.
type DeviceReader interface {
	DevicePeers(iface string) ([]PeerSample, error)
}

// WGReader — боевой DeviceReader поверх wgctrl.
type WGReader struct{}

func (WGReader) DevicePeers(iface string) ([]PeerSample, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, err
	}
	defer client.Close()
	dev, err := client.Device(iface)
	if err != nil {
		return nil, err
	}
	out := make([]PeerSample, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		s := PeerSample{
			PublicKey:     p.PublicKey.String(),
			LastHandshake: p.LastHandshakeTime,
			RxBytes:       p.ReceiveBytes,
			TxBytes:       p.TransmitBytes,
		}
		if p.Endpoint != nil {
			s.EndpointIP = p.Endpoint.IP.String()
		}
		out = append(out, s)
	}
	return out, nil
}

// Alert — предупреждение монитора; держим ограниченный хвост, свежие первыми.
type Alert struct {
	At      time.Time `json:"at"`
	Server  string    `json:"server"`
	Peer    string    `json:"peer"`
	Message string    `json:"message"`
}

type Monitor struct {
	servers  *repo.ServerStore
	peers    *repo.PeerStore
	connlogs *repo.ConnLogStore
	settings *settings.Service
	reader   DeviceReader

	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	alerts  []Alert
}

func New(servers *repo.ServerStore, peers *repo.PeerStore, connlogs *repo.ConnLogStore,
	set *settings.Service, reader DeviceReader, interval time.Duration) *Monitor {
	if reader == nil {
		reader = WGReader{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		servers: servers, peers: peers, connlogs: connlogs,
		settings: set, reader: reader, interval: interval,
		now: time.Now,
	}
}

// WithClock — только для тестов.
func (m *Monitor) WithClock(now func() time.Time) *Monitor { m.now = now; return m }

// ShouldRun — самодросселирование: внешний планировщик может дёргать чаще,
// чем настроено, скан всё равно пойдёт не раньше своего интервала.
func (m *Monitor) ShouldRun(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Sub(m.lastRun) >= m.interval
}

// Alerts — снимок хвоста предупреждений, свежие первыми.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Scan обходит активные серверы и сверяет живых пиров с реестром.
// Пир, не видимый на интерфейсе, не трогается: отсутствие — не алерт.
func (m *Monitor) Scan(ctx context.Context) error {
	now := m.now().UTC()
	m.mu.Lock()
	m.lastRun = now
	m.mu.Unlock()

	fresh := m.settings.GetDuration(ctx, settings.KeyFreshWindow, defaultFreshWindow)
	stale := m.settings.GetDuration(ctx, settings.KeyStaleWindow, defaultStaleWindow)

	srvs, err := m.servers.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range srvs {
		if err := m.scanServer(ctx, &srvs[i], now, fresh, stale); err != nil {
			logs.Logger.Warnf("health scan of %q: %v", srvs[i].Name, err)
		}
	}
	return nil
}

func (m *Monitor) scanServer(ctx context.Context, srv *models.Server, now time.Time, fresh, stale time.Duration) error {
	samples, err := m.reader.DevicePeers(srv.Interface)
	if err != nil {
		return err
	}
	byKey := make(map[string]PeerSample, len(samples))
	for _, s := range samples {
		byKey[s.PublicKey] = s
	}

	registered, err := m.peers.ListByServer(ctx, srv.ID)
	if err != nil {
		return err
	}
	for i := range registered {
		p := &registered[i]
		s, seen := byKey[p.PublicKey]
		if !seen {
			continue
		}

		var hs *time.Time
		if !s.LastHandshake.IsZero() {
			t := s.LastHandshake.UTC()
			hs = &t
		}
		if err := m.peers.UpdateObserved(ctx, p.ID, hs, s.EndpointIP, s.RxBytes, s.TxBytes); err != nil {
			logs.Logger.Warnf("observed update for peer %q: %v", p.Name, err)
			continue
		}

		connected := hs != nil && now.Sub(*hs) <= fresh
		if p.Status == models.PeerStatusActive && hs != nil && now.Sub(*hs) > stale {
			m.addAlert(Alert{
				At: now, Server: srv.Name, Peer: p.Name,
				Message: fmt.Sprintf("no handshake for %s", now.Sub(*hs).Round(time.Second)),
			})
		}
		if err := m.trackSession(ctx, p, s, now, connected); err != nil {
			logs.Logger.Warnf("session tracking for peer %q: %v", p.Name, err)
		}
	}
	return nil
}

// trackSession ведёт ConnectionLog: открытие при появлении свежего хендшейка,
// закрытие — когда свежесть потеряна.
func (m *Monitor) trackSession(ctx context.Context, p *models.Peer, s PeerSample, now time.Time, connected bool) error {
	open, err := m.connlogs.FindOpen(ctx, p.ID)
	if err != nil {
		return err
	}
	switch {
	case connected && open == nil:
		return m.connlogs.Open(ctx, &models.ConnectionLog{
			PeerID:      p.ID,
			ConnectedAt: now,
			EndpointIP:  s.EndpointIP,
			Address:     p.Address,
			RxBytes:     s.RxBytes,
			TxBytes:     s.TxBytes,
		})
	case !connected && open != nil:
		at := now
		if !s.LastHandshake.IsZero() {
			at = s.LastHandshake.UTC()
		}
		return m.connlogs.Close(ctx, open, at, s.RxBytes, s.TxBytes, "handshake timeout")
	}
	return nil
}

func (m *Monitor) addAlert(a Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append([]Alert{a}, m.alerts...)
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[:maxAlerts]
	}
}

// Cleanup удаляет закрытые сессии старше retention-окна.
func (m *Monitor) Cleanup(ctx context.Context) error {
	days := m.settings.GetInt(ctx, settings.KeyRetentionDays, defaultRetentionDays)
	cutoff := m.now().UTC().AddDate(0, 0, -days)
	n, err := m.connlogs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		logs.Logger.Infof("connection log retention: removed %d rows older than %s", n, cutoff.Format(time.RFC3339))
	}
	return nil
}

// Run — фоновый цикл: скан по тикеру плюс ежесуточный retention-cleanup.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval / 2)
	defer ticker.Stop()
	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.ShouldRun(m.now()) {
				continue
			}
			if err := m.Scan(ctx); err != nil {
				logs.Logger.Errorf("health scan: %v", err)
			}
		case <-cleanup.C:
			if err := m.Cleanup(ctx); err != nil {
				logs.Logger.Errorf("retention cleanup: %v", err)
			}
		}
	}
}
