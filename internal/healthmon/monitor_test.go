package healthmon

import (
	"context"
	"testing"
	"time"

	"wgfleet/internal/db"
	"wgfleet/internal/models"
	"wgfleet/internal/repo"
	"wgfleet/internal/settings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type fakeReader struct {
	samples map[string][]PeerSample // iface → наблюдения
	err     error
}

func (f *fakeReader) DevicePeers(iface string) ([]PeerSample, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.samples[iface], nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Server{}, &models.Peer{}, &models.ConnectionLog{}, &models.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

type env struct {
	gdb     *gorm.DB
	peers   *repo.PeerStore
	logsSt  *repo.ConnLogStore
	reader  *fakeReader
	monitor *Monitor
	now     time.Time
	srv     *models.Server
	peer    *models.Peer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb := newTestDB(t)
	ctx := context.Background()
	serverStore := repo.NewServerStore(gdb)
	peerStore := repo.NewPeerStore(gdb)
	connlogStore := repo.NewConnLogStore(gdb)

	srv := &models.Server{
		Name: "edge", Interface: "wg0", ListenPort: 51820,
		PublicKey: "SRVPUB", NetworkCIDR: "10.0.0.1/24", Active: true,
	}
	if err := serverStore.Create(ctx, srv); err != nil {
		t.Fatal(err)
	}
	p := &models.Peer{ServerID: srv.ID, Name: "laptop", PublicKey: "PEERPUB", Status: models.PeerStatusActive}
	if err := peerStore.CreateAllocated(ctx, p, srv, "", ""); err != nil {
		t.Fatal(err)
	}

	e := &env{
		gdb: gdb, peers: peerStore, logsSt: connlogStore,
		reader: &fakeReader{samples: map[string][]PeerSample{}},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		srv:    srv, peer: p,
	}
	e.monitor = New(serverStore, peerStore, connlogStore, settings.New(gdb), e.reader, time.Minute).
		WithClock(func() time.Time { return e.now })
	return e
}

func TestScanReconcilesObservedState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	hs := e.now.Add(-30 * time.Second)
	e.reader.samples["wg0"] = []PeerSample{{
		PublicKey: "PEERPUB", EndpointIP: "203.0.113.7", LastHandshake: hs, RxBytes: 11, TxBytes: 22,
	}}

	if err := e.monitor.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := e.peers.GetByID(ctx, e.peer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndpointIP != "203.0.113.7" || got.RxBytes != 11 || got.TxBytes != 22 {
		t.Fatalf("observed fields = %+v", got)
	}
	if got.LastHandshakeAt == nil || !got.LastHandshakeAt.Equal(hs) {
		t.Fatalf("handshake = %v, want %v", got.LastHandshakeAt, hs)
	}
	// свежий пир: сессия открыта, алертов нет
	open, err := e.logsSt.FindOpen(ctx, e.peer.ID)
	if err != nil || open == nil {
		t.Fatalf("open session = %v, %v", open, err)
	}
	if len(e.monitor.Alerts()) != 0 {
		t.Fatalf("alerts = %+v, want none", e.monitor.Alerts())
	}
}

func TestScanLeavesUnseenPeersUntouched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.reader.samples["wg0"] = nil // пира на интерфейсе нет

	if err := e.monitor.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := e.peers.GetByID(ctx, e.peer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastHandshakeAt != nil || got.EndpointIP != "" {
		t.Fatalf("unseen peer was modified: %+v", got)
	}
	// отсутствие на интерфейсе — не алерт
	if len(e.monitor.Alerts()) != 0 {
		t.Fatalf("alerts = %+v, want none", e.monitor.Alerts())
	}
}

func TestScanStalePeerRaisesAlertAndClosesSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// свежий хендшейк → сессия открывается
	e.reader.samples["wg0"] = []PeerSample{{PublicKey: "PEERPUB", LastHandshake: e.now.Add(-10 * time.Second)}}
	if err := e.monitor.Scan(ctx); err != nil {
		t.Fatal(err)
	}

	// тот же хендшейк, часы ушли далеко за stale-окно
	e.now = e.now.Add(20 * time.Minute)
	if err := e.monitor.Scan(ctx); err != nil {
		t.Fatal(err)
	}

	alerts := e.monitor.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %+v, want 1", alerts)
	}
	if alerts[0].Peer != "laptop" || alerts[0].Server != "edge" {
		t.Fatalf("alert = %+v", alerts[0])
	}
	open, err := e.logsSt.FindOpen(ctx, e.peer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if open != nil {
		t.Fatal("stale session still open")
	}
	closed, err := e.logsSt.ListByPeer(ctx, e.peer.ID, 0)
	if err != nil || len(closed) != 1 || closed[0].Reason != "handshake timeout" {
		t.Fatalf("closed sessions = %+v, %v", closed, err)
	}
}

func TestAlertsAreMostRecentFirstAndBounded(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < maxAlerts+10; i++ {
		e.monitor.addAlert(Alert{At: e.now.Add(time.Duration(i) * time.Second), Peer: "p", Server: "s"})
	}
	alerts := e.monitor.Alerts()
	if len(alerts) != maxAlerts {
		t.Fatalf("len = %d, want %d", len(alerts), maxAlerts)
	}
	if !alerts[0].At.After(alerts[1].At) {
		t.Fatal("alerts are not most-recent-first")
	}
}

func TestShouldRunThrottles(t *testing.T) {
	e := newEnv(t)
	if !e.monitor.ShouldRun(e.now) {
		t.Fatal("first run must be allowed")
	}
	if err := e.monitor.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.monitor.ShouldRun(e.now.Add(10 * time.Second)) {
		t.Fatal("scan allowed before the interval elapsed")
	}
	if !e.monitor.ShouldRun(e.now.Add(2 * time.Minute)) {
		t.Fatal("scan blocked after the interval elapsed")
	}
}

func TestFreshWindowFromSettings(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	// ужимаем окно до 5s — хендшейк возрастом 30s перестаёт быть «свежим»
	if err := settings.New(e.gdb).Set(ctx, settings.KeyFreshWindow, "5s"); err != nil {
		t.Fatal(err)
	}
	e.reader.samples["wg0"] = []PeerSample{{PublicKey: "PEERPUB", LastHandshake: e.now.Add(-30 * time.Second)}}
	if err := e.monitor.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	open, err := e.logsSt.FindOpen(ctx, e.peer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if open != nil {
		t.Fatal("session opened despite handshake older than the fresh window")
	}
}

func TestCleanupHonorsRetentionSetting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := settings.New(e.gdb).Set(ctx, settings.KeyRetentionDays, "7"); err != nil {
		t.Fatal(err)
	}
	old := e.now.AddDate(0, 0, -10)
	oldEnd := old.Add(time.Hour)
	if err := e.logsSt.Open(ctx, &models.ConnectionLog{PeerID: e.peer.ID, ConnectedAt: old, DisconnectedAt: &oldEnd}); err != nil {
		t.Fatal(err)
	}
	fresh := e.now.AddDate(0, 0, -2)
	freshEnd := fresh.Add(time.Hour)
	if err := e.logsSt.Open(ctx, &models.ConnectionLog{PeerID: e.peer.ID, ConnectedAt: fresh, DisconnectedAt: &freshEnd}); err != nil {
		t.Fatal(err)
	}

	if err := e.monitor.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	left, err := e.logsSt.ListByPeer(ctx, e.peer.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || !left[0].ConnectedAt.Equal(fresh) {
		t.Fatalf("left = %+v, want only the 2-day-old session", left)
	}
}
