package registry

import (
	"context"
	"strings"
	"sync"
	"testing"

	"wgfleet/internal/db"
	"wgfleet/internal/keys"
	"wgfleet/internal/models"
	"wgfleet/internal/repo"
	"wgfleet/internal/settings"
	"wgfleet/internal/tokens"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

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

// fakeDeployer считает вызовы; Deploy можно заставить «падать».
type fakeDeployer struct {
	mu        sync.Mutex
	deploys   int
	undeploys int
	syncs     int
	removes   int
	failWith  string
}

func (f *fakeDeployer) Deploy(_ context.Context, _ *models.Server) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys++
	if f.failWith != "" {
		return false, f.failWith
	}
	return true, "ok"
}

func (f *fakeDeployer) Undeploy(_ context.Context, _ *models.Server) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undeploys++
	return true, "ok"
}

func (f *fakeDeployer) SyncPeer(_ context.Context, _ *models.Server, _ *models.Peer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func (f *fakeDeployer) RemovePeer(_ context.Context, _ *models.Server, _ *models.Peer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	return nil
}

type env struct {
	servers  *ServerRegistry
	peers    *PeerRegistry
	cipher   *keys.Cipher
	deployer *fakeDeployer
	set      *settings.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb := newTestDB(t)
	serverStore := repo.NewServerStore(gdb)
	peerStore := repo.NewPeerStore(gdb)
	cipher := keys.NewCipher("registry-test-master")
	dep := &fakeDeployer{}
	tok := tokens.New(peerStore, serverStore, cipher, "")
	set := settings.New(gdb)
	return &env{
		servers:  NewServerRegistry(serverStore, peerStore, cipher, nil, dep),
		peers:    NewPeerRegistry(peerStore, serverStore, cipher, tok, nil, dep, set, "10.200.0.1/24", ""),
		cipher:   cipher,
		deployer: dep,
		set:      set,
	}
}

func (e *env) seedServer(t *testing.T, in ServerInput) *models.Server {
	t.Helper()
	if in.Name == "" {
		in.Name = "edge"
	}
	if in.ListenPort == 0 {
		in.ListenPort = 51820
	}
	if in.NetworkCIDR == "" {
		in.NetworkCIDR = "10.0.0.1/24"
	}
	in.Active = true
	srv, err := e.servers.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("seed server: %v", err)
	}
	return srv
}

func TestServerCreateGeneratesAndEncryptsKeys(t *testing.T) {
	e := newEnv(t)
	srv := e.seedServer(t, ServerInput{})

	if srv.PublicKey == "" || !keys.ValidateKey(srv.PublicKey) {
		t.Fatalf("public key = %q", srv.PublicKey)
	}
	if !strings.HasPrefix(srv.PrivateKey, "enc$") {
		t.Fatalf("private key stored unencrypted: %q", srv.PrivateKey)
	}
	priv, err := e.cipher.Decrypt(srv.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	derived, err := keys.DerivePublic(priv)
	if err != nil {
		t.Fatal(err)
	}
	if derived != srv.PublicKey {
		t.Fatal("stored public key does not match stored private key")
	}
	if srv.Interface != "wg0" {
		t.Fatalf("interface default = %q, want wg0", srv.Interface)
	}
}

func TestServerCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cases := []ServerInput{
		{Name: "", ListenPort: 51820},
		{Name: "x", ListenPort: 0},
		{Name: "x", ListenPort: 70000},
		{Name: "x", ListenPort: 51820, NetworkCIDR: "fd00::1/64"},
		{Name: "x", ListenPort: 51820, NetworkCIDR: "10.0.0.1/24", NetworkCIDR6: "10.1.0.1/24"},
		{Name: "x", ListenPort: 51820, NetworkCIDR: "10.0.0.1/24", Routes: []string{"not-a-cidr"}},
		{Name: "x", ListenPort: 51820, PrivateKey: "garbage", NetworkCIDR: "10.0.0.1/24"},
	}
	for i, in := range cases {
		if _, err := e.servers.Create(ctx, in); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, in)
		}
	}
}

func TestServerUpdateKeepsKeys(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srv := e.seedServer(t, ServerInput{})
	oldPub, oldPriv := srv.PublicKey, srv.PrivateKey

	updated, _, err := e.servers.Update(ctx, srv.ID, ServerInput{
		Name: "renamed", ListenPort: 51821, NetworkCIDR: "10.0.0.1/24", Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "renamed" || updated.ListenPort != 51821 {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.PublicKey != oldPub || updated.PrivateKey != oldPriv {
		t.Fatal("update must never touch server keys")
	}
}

func TestServerRegenerateKeys(t *testing.T) {
	e := newEnv(t)
	srv := e.seedServer(t, ServerInput{})
	oldPub := srv.PublicKey

	regen, _, err := e.servers.RegenerateKeys(context.Background(), srv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if regen.PublicKey == oldPub {
		t.Fatal("regenerate produced the same public key")
	}
}

func TestServerDeleteUndeploysCascade(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srv := e.seedServer(t, ServerInput{})
	if _, err := e.peers.Create(ctx, PeerInput{ServerID: srv.ID, Name: "p"}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.servers.Delete(ctx, srv.ID); err != nil {
		t.Fatal(err)
	}
	if e.deployer.undeploys != 1 {
		t.Fatalf("undeploys = %d, want 1", e.deployer.undeploys)
	}
	if _, err := e.servers.Get(ctx, srv.ID); err == nil {
		t.Fatal("server still readable after delete")
	}
}
