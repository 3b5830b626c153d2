package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"wgfleet/internal/apperr"
	"wgfleet/internal/models"
)

func TestCreateAllocatedSequence(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	srv := seedServer(t, gdb, "tiny", "10.10.0.1/30")
	peers := NewPeerStore(gdb)

	a := &models.Peer{ServerID: srv.ID, Name: "a", PublicKey: "pk-a", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, a, srv, "", ""); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if a.Address != "10.10.0.2/32" {
		t.Fatalf("a.Address = %s, want 10.10.0.2/32", a.Address)
	}

	b := &models.Peer{ServerID: srv.ID, Name: "b", PublicKey: "pk-b", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, b, srv, "", ""); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if b.Address != "10.10.0.3/32" {
		t.Fatalf("b.Address = %s, want 10.10.0.3/32", b.Address)
	}

	c := &models.Peer{ServerID: srv.ID, Name: "c", PublicKey: "pk-c", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, c, srv, "", ""); !errors.Is(err, apperr.ErrAddressExhausted) {
		t.Fatalf("create c err = %v, want ErrAddressExhausted", err)
	}
}

func TestCreateAllocatedDuplicatePublicKey(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	srv := seedServer(t, gdb, "s", "10.0.0.1/24")
	peers := NewPeerStore(gdb)

	p1 := &models.Peer{ServerID: srv.ID, Name: "one", PublicKey: "same-key", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, p1, srv, "", ""); err != nil {
		t.Fatal(err)
	}
	p2 := &models.Peer{ServerID: srv.ID, Name: "two", PublicKey: "same-key", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, p2, srv, "", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCreateAllocatedRequestedAddress(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	srv := seedServer(t, gdb, "s", "10.0.0.1/24")
	peers := NewPeerStore(gdb)

	p := &models.Peer{ServerID: srv.ID, Name: "p", PublicKey: "pk", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, p, srv, "10.0.0.77", ""); err != nil {
		t.Fatal(err)
	}
	if p.Address != "10.0.0.77/32" {
		t.Fatalf("Address = %s", p.Address)
	}

	q := &models.Peer{ServerID: srv.ID, Name: "q", PublicKey: "pk2", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, q, srv, "10.0.0.77", ""); !errors.Is(err, apperr.ErrAddressConflict) {
		t.Fatalf("err = %v, want ErrAddressConflict", err)
	}
}

func TestCreateAllocatedV6WithoutNetwork(t *testing.T) {
	gdb := newTestDB(t)
	srv := seedServer(t, gdb, "s", "10.0.0.1/24")
	peers := NewPeerStore(gdb)

	p := &models.Peer{ServerID: srv.ID, Name: "p", PublicKey: "pk", Status: models.PeerStatusActive}
	err := peers.CreateAllocated(context.Background(), p, srv, "", "fd00::5")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCreateAllocatedDualStack(t *testing.T) {
	gdb := newTestDB(t)
	srv := seedServer(t, gdb, "dual", "10.0.0.1/24")
	srv.NetworkCIDR6 = "fd00:aa::1/64"
	if err := NewServerStore(gdb).Save(context.Background(), srv); err != nil {
		t.Fatal(err)
	}
	peers := NewPeerStore(gdb)

	p := &models.Peer{ServerID: srv.ID, Name: "p", PublicKey: "pk", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(context.Background(), p, srv, "", ""); err != nil {
		t.Fatal(err)
	}
	if p.Address != "10.0.0.2/32" || p.Address6 != "fd00:aa::2/128" {
		t.Fatalf("addresses = %s / %s", p.Address, p.Address6)
	}
}

// Констрейнт (server_id, address6) должен ловить двойное выделение v6,
// но не мешать пирам без v6-адреса (NULL в индексе не конфликтует).
func TestAddress6UniquePerServer(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	srv := seedServer(t, gdb, "dual", "10.0.0.1/24")
	srv.NetworkCIDR6 = "fd00:aa::1/64"
	if err := NewServerStore(gdb).Save(ctx, srv); err != nil {
		t.Fatal(err)
	}
	peers := NewPeerStore(gdb)

	p1 := &models.Peer{ServerID: srv.ID, Name: "p1", PublicKey: "pk1", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, p1, srv, "", ""); err != nil {
		t.Fatal(err)
	}
	p2 := &models.Peer{ServerID: srv.ID, Name: "p2", PublicKey: "pk2", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, p2, srv, "", ""); err != nil {
		t.Fatal(err)
	}

	// обход аллокатора: так выглядит проигравшая транзакция,
	// прочитавшая занятый сет до коммита победителя
	p2.Address6 = p1.Address6
	if err := peers.Save(ctx, p2); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("duplicate v6 err = %v, want ErrValidation", err)
	}

	var n int64
	gdb.Model(&models.Peer{}).
		Where("server_id = ? AND address6 = ?", srv.ID, string(p1.Address6)).Count(&n)
	if n != 1 {
		t.Fatalf("%d peers share %s", n, p1.Address6)
	}
}

func TestEmptyAddress6DoesNotConflict(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	srv := seedServer(t, gdb, "v4only", "10.0.0.1/24")
	peers := NewPeerStore(gdb)

	for i, name := range []string{"a", "b", "c"} {
		p := &models.Peer{ServerID: srv.ID, Name: name, PublicKey: "pk-" + name, Status: models.PeerStatusActive}
		if err := peers.CreateAllocated(ctx, p, srv, "", ""); err != nil {
			t.Fatalf("peer %d: %v", i, err)
		}
		if p.Address6 != "" {
			t.Fatalf("peer %d got v6 address %s on v4-only server", i, p.Address6)
		}
	}
}

func TestFindByTokenHash(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	srv := seedServer(t, gdb, "s", "10.0.0.1/24")
	peers := NewPeerStore(gdb)

	exp := time.Now().Add(time.Hour)
	p := &models.Peer{
		ServerID: srv.ID, Name: "p", PublicKey: "pk", Status: models.PeerStatusActive,
		TokenHash: []byte("hash-bytes"), TokenExpiresAt: &exp,
	}
	if err := peers.CreateAllocated(ctx, p, srv, "", ""); err != nil {
		t.Fatal(err)
	}

	found, err := peers.FindByTokenHash(ctx, []byte("hash-bytes"))
	if err != nil {
		t.Fatalf("FindByTokenHash: %v", err)
	}
	if found.ID != p.ID {
		t.Fatalf("found peer %d, want %d", found.ID, p.ID)
	}
	if _, err := peers.FindByTokenHash(ctx, []byte("no-such")); !errors.Is(err, apperr.ErrToken) {
		t.Fatalf("err = %v, want ErrToken", err)
	}
}

func TestUpdateObservedTouchesOnlyHealthFields(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	srv := seedServer(t, gdb, "s", "10.0.0.1/24")
	peers := NewPeerStore(gdb)

	p := &models.Peer{ServerID: srv.ID, Name: "stable-name", PublicKey: "pk", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, p, srv, "", ""); err != nil {
		t.Fatal(err)
	}
	hs := time.Now().UTC().Truncate(time.Second)
	if err := peers.UpdateObserved(ctx, p.ID, &hs, "203.0.113.9", 100, 200); err != nil {
		t.Fatal(err)
	}

	got, err := peers.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "stable-name" || got.Address != p.Address {
		t.Fatal("observed update modified configuration fields")
	}
	if got.RxBytes != 100 || got.TxBytes != 200 || got.EndpointIP != "203.0.113.9" {
		t.Fatalf("observed fields not written: %+v", got)
	}
	if got.LastHandshakeAt == nil || !got.LastHandshakeAt.Equal(hs) {
		t.Fatalf("handshake = %v, want %v", got.LastHandshakeAt, hs)
	}
}

func TestDeletePeerCascadesConnectionLogs(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	srv := seedServer(t, gdb, "s", "10.0.0.1/24")
	peers := NewPeerStore(gdb)
	connlogs := NewConnLogStore(gdb)

	p := &models.Peer{ServerID: srv.ID, Name: "p", PublicKey: "pk", Status: models.PeerStatusActive}
	if err := peers.CreateAllocated(ctx, p, srv, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := connlogs.Open(ctx, &models.ConnectionLog{PeerID: p.ID, ConnectedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := peers.Delete(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	var n int64
	gdb.Model(&models.ConnectionLog{}).Where("peer_id = ?", p.ID).Count(&n)
	if n != 0 {
		t.Fatalf("%d connection logs survived peer deletion", n)
	}
	if err := peers.Delete(ctx, p.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}
