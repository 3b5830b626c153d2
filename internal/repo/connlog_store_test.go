package repo

import (
	"context"
	"testing"
	"time"

	"wgfleet/internal/models"
)

func TestConnLogSessionLifecycle(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	store := NewConnLogStore(gdb)

	if l, err := store.FindOpen(ctx, 1); err != nil || l != nil {
		t.Fatalf("FindOpen on empty db = %v, %v", l, err)
	}

	start := time.Now().UTC().Truncate(time.Second)
	if err := store.Open(ctx, &models.ConnectionLog{PeerID: 1, ConnectedAt: start, EndpointIP: "203.0.113.4"}); err != nil {
		t.Fatal(err)
	}

	open, err := store.FindOpen(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if open == nil || open.DisconnectedAt != nil {
		t.Fatalf("open session = %+v", open)
	}

	end := start.Add(10 * time.Minute)
	if err := store.Close(ctx, open, end, 1000, 2000, "handshake timeout"); err != nil {
		t.Fatal(err)
	}
	if l, err := store.FindOpen(ctx, 1); err != nil || l != nil {
		t.Fatalf("session still open after Close: %v, %v", l, err)
	}

	all, err := store.ListByPeer(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].RxBytes != 1000 || all[0].Reason != "handshake timeout" {
		t.Fatalf("closed session = %+v", all)
	}
}

func TestConnLogRetentionKeepsOpenSessions(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	store := NewConnLogStore(gdb)

	old := time.Now().UTC().AddDate(0, 0, -60)
	closedAt := old.Add(time.Hour)
	closed := &models.ConnectionLog{PeerID: 1, ConnectedAt: old, DisconnectedAt: &closedAt}
	stillOpen := &models.ConnectionLog{PeerID: 1, ConnectedAt: old}
	if err := store.Open(ctx, closed); err != nil {
		t.Fatal(err)
	}
	if err := store.Open(ctx, stillOpen); err != nil {
		t.Fatal(err)
	}

	n, err := store.DeleteOlderThan(ctx, time.Now().UTC().AddDate(0, 0, -30))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}
	remaining, err := store.ListByPeer(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].DisconnectedAt != nil {
		t.Fatalf("remaining = %+v, want the open session only", remaining)
	}
}
