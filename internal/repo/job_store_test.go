package repo

import (
	"context"
	"errors"
	"testing"

	"wgfleet/internal/apperr"
	"wgfleet/internal/models"
)

func TestJobLifecycle(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	store := NewJobStore(gdb)

	j, err := store.Create(ctx, 1, models.JobKindRestart)
	if err != nil {
		t.Fatal(err)
	}
	if j.UUID == "" || j.Status != models.JobStatusQueued {
		t.Fatalf("fresh job = %+v", j)
	}

	got, err := store.GetByUUID(ctx, j.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != j.ID {
		t.Fatalf("lookup returned job %d, want %d", got.ID, j.ID)
	}
	if _, err := store.GetByUUID(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := store.MarkRunning(ctx, j); err != nil {
		t.Fatal(err)
	}
	if j.Status != models.JobStatusRunning || j.StartedAt == nil {
		t.Fatalf("running job = %+v", j)
	}
	if err := store.Complete(ctx, j, []byte(`{"message":"ok"}`)); err != nil {
		t.Fatal(err)
	}
	if j.Status != models.JobStatusCompleted || j.FinishedAt == nil {
		t.Fatalf("completed job = %+v", j)
	}
}

func TestJobFail(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	store := NewJobStore(gdb)

	j, err := store.Create(ctx, 1, models.JobKindStatus)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Fail(ctx, j, "interface vanished"); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetByUUID(ctx, j.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobStatusFailed || got.Error != "interface vanished" {
		t.Fatalf("failed job = %+v", got)
	}
}

func TestRequeueStalePicksUnfinished(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	store := NewJobStore(gdb)

	queued, _ := store.Create(ctx, 1, models.JobKindRefresh)
	running, _ := store.Create(ctx, 1, models.JobKindRestart)
	if err := store.MarkRunning(ctx, running); err != nil {
		t.Fatal(err)
	}
	done, _ := store.Create(ctx, 1, models.JobKindStatus)
	if err := store.Complete(ctx, done, nil); err != nil {
		t.Fatal(err)
	}

	pending, err := store.RequeueStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d jobs, want 2", len(pending))
	}
	if pending[0].ID != queued.ID || pending[1].ID != running.ID {
		t.Fatalf("pending order = %+v", pending)
	}
}
