package repo

import (
	"context"
	"testing"

	"wgfleet/internal/db"
	"wgfleet/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Свежая in-memory sqlite на каждый тест; cache=shared, чтобы пул
// соединений gorm видел одну и ту же БД.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(
		&models.Server{},
		&models.Peer{},
		&models.ConnectionLog{},
		&models.DeployJob{},
		&models.Setting{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

func seedServer(t *testing.T, gdb *gorm.DB, name, network string) *models.Server {
	t.Helper()
	srv := &models.Server{
		Name:        name,
		Interface:   "wg0",
		ListenPort:  51820,
		PublicKey:   "srv-pub-" + name,
		NetworkCIDR: network,
		Active:      true,
	}
	if err := NewServerStore(gdb).Create(context.Background(), srv); err != nil {
		t.Fatalf("seed server: %v", err)
	}
	return srv
}
