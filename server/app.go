package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wgfleet/config"
	"wgfleet/internal/api"
	"wgfleet/internal/db"
	"wgfleet/internal/deploy"
	"wgfleet/internal/health"
	"wgfleet/internal/healthmon"
	"wgfleet/internal/keys"
	"wgfleet/internal/logs"
	"wgfleet/internal/middleware"
	"wgfleet/internal/models"
	"wgfleet/internal/registry"
	"wgfleet/internal/repo"
	"wgfleet/internal/settings"
	"wgfleet/internal/tokens"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	queue   *deploy.Queue
	monitor *healthmon.Monitor

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB */
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	a.db = d
	if err := a.db.AutoMigrate(
		&models.Server{},
		&models.Peer{},
		&models.ConnectionLog{},
		&models.DeployJob{},
		&models.Setting{},
	); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	/* 3) Сервисы */
	cipher := keys.NewCipher(a.cfg.VPN.MasterKey)
	serverStore := repo.NewServerStore(a.db)
	peerStore := repo.NewPeerStore(a.db)
	connlogStore := repo.NewConnLogStore(a.db)
	jobStore := repo.NewJobStore(a.db)
	set := settings.New(a.db)
	a.seedSettings(set)

	router := deploy.NewRouterClient(cipher, a.cfg.Deploy.RouterTimeout)
	orch := deploy.NewOrchestrator(peerStore, cipher, router, a.cfg.Deploy.Timeout, a.cfg.VPN.NAT)
	a.queue = deploy.NewQueue(jobStore, serverStore, orch)
	a.monitor = healthmon.New(serverStore, peerStore, connlogStore, set, nil, a.cfg.Health.Interval)

	tokenSvc := tokens.New(peerStore, serverStore, cipher, a.cfg.VPN.EndpointPlaceholder)
	serverReg := registry.NewServerRegistry(serverStore, peerStore, cipher, nil, orch)
	peerReg := registry.NewPeerRegistry(peerStore, serverStore, cipher, tokenSvc, nil, orch,
		set, a.cfg.VPN.DefaultNetwork, a.cfg.VPN.EndpointPlaceholder)

	/* 4) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 5) Health + API */
	health.Register(a.Router, a.db) // /healthz, /readyz
	h := api.NewHandler(serverReg, peerReg, tokenSvc, a.queue, a.monitor, connlogStore, set)
	api.RegisterRoutes(a.Router, a.cfg.API.SharedSecret, h)

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

// seedSettings переносит значимые конфиг-значения в settings-хранилище,
// не затирая то, что оператор уже выставил руками.
func (a *App) seedSettings(set *settings.Service) {
	ctx := context.Background()
	seed := func(key, value string) {
		if value == "" {
			return
		}
		if _, ok := set.Get(ctx, key); ok {
			return
		}
		if err := set.Set(ctx, key, value); err != nil {
			logs.Logger.Warnf("settings seed %s: %v", key, err)
		}
	}
	seed(settings.KeyDefaultNetwork, a.cfg.VPN.DefaultNetwork)
	if a.cfg.Health.FreshWindow > 0 {
		seed(settings.KeyFreshWindow, a.cfg.Health.FreshWindow.String())
	}
	if a.cfg.Health.StaleWindow > 0 {
		seed(settings.KeyStaleWindow, a.cfg.Health.StaleWindow.String())
	}
	if a.cfg.Health.RetentionDays > 0 {
		seed(settings.KeyRetentionDays, fmt.Sprintf("%d", a.cfg.Health.RetentionDays))
	}
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	/* фоновые воркеры: очередь деплой-задач и health-монитор */
	go a.queue.Run(a.ctx)
	go a.monitor.Run(a.ctx)

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	return nil
}
