package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sourcegraph/conc"
	"gorm.io/gorm"

	"ghostvpn/config"
	"ghostvpn/internal/api"
	"ghostvpn/internal/controller"
	"ghostvpn/internal/db"
	"ghostvpn/internal/events"
	"ghostvpn/internal/health"
	"ghostvpn/internal/logs"
	"ghostvpn/internal/middleware"
	"ghostvpn/internal/registry"
	"ghostvpn/internal/repo"
	"ghostvpn/internal/tunnel"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	Registry *registry.Registry
	Tunnels  *tunnel.Controller
	Bridge   *controller.Bridge
	Hub      *events.Hub
	monitor  *tunnel.Monitor

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
	log := logs.For("app")

	/* 2) DB (опционально) */
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d
		if err := repo.Migrate(a.db); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}

	/* 3) Ядро: реестр, туннели, мост */
	a.Registry = registry.New(newStore(a.db), registry.Options{CascadeDelete: a.cfg.Registry.CascadeDelete})
	a.Hub = events.NewHub()

	drv, driverReady := newDriver(a.cfg)
	verifier := newVerifier(a.cfg)
	a.Tunnels = tunnel.New(drv, tunnel.Options{
		Dir:             a.cfg.Tunnel.ConfigDir,
		BringUpTimeout:  a.cfg.Tunnel.BringUpTimeout,
		TearDownTimeout: a.cfg.Tunnel.TearDownTimeout,
		Verifier:        verifier,
		Observer:        a.Hub,
	})
	a.Bridge = controller.NewBridge(a.Registry, a.Tunnels)
	if verifier != nil && a.cfg.Tunnel.MonitorInterval > 0 {
		a.monitor = tunnel.NewMonitor(a.Tunnels, verifier, a.cfg.Tunnel.MonitorInterval)
	}

	/* 4) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 5) Health */
	checks := map[string]health.Check{}
	if a.db != nil {
		checks["database"] = health.DB(a.db)
	}
	if driverReady != nil {
		checks["tunnel_driver"] = driverReady
	}
	health.RegisterRoutes(a.Router, checks) // /healthz, /readyz

	/* 6) API */
	api.RegisterRoutes(a.Router, api.NewHandler(a.Registry, a.Bridge, a.Tunnels), http.HandlerFunc(a.Hub.ServeWS))

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Debugf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}
	log := logs.For("app")

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	defer a.cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case s := <-sigs:
			log.Infof("shutdown signal: %s", s)
			a.cancel()
		case <-a.ctx.Done():
		}
	}()

	// горячая смена уровня логов
	a.cfg.Watch(func(next *config.Config) {
		logs.SetLevel(next.Logging.Level)
		log.WithField("level", next.Logging.Level).Info("config reloaded")
	}, func(err error) {
		log.WithError(err).Warn("config reload rejected")
	})

	var bg conc.WaitGroup
	bg.Go(func() { a.Hub.Run(a.ctx) })
	if a.monitor != nil {
		bg.Go(func() { a.monitor.Run(a.ctx) })
	}

	// Жёсткие таймауты - это важно для production; WriteTimeout покрывает bring-up.
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      a.cfg.Tunnel.BringUpTimeout + a.cfg.Tunnel.TearDownTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			a.cancel()
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Tunnel.TearDownTimeout+5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	if err := a.Tunnels.Shutdown(ctx); err != nil {
		log.Errorf("tunnel shutdown: %v", err)
	}
	bg.Wait()
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	select {
	case err := <-errc:
		return fmt.Errorf("http server error: %w", err)
	default:
		return nil
	}
}
