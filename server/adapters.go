package server

import (
	"context"

	"gorm.io/gorm"

	"ghostvpn/config"
	"ghostvpn/internal/health"
	"ghostvpn/internal/logs"
	"ghostvpn/internal/registry"
	"ghostvpn/internal/repo"
	"ghostvpn/internal/tunnel"
)

// newStore: без БД - реестр в памяти, иначе gorm-хранилище.
func newStore(db *gorm.DB) registry.Store {
	if db == nil {
		return registry.NewMemoryStore()
	}
	return repo.NewVPNStore(db)
}

// newDriver выбирает драйвер туннелей и проверку его готовности для /readyz.
func newDriver(cfg *config.Config) (tunnel.Driver, health.Check) {
	if cfg.Tunnel.Driver == "dry-run" {
		logs.For("app").Warn("tunnel.driver=dry-run: tunnels are simulated, nothing is brought up")
		return tunnel.NewFakeDriver(), nil
	}
	d := tunnel.WgQuickDriver{Binary: cfg.Tunnel.WgQuickPath, Sudo: cfg.Tunnel.Sudo}
	return d, func(context.Context) error { return d.Available() }
}

func newVerifier(cfg *config.Config) tunnel.Verifier {
	if !cfg.Tunnel.Verify || cfg.Tunnel.Driver == "dry-run" {
		return nil
	}
	return tunnel.WgctrlVerifier{}
}
