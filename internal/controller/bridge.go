// Package controller связывает реестр с контроллером туннелей: по peer_id находит
// пира и сервер, рендерит конфиг и запускает сессию.
package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"ghostvpn/internal/logs"
	"ghostvpn/internal/models"
	"ghostvpn/internal/registry"
	"ghostvpn/internal/render/wgconf"
	"ghostvpn/internal/tunnel"
	"ghostvpn/internal/validate"
)

// Registry: то, что мосту нужно от реестра.
type Registry interface {
	Resolve(ctx context.Context, peerID uint) (*models.Peer, *models.Server, error)
	ListPeers(ctx context.Context, serverID *uint) ([]models.Peer, error)
	DeletePeer(ctx context.Context, id uint) error
	DeleteServer(ctx context.Context, id uint) error
	SetLiveChecker(c registry.LiveChecker)
}

// Tunnels: то, что мосту нужно от контроллера туннелей.
type Tunnels interface {
	Reserve(peerID uint) (*tunnel.Reservation, error)
	Deactivate(ctx context.Context, peerID uint) (tunnel.Status, error)
	IsLive(peerID uint) bool
}

type Bridge struct {
	Registry Registry
	Tunnels  Tunnels
	log      *logrus.Entry
}

// NewBridge подключает контроллер к реестру как LiveChecker:
// удаление пира с живой сессией реестр отклоняет сам.
func NewBridge(reg Registry, tun Tunnels) *Bridge {
	reg.SetLiveChecker(tun)
	return &Bridge{Registry: reg, Tunnels: tun, log: logs.For("bridge")}
}

// Activate поднимает туннель для явно указанного пира.
//
// Слот занимается до чтения реестра, поэтому параллельный DeletePeer либо уже
// удалил пира (тогда NotFound), либо видит его живым (PeerActive).
func (b *Bridge) Activate(ctx context.Context, peerID uint) (tunnel.Status, error) {
	rv, err := b.Tunnels.Reserve(peerID)
	if err != nil {
		return tunnel.Status{}, err
	}
	defer rv.Release()

	peer, srv, err := b.Registry.Resolve(ctx, peerID)
	if err != nil {
		return tunnel.Status{}, err
	}
	if err := activatable(srv, peer); err != nil {
		return tunnel.Status{}, err
	}
	conf, err := wgconf.Render(*srv, *peer)
	if err != nil {
		return tunnel.Status{}, err
	}

	st, err := rv.Start(ctx, srv.ID, conf)
	e := b.log.WithFields(logrus.Fields{"peer_id": peerID, "server_id": srv.ID, "state": st.State})
	if err != nil {
		e.WithError(err).Warn("activation failed")
	} else {
		e.Info("peer activated")
	}
	return st, err
}

func (b *Bridge) Deactivate(ctx context.Context, peerID uint) (tunnel.Status, error) {
	return b.Tunnels.Deactivate(ctx, peerID)
}

// DeletePeer: force сначала опускает туннель пира.
func (b *Bridge) DeletePeer(ctx context.Context, peerID uint, force bool) error {
	if force {
		if err := b.teardown(ctx, peerID); err != nil {
			return err
		}
	}
	return b.Registry.DeletePeer(ctx, peerID)
}

// DeleteServer: force опускает туннели всех пиров сервера; дальше действует политика реестра
// (ErrServerInUse либо каскад).
func (b *Bridge) DeleteServer(ctx context.Context, serverID uint, force bool) error {
	if force {
		peers, err := b.Registry.ListPeers(ctx, &serverID)
		if err != nil {
			return err
		}
		for _, p := range peers {
			if err := b.teardown(ctx, p.ID); err != nil {
				return err
			}
		}
	}
	return b.Registry.DeleteServer(ctx, serverID)
}

func (b *Bridge) teardown(ctx context.Context, peerID uint) error {
	if !b.Tunnels.IsLive(peerID) {
		return nil
	}
	if _, err := b.Tunnels.Deactivate(ctx, peerID); err != nil && !errors.Is(err, tunnel.ErrNotFound) {
		return fmt.Errorf("deactivate peer %d: %w", peerID, err)
	}
	return nil
}

// activatable: повторная проверка перед рендером: запись могли сохранить
// до ужесточения правил, а приватный ключ пира для активации обязателен.
func activatable(srv *models.Server, peer *models.Peer) error {
	var f validate.Fields
	f.Merge("server", registry.ValidateServer(srv))
	f.Merge("peer", registry.ValidatePeer(peer))
	if peer.PrivateKey == "" {
		f.Add("peer.private_key", validate.ErrRequired)
	}
	return f.Err()
}
