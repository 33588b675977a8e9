// Package registry хранит серверы и пиры WireGuard и следит за ссылочной целостностью.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ghostvpn/internal/logs"
	"ghostvpn/internal/models"
	"ghostvpn/internal/validate"
	"ghostvpn/internal/vpn/wireguard"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrServerInUse      = errors.New("server still has peers")
	ErrDuplicatePeerKey = errors.New("public key already used by another peer of this server")
	ErrPeerActive       = errors.New("peer has a live tunnel session")
)

// LiveChecker сообщает, есть ли у пира сессия в состоянии Pending/Active.
type LiveChecker interface {
	IsLive(peerID uint) bool
}

type Options struct {
	// CascadeDelete: удаление сервера удаляет и его пиров. По умолчанию - отказ (ErrServerInUse).
	CascadeDelete bool
}

type Registry struct {
	store Store
	opts  Options
	live  atomic.Pointer[LiveChecker]
	now   func() time.Time
	log   *logrus.Entry
}

func New(store Store, opts Options) *Registry {
	return &Registry{store: store, opts: opts, now: time.Now, log: logs.For("registry")}
}

// SetLiveChecker подключает контроллер туннелей (удаление активного пира запрещено).
func (r *Registry) SetLiveChecker(c LiveChecker) {
	r.live.Store(&c)
}

func (r *Registry) CascadeDelete() bool { return r.opts.CascadeDelete }

func (r *Registry) isLive(peerID uint) bool {
	c := r.live.Load()
	return c != nil && *c != nil && (*c).IsLive(peerID)
}

/* ───── inputs ───── */

type ServerInput struct {
	Name       string
	Endpoint   string
	PublicKey  string
	PrivateKey string
	Address    string
}

// ServerPatch: частичное обновление; nil-поля не меняются.
type ServerPatch struct {
	Name       *string
	Endpoint   *string
	PublicKey  *string
	PrivateKey *string
	Address    *string
}

type PeerInput struct {
	ServerID     uint
	PublicKey    string // можно не указывать, если задан PrivateKey
	PrivateKey   string
	PresharedKey string
	AllowedIPs   []string
}

type PeerPatch struct {
	ServerID     *uint
	PublicKey    *string
	PrivateKey   *string
	PresharedKey *string
	AllowedIPs   *[]string
}

/* ───── validation ───── */

// ValidateServer: полная проверка записи сервера.
func ValidateServer(s *models.Server) error {
	var f validate.Fields
	f.Required("name", s.Name)
	f.Endpoint("endpoint", s.Endpoint)
	f.Key("public_key", s.PublicKey)
	f.Key("private_key", s.PrivateKey)
	f.CIDR("address", s.Address)
	return f.Err()
}

// ValidatePeer: полная проверка записи пира (без обращения к хранилищу).
func ValidatePeer(p *models.Peer) error {
	var f validate.Fields
	f.Key("public_key", p.PublicKey)
	f.OptionalKey("private_key", p.PrivateKey)
	f.OptionalKey("preshared_key", p.PresharedKey)
	if len(p.AllowedIPs) == 0 {
		f.Add("allowed_ips", validate.ErrRequired)
	}
	for i, cidr := range p.AllowedIPs {
		f.CIDR(fmt.Sprintf("allowed_ips[%d]", i), cidr)
	}
	return f.Err()
}

func normalizeIPs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// derivePublicKey: если клиент прислал только приватный ключ, публичный выводим сами.
func derivePublicKey(p *models.Peer) {
	if p.PublicKey != "" || p.PrivateKey == "" || validate.Key(p.PrivateKey) != nil {
		return
	}
	if pub, err := wireguard.PublicKeyOf(p.PrivateKey); err == nil {
		p.PublicKey = pub
	}
}

// checkPeerInTx: публичный ключ уникален среди пиров одного сервера.
func checkPeerInTx(tx Tx, srv *models.Server, p *models.Peer) error {
	siblings, err := tx.Peers(&srv.ID)
	if err != nil {
		return err
	}
	for _, other := range siblings {
		if other.ID != p.ID && other.PublicKey == p.PublicKey {
			return fmt.Errorf("peer %d on server %d: %w", other.ID, srv.ID, ErrDuplicatePeerKey)
		}
	}
	return nil
}

func checkCapacity(srv *models.Server, p *models.Peer) error {
	if _, err := validate.TunnelAddress(srv.Address, p.ID); err != nil {
		return validate.Invalid("id", fmt.Errorf("%w (server %d, %s)", err, srv.ID, srv.Address))
	}
	return nil
}

/* ───── servers ───── */

func (r *Registry) CreateServer(ctx context.Context, in ServerInput) (*models.Server, error) {
	now := r.now().UTC()
	s := &models.Server{
		Name:       strings.TrimSpace(in.Name),
		Endpoint:   strings.TrimSpace(in.Endpoint),
		PublicKey:  strings.TrimSpace(in.PublicKey),
		PrivateKey: strings.TrimSpace(in.PrivateKey),
		Address:    strings.TrimSpace(in.Address),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := ValidateServer(s); err != nil {
		return nil, err
	}
	if err := r.store.Update(ctx, func(tx Tx) error { return tx.InsertServer(s) }); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"server_id": s.ID, "name": s.Name}).Info("server created")
	return s, nil
}

func (r *Registry) UpdateServer(ctx context.Context, id uint, patch ServerPatch) (*models.Server, error) {
	var out *models.Server
	err := r.store.Update(ctx, func(tx Tx) error {
		s, err := tx.Server(id)
		if err != nil {
			return err
		}
		applyString(&s.Name, patch.Name)
		applyString(&s.Endpoint, patch.Endpoint)
		applyString(&s.PublicKey, patch.PublicKey)
		applyString(&s.PrivateKey, patch.PrivateKey)
		applyString(&s.Address, patch.Address)
		if err := ValidateServer(s); err != nil {
			return err
		}
		if patch.Address != nil {
			peers, err := tx.Peers(&s.ID)
			if err != nil {
				return err
			}
			for i := range peers {
				if _, err := validate.TunnelAddress(s.Address, peers[i].ID); err != nil {
					return validate.Invalid("address", fmt.Errorf("%w (peer %d)", err, peers[i].ID))
				}
			}
		}
		s.UpdatedAt = r.now().UTC()
		if err := tx.SaveServer(s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteServer удаляет сервер. Пиры: ErrServerInUse, либо каскад (если включён) - в той же транзакции.
func (r *Registry) DeleteServer(ctx context.Context, id uint) error {
	var removed []uint
	err := r.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.Server(id); err != nil {
			return err
		}
		peers, err := tx.Peers(&id)
		if err != nil {
			return err
		}
		if len(peers) > 0 && !r.opts.CascadeDelete {
			return fmt.Errorf("server %d (%d peers): %w", id, len(peers), ErrServerInUse)
		}
		for _, p := range peers {
			if r.isLive(p.ID) {
				return fmt.Errorf("peer %d: %w", p.ID, ErrPeerActive)
			}
			removed = append(removed, p.ID)
		}
		if err := tx.RemovePeers(removed...); err != nil {
			return err
		}
		return tx.RemoveServer(id)
	})
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"server_id": id, "cascaded_peers": removed}).Info("server deleted")
	return nil
}

func (r *Registry) GetServer(ctx context.Context, id uint) (*models.Server, error) {
	var out *models.Server
	err := r.store.View(ctx, func(tx Tx) error {
		s, err := tx.Server(id)
		out = s
		return err
	})
	return out, err
}

func (r *Registry) ListServers(ctx context.Context) ([]models.Server, error) {
	var out []models.Server
	err := r.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.Servers()
		return err
	})
	return out, err
}

/* ───── peers ───── */

func (r *Registry) CreatePeer(ctx context.Context, in PeerInput) (*models.Peer, error) {
	now := r.now().UTC()
	p := &models.Peer{
		ServerID:     in.ServerID,
		PublicKey:    strings.TrimSpace(in.PublicKey),
		PrivateKey:   strings.TrimSpace(in.PrivateKey),
		PresharedKey: strings.TrimSpace(in.PresharedKey),
		AllowedIPs:   normalizeIPs(in.AllowedIPs),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	derivePublicKey(p)

	err := r.store.Update(ctx, func(tx Tx) error {
		srv, err := tx.Server(p.ServerID)
		if err != nil {
			return err
		}
		if err := ValidatePeer(p); err != nil {
			return err
		}
		if err := checkPeerInTx(tx, srv, p); err != nil {
			return err
		}
		if err := tx.InsertPeer(p); err != nil {
			return err
		}
		// ID известен только после вставки; при выходе за пул транзакция откатывается
		return checkCapacity(srv, p)
	})
	if err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"peer_id": p.ID, "server_id": p.ServerID}).Info("peer created")
	return p, nil
}

func (r *Registry) UpdatePeer(ctx context.Context, id uint, patch PeerPatch) (*models.Peer, error) {
	var out *models.Peer
	err := r.store.Update(ctx, func(tx Tx) error {
		p, err := tx.Peer(id)
		if err != nil {
			return err
		}
		if patch.ServerID != nil {
			p.ServerID = *patch.ServerID
		}
		applyString(&p.PublicKey, patch.PublicKey)
		applyString(&p.PrivateKey, patch.PrivateKey)
		applyString(&p.PresharedKey, patch.PresharedKey)
		if patch.AllowedIPs != nil {
			p.AllowedIPs = normalizeIPs(*patch.AllowedIPs)
		}
		if patch.PrivateKey != nil && patch.PublicKey == nil && p.PrivateKey != "" {
			p.PublicKey = ""
			derivePublicKey(p)
		}
		srv, err := tx.Server(p.ServerID)
		if err != nil {
			return err
		}
		if err := ValidatePeer(p); err != nil {
			return err
		}
		if err := checkPeerInTx(tx, srv, p); err != nil {
			return err
		}
		if err := checkCapacity(srv, p); err != nil {
			return err
		}
		p.UpdatedAt = r.now().UTC()
		if err := tx.SavePeer(p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePeer удаляет пира; при живой сессии - ErrPeerActive (сначала Deactivate).
func (r *Registry) DeletePeer(ctx context.Context, id uint) error {
	err := r.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.Peer(id); err != nil {
			return err
		}
		if r.isLive(id) {
			return fmt.Errorf("peer %d: %w", id, ErrPeerActive)
		}
		return tx.RemovePeers(id)
	})
	if err != nil {
		return err
	}
	r.log.WithField("peer_id", id).Info("peer deleted")
	return nil
}

func (r *Registry) GetPeer(ctx context.Context, id uint) (*models.Peer, error) {
	var out *models.Peer
	err := r.store.View(ctx, func(tx Tx) error {
		p, err := tx.Peer(id)
		out = p
		return err
	})
	return out, err
}

// ListPeers: все пиры или только пиры сервера serverID.
func (r *Registry) ListPeers(ctx context.Context, serverID *uint) ([]models.Peer, error) {
	var out []models.Peer
	err := r.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.Peers(serverID)
		return err
	})
	return out, err
}

// Resolve читает пира и его сервер в одной транзакции.
func (r *Registry) Resolve(ctx context.Context, peerID uint) (*models.Peer, *models.Server, error) {
	var (
		peer *models.Peer
		srv  *models.Server
	)
	err := r.store.View(ctx, func(tx Tx) error {
		var err error
		if peer, err = tx.Peer(peerID); err != nil {
			return err
		}
		srv, err = tx.Server(peer.ServerID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return peer, srv, nil
}

func applyString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}
