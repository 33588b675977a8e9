// Package api - JSON API управления серверами, пирами и туннелями (/api/wg).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"ghostvpn/internal/logs"
	"ghostvpn/internal/models"
	"ghostvpn/internal/registry"
	"ghostvpn/internal/tunnel"
	"ghostvpn/internal/validate"
	"ghostvpn/internal/vpn/wireguard"
)

// Registry: операции реестра, которые нужны API.
type Registry interface {
	CreateServer(ctx context.Context, in registry.ServerInput) (*models.Server, error)
	UpdateServer(ctx context.Context, id uint, patch registry.ServerPatch) (*models.Server, error)
	GetServer(ctx context.Context, id uint) (*models.Server, error)
	ListServers(ctx context.Context) ([]models.Server, error)
	CreatePeer(ctx context.Context, in registry.PeerInput) (*models.Peer, error)
	UpdatePeer(ctx context.Context, id uint, patch registry.PeerPatch) (*models.Peer, error)
	GetPeer(ctx context.Context, id uint) (*models.Peer, error)
	ListPeers(ctx context.Context, serverID *uint) ([]models.Peer, error)
}

// Bridge: активация и удаление с учётом живых туннелей.
type Bridge interface {
	Activate(ctx context.Context, peerID uint) (tunnel.Status, error)
	Deactivate(ctx context.Context, peerID uint) (tunnel.Status, error)
	DeletePeer(ctx context.Context, peerID uint, force bool) error
	DeleteServer(ctx context.Context, serverID uint, force bool) error
}

type Sessions interface {
	Sessions() []tunnel.Status
	Session(peerID uint) (tunnel.Status, bool)
}

type Handler struct {
	reg      Registry
	bridge   Bridge
	sessions Sessions
	log      *logrus.Entry
}

func NewHandler(reg Registry, bridge Bridge, sessions Sessions) *Handler {
	return &Handler{reg: reg, bridge: bridge, sessions: sessions, log: logs.For("api")}
}

var errBadRequest = errors.New("bad request")

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func pathID(r *http.Request) (uint, error) {
	id, err := cast.ToUintE(mux.Vars(r)["id"])
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid id %q", errBadRequest, mux.Vars(r)["id"])
	}
	return id, nil
}

/* ───── servers ───── */

func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	rows, err := h.reg.ListServers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, ServersResponse{Servers: rows})
}

func (h *Handler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req ServerRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.reg.CreateServer(r.Context(), req.input())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, s)
}

func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.reg.GetServer(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, s)
}

func (h *Handler) UpdateServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req ServerRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.reg.UpdateServer(r.Context(), id, req.patch())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, s)
}

// DeleteServer: ?force=true сначала опускает туннели пиров сервера.
func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	force := cast.ToBool(r.URL.Query().Get("force"))
	if err := h.bridge.DeleteServer(r.Context(), id, force); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ───── peers ───── */

func (h *Handler) view(p models.Peer) PeerView {
	v := PeerView{
		Peer:            p,
		HasPrivateKey:   p.PrivateKey != "",
		HasPresharedKey: p.PresharedKey != "",
	}
	if st, ok := h.sessions.Session(p.ID); ok {
		v.Session = &st
	}
	return v
}

// ListPeers: ?server_id=N фильтрует по серверу.
func (h *Handler) ListPeers(w http.ResponseWriter, r *http.Request) {
	var filter *uint
	if raw := r.URL.Query().Get("server_id"); raw != "" {
		id, err := cast.ToUintE(raw)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: invalid server_id %q", errBadRequest, raw))
			return
		}
		filter = &id
	}
	rows, err := h.reg.ListPeers(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := PeersResponse{Peers: make([]PeerView, 0, len(rows))}
	for _, p := range rows {
		out.Peers = append(out.Peers, h.view(p))
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) CreatePeer(w http.ResponseWriter, r *http.Request) {
	var req PeerRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.ServerID == nil {
		h.fail(w, r, validate.Invalid("server_id", validate.ErrRequired))
		return
	}
	p, err := h.reg.CreatePeer(r.Context(), req.input())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, h.view(*p))
}

func (h *Handler) GetPeer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.reg.GetPeer(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, h.view(*p))
}

func (h *Handler) UpdatePeer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req PeerRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.reg.UpdatePeer(r.Context(), id, req.patch())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, h.view(*p))
}

// DeletePeer: ?force=true сначала опускает туннель.
func (h *Handler) DeletePeer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	force := cast.ToBool(r.URL.Query().Get("force"))
	if err := h.bridge.DeletePeer(r.Context(), id, force); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ───── tunnels ───── */

// Activate отдаёт только статус и диагностику; текст конфига наружу не уходит.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.bridge.Activate(r.Context(), id)
	if err != nil {
		h.failSession(w, r, st, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.bridge.Deactivate(r.Context(), id)
	if err != nil {
		h.failSession(w, r, st, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	models.WriteJSON(w, http.StatusOK, SessionsResponse{Sessions: h.sessions.Sessions()})
}

// GenerateKeys: новая пара ключей и PSK; в реестре ничего не сохраняется.
func (h *Handler) GenerateKeys(w http.ResponseWriter, r *http.Request) {
	km, err := wireguard.GenerateKeyMaterial()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, km)
}
