package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"ghostvpn/internal/models"
	"ghostvpn/internal/registry"
	"ghostvpn/internal/tunnel"
)

// FlexUint принимает и число, и строку ("server_id": 3 или "3").
type FlexUint uint

func (u *FlexUint) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if s, ok := raw.(string); ok {
		raw = strings.TrimSpace(s)
	}
	v, err := cast.ToUintE(raw)
	if err != nil {
		return fmt.Errorf("expected unsigned integer: %w", err)
	}
	*u = FlexUint(v)
	return nil
}

// IPList принимает массив CIDR или строку через запятую (так шлёт старый UI).
type IPList []string

func (l *IPList) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*l = IPList{}
	case string:
		*l = IPList(splitCSV(v))
	case []any:
		ss, err := cast.ToStringSliceE(v)
		if err != nil {
			return err
		}
		*l = IPList(ss)
	default:
		return fmt.Errorf("allowed_ips: expected array or comma-separated string, got %T", raw)
	}
	return nil
}

func splitCSV(s string) []string {
	out := make([]string, 0, 2)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ServerRequest: тело POST и PATCH /servers. В PATCH отсутствующее поле не меняется.
type ServerRequest struct {
	Name       *string `json:"name"`
	Endpoint   *string `json:"endpoint"`
	PublicKey  *string `json:"public_key"`
	PrivateKey *string `json:"private_key"`
	Address    *string `json:"address"`
}

func (r ServerRequest) input() registry.ServerInput {
	return registry.ServerInput{
		Name:       deref(r.Name),
		Endpoint:   deref(r.Endpoint),
		PublicKey:  deref(r.PublicKey),
		PrivateKey: deref(r.PrivateKey),
		Address:    deref(r.Address),
	}
}

func (r ServerRequest) patch() registry.ServerPatch {
	return registry.ServerPatch{
		Name:       r.Name,
		Endpoint:   r.Endpoint,
		PublicKey:  r.PublicKey,
		PrivateKey: r.PrivateKey,
		Address:    r.Address,
	}
}

// PeerRequest: тело POST и PATCH /peers.
type PeerRequest struct {
	ServerID     *FlexUint `json:"server_id"`
	PublicKey    *string   `json:"public_key"`
	PrivateKey   *string   `json:"private_key"`
	PresharedKey *string   `json:"preshared_key"`
	AllowedIPs   *IPList   `json:"allowed_ips"`
}

func (r PeerRequest) input() registry.PeerInput {
	in := registry.PeerInput{
		PublicKey:    deref(r.PublicKey),
		PrivateKey:   deref(r.PrivateKey),
		PresharedKey: deref(r.PresharedKey),
	}
	if r.ServerID != nil {
		in.ServerID = uint(*r.ServerID)
	}
	if r.AllowedIPs != nil {
		in.AllowedIPs = []string(*r.AllowedIPs)
	}
	return in
}

func (r PeerRequest) patch() registry.PeerPatch {
	p := registry.PeerPatch{
		PublicKey:    r.PublicKey,
		PrivateKey:   r.PrivateKey,
		PresharedKey: r.PresharedKey,
	}
	if r.ServerID != nil {
		id := uint(*r.ServerID)
		p.ServerID = &id
	}
	if r.AllowedIPs != nil {
		ips := []string(*r.AllowedIPs)
		p.AllowedIPs = &ips
	}
	return p
}

// PeerView: пир в ответах API: без ключей, но с признаком, можно ли его активировать.
type PeerView struct {
	models.Peer
	HasPrivateKey   bool           `json:"has_private_key"`
	HasPresharedKey bool           `json:"has_preshared_key"`
	Session         *tunnel.Status `json:"session,omitempty"`
}

type ServersResponse struct {
	Servers []models.Server `json:"servers"`
}

type PeersResponse struct {
	Peers []PeerView `json:"peers"`
}

type SessionsResponse struct {
	Sessions []tunnel.Status `json:"sessions"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
