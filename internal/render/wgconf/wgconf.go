// Package wgconf собирает клиентский wg-quick конфиг пира.
package wgconf

import (
	"errors"
	"fmt"
	"strings"

	"ghostvpn/internal/models"
	"ghostvpn/internal/validate"
)

// ErrPrecondition: на вход пришла запись, которую реестр не должен был пропустить.
var ErrPrecondition = errors.New("wgconf: precondition violated")

// Render возвращает текст конфига. Одинаковый вход - байт-в-байт одинаковый выход.
//
// Порядок секций и полей фиксирован: [Interface] (PrivateKey, Address), затем [Peer]
// (PublicKey, AllowedIPs, Endpoint, PresharedKey). PresharedKey опускается, если его нет.
func Render(srv models.Server, peer models.Peer) (string, error) {
	if err := check(srv, peer); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	addr, err := validate.TunnelAddress(srv.Address, peer.ID)
	if err != nil {
		return "", fmt.Errorf("%w: peer %d: %v", ErrPrecondition, peer.ID, err)
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", peer.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", addr)
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", srv.PublicKey)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(peer.AllowedIPs, ", "))
	fmt.Fprintf(&b, "Endpoint = %s\n", srv.Endpoint)
	if peer.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", peer.PresharedKey)
	}
	return b.String(), nil
}

// MustRender: Render для уже провалидированных записей; паникует на нарушении предусловий.
func MustRender(srv models.Server, peer models.Peer) string {
	out, err := Render(srv, peer)
	if err != nil {
		panic(err)
	}
	return out
}

func check(srv models.Server, peer models.Peer) error {
	if peer.ServerID != srv.ID {
		return fmt.Errorf("peer %d belongs to server %d, not %d", peer.ID, peer.ServerID, srv.ID)
	}
	var f validate.Fields
	f.Key("peer.private_key", peer.PrivateKey)
	f.OptionalKey("peer.preshared_key", peer.PresharedKey)
	f.Key("server.public_key", srv.PublicKey)
	f.Endpoint("server.endpoint", srv.Endpoint)
	if len(peer.AllowedIPs) == 0 {
		f.Add("peer.allowed_ips", validate.ErrRequired)
	}
	for i, c := range peer.AllowedIPs {
		f.CIDR(fmt.Sprintf("peer.allowed_ips[%d]", i), c)
	}
	return f.Err()
}
