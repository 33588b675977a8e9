package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"ghostvpn/internal/validate"
)

func newKey(t *testing.T) string {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k.String()
}

func serverInput(t *testing.T, address string) ServerInput {
	return ServerInput{
		Name:       "us-east",
		Endpoint:   "vpn.example.com:51820",
		PublicKey:  newKey(t),
		PrivateKey: newKey(t),
		Address:    address,
	}
}

type liveSet map[uint]bool

func (l liveSet) IsLive(id uint) bool { return l[id] }

func newRegistry(opts Options) *Registry {
	return New(NewMemoryStore(), opts)
}

func countPeers(t *testing.T, r *Registry) int {
	t.Helper()
	peers, err := r.ListPeers(context.Background(), nil)
	require.NoError(t, err)
	return len(peers)
}

func TestCreateServerAndPeer(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})

	srv, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)
	assert.NotZero(t, srv.ID)

	peer, err := r.CreatePeer(ctx, PeerInput{
		ServerID:   srv.ID,
		PublicKey:  newKey(t),
		AllowedIPs: []string{"10.0.0.5/32"},
	})
	require.NoError(t, err)
	assert.NotZero(t, peer.ID)
	assert.Equal(t, srv.ID, peer.ServerID)
	assert.Empty(t, peer.PresharedKey)

	got, err := r.GetPeer(ctx, peer.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5/32"}, []string(got.AllowedIPs))
}

func TestCreateServerReportsEveryInvalidField(t *testing.T) {
	r := newRegistry(Options{})
	_, err := r.CreateServer(context.Background(), ServerInput{
		Name:       "",
		Endpoint:   "vpn.example.com:70000",
		PublicKey:  "abc",
		PrivateKey: newKey(t),
		Address:    "10.0.0.1/40",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, validate.ErrValidation)

	var ve *validate.ValidationError
	require.True(t, errors.As(err, &ve))
	fields := ve.FieldMap()
	assert.Len(t, fields, 4)
	for _, f := range []string{"name", "endpoint", "public_key", "address"} {
		assert.Contains(t, fields, f)
	}

	servers, err := r.ListServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestCreatePeerUnknownServer(t *testing.T) {
	r := newRegistry(Options{})
	before := countPeers(t, r)

	_, err := r.CreatePeer(context.Background(), PeerInput{
		ServerID:   42,
		PublicKey:  newKey(t),
		AllowedIPs: []string{"10.0.0.5/32"},
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, countPeers(t, r))
}

func TestCreatePeerValidation(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	srv, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)

	_, err = r.CreatePeer(ctx, PeerInput{
		ServerID:     srv.ID,
		PublicKey:    "bad",
		PresharedKey: "also-bad",
		AllowedIPs:   []string{"10.0.0.5/32", "nope"},
	})
	var ve *validate.ValidationError
	require.True(t, errors.As(err, &ve))
	fields := ve.FieldMap()
	assert.Contains(t, fields, "public_key")
	assert.Contains(t, fields, "preshared_key")
	assert.Contains(t, fields, "allowed_ips[1]")
	assert.NotContains(t, fields, "allowed_ips[0]")

	_, err = r.CreatePeer(ctx, PeerInput{ServerID: srv.ID, PublicKey: newKey(t)})
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.FieldMap(), "allowed_ips")
	assert.Zero(t, countPeers(t, r))
}

func TestCreatePeerDuplicateKey(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	a, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)
	b, err := r.CreateServer(ctx, serverInput(t, "10.1.0.1/24"))
	require.NoError(t, err)

	key := newKey(t)
	_, err = r.CreatePeer(ctx, PeerInput{ServerID: a.ID, PublicKey: key, AllowedIPs: []string{"10.0.0.0/24"}})
	require.NoError(t, err)

	_, err = r.CreatePeer(ctx, PeerInput{ServerID: a.ID, PublicKey: key, AllowedIPs: []string{"10.0.0.0/24"}})
	assert.ErrorIs(t, err, ErrDuplicatePeerKey)

	// другой сервер - не конфликт
	_, err = r.CreatePeer(ctx, PeerInput{ServerID: b.ID, PublicKey: key, AllowedIPs: []string{"10.1.0.0/24"}})
	assert.NoError(t, err)
	assert.Equal(t, 2, countPeers(t, r))
}

func TestCreatePeerDerivesPublicKey(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	srv, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)

	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	p, err := r.CreatePeer(ctx, PeerInput{ServerID: srv.ID, PrivateKey: priv.String(), AllowedIPs: []string{"0.0.0.0/0"}})
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey().String(), p.PublicKey)
}

func TestCreatePeerOutsideAddressSpace(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	// /30: допустимы смещения 1 и 2
	small, err := r.CreateServer(ctx, serverInput(t, "10.9.0.1/30"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := r.CreatePeer(ctx, PeerInput{ServerID: small.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.9.0.0/30"}})
		require.NoError(t, err)
	}
	_, err = r.CreatePeer(ctx, PeerInput{ServerID: small.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.9.0.0/30"}})
	assert.ErrorIs(t, err, validate.ErrAddressSpaceExhausted)
	assert.ErrorIs(t, err, validate.ErrValidation)
	assert.Equal(t, 2, countPeers(t, r))

	// откат не съедает ID
	big, err := r.CreateServer(ctx, serverInput(t, "10.8.0.1/24"))
	require.NoError(t, err)
	p, err := r.CreatePeer(ctx, PeerInput{ServerID: big.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.8.0.0/24"}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.ID)
}

func TestDeleteServerInUse(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	srv, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)
	peer, err := r.CreatePeer(ctx, PeerInput{ServerID: srv.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.0.0.0/24"}})
	require.NoError(t, err)

	err = r.DeleteServer(ctx, srv.ID)
	assert.ErrorIs(t, err, ErrServerInUse)

	_, err = r.GetServer(ctx, srv.ID)
	assert.NoError(t, err)
	_, err = r.GetPeer(ctx, peer.ID)
	assert.NoError(t, err)

	require.NoError(t, r.DeletePeer(ctx, peer.ID))
	require.NoError(t, r.DeleteServer(ctx, srv.ID))
	assert.ErrorIs(t, r.DeleteServer(ctx, srv.ID), ErrNotFound)
}

func TestDeleteServerCascade(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{CascadeDelete: true})
	a, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)
	b, err := r.CreateServer(ctx, serverInput(t, "10.1.0.1/24"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := r.CreatePeer(ctx, PeerInput{ServerID: a.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.0.0.0/24"}})
		require.NoError(t, err)
	}
	keep, err := r.CreatePeer(ctx, PeerInput{ServerID: b.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.1.0.0/24"}})
	require.NoError(t, err)

	require.NoError(t, r.DeleteServer(ctx, a.ID))

	peers, err := r.ListPeers(ctx, nil)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, keep.ID, peers[0].ID)
}

func TestDeleteServerCascadeRefusesLivePeer(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{CascadeDelete: true})
	srv, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)
	p1, err := r.CreatePeer(ctx, PeerInput{ServerID: srv.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.0.0.0/24"}})
	require.NoError(t, err)
	_, err = r.CreatePeer(ctx, PeerInput{ServerID: srv.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.0.0.0/24"}})
	require.NoError(t, err)
	r.SetLiveChecker(liveSet{p1.ID: true})

	assert.ErrorIs(t, r.DeleteServer(ctx, srv.ID), ErrPeerActive)
	assert.Equal(t, 2, countPeers(t, r))
}

func TestDeletePeer(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	srv, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)
	p, err := r.CreatePeer(ctx, PeerInput{ServerID: srv.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.0.0.0/24"}})
	require.NoError(t, err)

	live := liveSet{p.ID: true}
	r.SetLiveChecker(live)
	assert.ErrorIs(t, r.DeletePeer(ctx, p.ID), ErrPeerActive)

	delete(live, p.ID)
	require.NoError(t, r.DeletePeer(ctx, p.ID))
	assert.ErrorIs(t, r.DeletePeer(ctx, p.ID), ErrNotFound)
}

func TestUpdateServer(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	srv, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)

	name := "eu-west"
	updated, err := r.UpdateServer(ctx, srv.ID, ServerPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "eu-west", updated.Name)
	assert.Equal(t, srv.Endpoint, updated.Endpoint)

	bad := "nowhere"
	_, err = r.UpdateServer(ctx, srv.ID, ServerPatch{Endpoint: &bad, Name: &name})
	assert.ErrorIs(t, err, validate.ErrInvalidEndpointSyntax)

	stored, err := r.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, srv.Endpoint, stored.Endpoint)

	_, err = r.UpdateServer(ctx, 999, ServerPatch{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateServerAddressMustKeepPeers(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	srv, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := r.CreatePeer(ctx, PeerInput{ServerID: srv.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.0.0.0/24"}})
		require.NoError(t, err)
	}

	tiny := "10.0.0.1/30" // смещения 1..2, а пир 3 уже есть
	_, err = r.UpdateServer(ctx, srv.ID, ServerPatch{Address: &tiny})
	assert.ErrorIs(t, err, validate.ErrAddressSpaceExhausted)

	stored, err := r.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1/24", stored.Address)
}

func TestUpdatePeer(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	a, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)
	b, err := r.CreateServer(ctx, serverInput(t, "10.1.0.1/24"))
	require.NoError(t, err)

	shared := newKey(t)
	p, err := r.CreatePeer(ctx, PeerInput{ServerID: a.ID, PublicKey: shared, AllowedIPs: []string{"10.0.0.0/24"}})
	require.NoError(t, err)
	q, err := r.CreatePeer(ctx, PeerInput{ServerID: b.ID, PublicKey: shared, AllowedIPs: []string{"10.1.0.0/24"}})
	require.NoError(t, err)

	ips := []string{"10.0.0.0/24", "192.168.1.0/24"}
	psk := newKey(t)
	got, err := r.UpdatePeer(ctx, p.ID, PeerPatch{AllowedIPs: &ips, PresharedKey: &psk})
	require.NoError(t, err)
	assert.Equal(t, ips, []string(got.AllowedIPs))
	assert.Equal(t, psk, got.PresharedKey)

	// перенос на сервер, где ключ уже занят
	_, err = r.UpdatePeer(ctx, q.ID, PeerPatch{ServerID: &a.ID})
	assert.ErrorIs(t, err, ErrDuplicatePeerKey)

	missing := uint(77)
	_, err = r.UpdatePeer(ctx, q.ID, PeerPatch{ServerID: &missing})
	assert.ErrorIs(t, err, ErrNotFound)

	bad := []string{"300.0.0.0/8"}
	_, err = r.UpdatePeer(ctx, q.ID, PeerPatch{AllowedIPs: &bad})
	assert.ErrorIs(t, err, validate.ErrInvalidAddressSyntax)

	stored, err := r.GetPeer(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, stored.ServerID)
	assert.Equal(t, []string{"10.1.0.0/24"}, []string(stored.AllowedIPs))
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	srv, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)
	p, err := r.CreatePeer(ctx, PeerInput{ServerID: srv.ID, PublicKey: newKey(t), AllowedIPs: []string{"10.0.0.0/24"}})
	require.NoError(t, err)

	gp, gs, err := r.Resolve(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, gp.ID)
	assert.Equal(t, srv.ID, gs.ID)

	_, _, err = r.Resolve(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPeersFilter(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{})
	a, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	require.NoError(t, err)
	b, err := r.CreateServer(ctx, serverInput(t, "10.1.0.1/24"))
	require.NoError(t, err)
	for _, sid := range []uint{a.ID, b.ID, a.ID} {
		_, err := r.CreatePeer(ctx, PeerInput{ServerID: sid, PublicKey: newKey(t), AllowedIPs: []string{"0.0.0.0/0"}})
		require.NoError(t, err)
	}

	onA, err := r.ListPeers(ctx, &a.ID)
	require.NoError(t, err)
	assert.Len(t, onA, 2)
	assert.Less(t, onA[0].ID, onA[1].ID)

	all, err := r.ListPeers(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReadersNeverSeeOrphanPeers(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(Options{CascadeDelete: true})

	var ids []uint
	for i := 0; i < 20; i++ {
		srv, err := r.CreateServer(ctx, serverInput(t, fmt.Sprintf("10.%d.0.1/24", i)))
		require.NoError(t, err)
		for j := 0; j < 3; j++ {
			_, err := r.CreatePeer(ctx, PeerInput{ServerID: srv.ID, PublicKey: newKey(t), AllowedIPs: []string{"0.0.0.0/0"}})
			require.NoError(t, err)
		}
		ids = append(ids, srv.ID)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	orphans := make(chan uint, 1)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = r.store.View(ctx, func(tx Tx) error {
					peers, _ := tx.Peers(nil)
					for _, p := range peers {
						if _, err := tx.Server(p.ServerID); err != nil {
							select {
							case orphans <- p.ID:
							default:
							}
						}
					}
					return nil
				})
			}
		}()
	}

	for _, id := range ids {
		require.NoError(t, r.DeleteServer(ctx, id))
	}
	close(stop)
	wg.Wait()

	select {
	case id := <-orphans:
		t.Fatalf("reader observed peer %d without its server", id)
	default:
	}
	assert.Zero(t, countPeers(t, r))
}

func TestMemoryStoreRejectsWritesInView(t *testing.T) {
	s := NewMemoryStore()
	err := s.View(context.Background(), func(tx Tx) error {
		return tx.RemovePeers(1)
	})
	assert.Error(t, err)
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newRegistry(Options{})
	_, err := r.CreateServer(ctx, serverInput(t, "10.0.0.1/24"))
	assert.ErrorIs(t, err, context.Canceled)
}
