package repo

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ghostvpn/internal/db"
	"ghostvpn/internal/models"
	"ghostvpn/internal/registry"
	"ghostvpn/internal/validate"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "vpn.db"))
	require.NoError(t, err)
	gdb.Logger = logger.Default.LogMode(logger.Silent)
	require.NoError(t, Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

func key(t *testing.T) string {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k.String()
}

func newTestRegistry(t *testing.T, opts registry.Options) *registry.Registry {
	return registry.New(NewVPNStore(openTestDB(t)), opts)
}

func createServer(t *testing.T, r *registry.Registry, addr string) uint {
	t.Helper()
	s, err := r.CreateServer(context.Background(), registry.ServerInput{
		Name:       "us-east",
		Endpoint:   "vpn.example.com:51820",
		PublicKey:  key(t),
		PrivateKey: key(t),
		Address:    addr,
	})
	require.NoError(t, err)
	return s.ID
}

func TestVPNStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, registry.Options{})
	sid := createServer(t, r, "10.0.0.1/24")

	psk := key(t)
	p, err := r.CreatePeer(ctx, registry.PeerInput{
		ServerID:     sid,
		PublicKey:    key(t),
		PresharedKey: psk,
		AllowedIPs:   []string{"10.0.0.5/32", "192.168.0.0/16"},
	})
	require.NoError(t, err)

	got, err := r.GetPeer(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5/32", "192.168.0.0/16"}, []string(got.AllowedIPs))
	assert.Equal(t, psk, got.PresharedKey)

	srv, err := r.GetServer(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1/24", srv.Address)
	assert.NotEmpty(t, srv.PrivateKey)
}

func TestVPNStoreReferentialErrors(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, registry.Options{})

	_, err := r.CreatePeer(ctx, registry.PeerInput{ServerID: 9, PublicKey: key(t), AllowedIPs: []string{"10.0.0.0/24"}})
	assert.ErrorIs(t, err, registry.ErrNotFound)

	sid := createServer(t, r, "10.0.0.1/24")
	pub := key(t)
	p, err := r.CreatePeer(ctx, registry.PeerInput{ServerID: sid, PublicKey: pub, AllowedIPs: []string{"10.0.0.0/24"}})
	require.NoError(t, err)

	_, err = r.CreatePeer(ctx, registry.PeerInput{ServerID: sid, PublicKey: pub, AllowedIPs: []string{"10.0.0.0/24"}})
	assert.ErrorIs(t, err, registry.ErrDuplicatePeerKey)

	assert.ErrorIs(t, r.DeleteServer(ctx, sid), registry.ErrServerInUse)
	_, err = r.GetPeer(ctx, p.ID)
	assert.NoError(t, err)

	require.NoError(t, r.DeletePeer(ctx, p.ID))
	assert.ErrorIs(t, r.DeletePeer(ctx, p.ID), registry.ErrNotFound)
	require.NoError(t, r.DeleteServer(ctx, sid))
	assert.ErrorIs(t, r.DeleteServer(ctx, sid), registry.ErrNotFound)
}

func TestVPNStoreCascade(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, registry.Options{CascadeDelete: true})
	a := createServer(t, r, "10.0.0.1/24")
	b := createServer(t, r, "10.1.0.1/24")
	for _, sid := range []uint{a, a, b} {
		_, err := r.CreatePeer(ctx, registry.PeerInput{ServerID: sid, PublicKey: key(t), AllowedIPs: []string{"0.0.0.0/0"}})
		require.NoError(t, err)
	}

	require.NoError(t, r.DeleteServer(ctx, a))
	peers, err := r.ListPeers(ctx, nil)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, b, peers[0].ServerID)
}

func TestVPNStoreRollsBackOnCapacity(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, registry.Options{})
	sid := createServer(t, r, "10.0.0.1/31") // /31: смещения 0 и 1

	_, err := r.CreatePeer(ctx, registry.PeerInput{ServerID: sid, PublicKey: key(t), AllowedIPs: []string{"10.0.0.0/31"}})
	require.NoError(t, err)
	_, err = r.CreatePeer(ctx, registry.PeerInput{ServerID: sid, PublicKey: key(t), AllowedIPs: []string{"10.0.0.0/31"}})
	assert.ErrorIs(t, err, validate.ErrAddressSpaceExhausted)

	peers, err := r.ListPeers(ctx, &sid)
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestVPNStoreUpdateKeepsStoredRecordOnError(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, registry.Options{})
	sid := createServer(t, r, "10.0.0.1/24")

	bad := "10.0.0.1/99"
	_, err := r.UpdateServer(ctx, sid, registry.ServerPatch{Address: &bad})
	assert.ErrorIs(t, err, validate.ErrAddressOutOfRange)

	name := "renamed"
	_, err = r.UpdateServer(ctx, sid, registry.ServerPatch{Name: &name})
	require.NoError(t, err)

	srv, err := r.GetServer(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "renamed", srv.Name)
	assert.Equal(t, "10.0.0.1/24", srv.Address)
}

func TestVPNStoreSchemaRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	store := NewVPNStore(openTestDB(t))
	r := registry.New(store, registry.Options{})
	sid := createServer(t, r, "10.0.0.1/24")
	pub := key(t)

	// мимо проверок реестра: уникальность держит сама схема
	err := store.Update(ctx, func(tx registry.Tx) error {
		if err := tx.InsertPeer(&models.Peer{ServerID: sid, PublicKey: pub}); err != nil {
			return err
		}
		return tx.InsertPeer(&models.Peer{ServerID: sid, PublicKey: pub})
	})
	assert.ErrorIs(t, err, registry.ErrDuplicatePeerKey)

	peers, err := r.ListPeers(ctx, &sid)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestVPNStoreSchemaRejectsOrphans(t *testing.T) {
	ctx := context.Background()
	store := NewVPNStore(openTestDB(t))
	r := registry.New(store, registry.Options{})

	err := store.Update(ctx, func(tx registry.Tx) error {
		return tx.InsertPeer(&models.Peer{ServerID: 42, PublicKey: key(t)})
	})
	assert.ErrorIs(t, err, registry.ErrNotFound)

	sid := createServer(t, r, "10.0.0.1/24")
	_, err = r.CreatePeer(ctx, registry.PeerInput{ServerID: sid, PublicKey: key(t), AllowedIPs: []string{"10.0.0.0/24"}})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx registry.Tx) error { return tx.RemoveServer(sid) })
	assert.ErrorIs(t, err, registry.ErrServerInUse)

	_, err = r.GetServer(ctx, sid)
	assert.NoError(t, err)
}

func TestVPNStoreConcurrentCreatePeerSameKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, registry.Options{})
	sid := createServer(t, r, "10.0.0.1/24")
	pub := key(t)

	var created, dup atomic.Int32
	var wg conc.WaitGroup
	for range 8 {
		wg.Go(func() {
			_, err := r.CreatePeer(ctx, registry.PeerInput{ServerID: sid, PublicKey: pub, AllowedIPs: []string{"10.0.0.0/24"}})
			switch {
			case err == nil:
				created.Add(1)
			case assert.ErrorIs(t, err, registry.ErrDuplicatePeerKey):
				dup.Add(1)
			}
		})
	}
	wg.Wait()

	assert.EqualValues(t, 1, created.Load())
	assert.EqualValues(t, 7, dup.Load())
}

func TestVPNStoreDeleteServerRacingCreatePeer(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, registry.Options{})

	for range 20 {
		sid := createServer(t, r, "10.0.0.1/24")

		var wg conc.WaitGroup
		wg.Go(func() { _ = r.DeleteServer(ctx, sid) })
		pub := key(t)
		wg.Go(func() {
			_, _ = r.CreatePeer(ctx, registry.PeerInput{ServerID: sid, PublicKey: pub, AllowedIPs: []string{"10.0.0.0/24"}})
		})
		wg.Wait()

		// либо сервер жив (пир успел раньше), либо нет ни сервера, ни его пиров
		peers, err := r.ListPeers(ctx, &sid)
		require.NoError(t, err)
		if _, err := r.GetServer(ctx, sid); err != nil {
			require.ErrorIs(t, err, registry.ErrNotFound)
			assert.Empty(t, peers)
		} else {
			assert.Len(t, peers, 1)
		}
	}
}
