package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"ghostvpn/internal/models"
)

// Tx: операции над реестром внутри одной транзакции.
// Возвращаемые сущности - копии; изменения сохраняются только через Save*/Insert*.
type Tx interface {
	Server(id uint) (*models.Server, error)
	Servers() ([]models.Server, error)
	InsertServer(s *models.Server) error // назначает ID
	SaveServer(s *models.Server) error
	RemoveServer(id uint) error

	Peer(id uint) (*models.Peer, error)
	Peers(serverID *uint) ([]models.Peer, error) // nil - все пиры
	InsertPeer(p *models.Peer) error             // назначает ID
	SavePeer(p *models.Peer) error
	RemovePeers(ids ...uint) error
}

// Store: минимальный контракт хранилища: View для чтения, Update для записи.
// Update атомарен: если fn вернула ошибку, ни одно изменение не видно читателям.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
}

var errReadOnly = errors.New("registry: write in read-only transaction")

/* ───── in-memory store ───── */

type memState struct {
	servers    map[uint]models.Server
	peers      map[uint]models.Peer
	nextServer uint
	nextPeer   uint
}

func (s *memState) clone() *memState {
	return &memState{
		servers:    maps.Clone(s.servers),
		peers:      maps.Clone(s.peers),
		nextServer: s.nextServer,
		nextPeer:   s.nextPeer,
	}
}

// MemoryStore: copy-on-write: Update работает над копией состояния и
// подменяет его целиком при успехе, поэтому читатель никогда не видит пира без сервера.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		servers: make(map[uint]models.Server),
		peers:   make(map[uint]models.Peer),
	}}
}

func (m *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{st: m.st, readOnly: true})
}

func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.st.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	m.st = next
	return nil
}

type memTx struct {
	st       *memState
	readOnly bool
}

func (t *memTx) Server(id uint) (*models.Server, error) {
	s, ok := t.st.servers[id]
	if !ok {
		return nil, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	return &s, nil
}

func (t *memTx) Servers() ([]models.Server, error) {
	out := make([]models.Server, 0, len(t.st.servers))
	for _, id := range slices.Sorted(maps.Keys(t.st.servers)) {
		out = append(out, t.st.servers[id])
	}
	return out, nil
}

func (t *memTx) InsertServer(s *models.Server) error {
	if t.readOnly {
		return errReadOnly
	}
	t.st.nextServer++
	s.ID = t.st.nextServer
	t.st.servers[s.ID] = *s
	return nil
}

func (t *memTx) SaveServer(s *models.Server) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, ok := t.st.servers[s.ID]; !ok {
		return fmt.Errorf("server %d: %w", s.ID, ErrNotFound)
	}
	t.st.servers[s.ID] = *s
	return nil
}

func (t *memTx) RemoveServer(id uint) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.st.servers, id)
	return nil
}

func (t *memTx) Peer(id uint) (*models.Peer, error) {
	p, ok := t.st.peers[id]
	if !ok {
		return nil, fmt.Errorf("peer %d: %w", id, ErrNotFound)
	}
	p = p.Clone()
	return &p, nil
}

func (t *memTx) Peers(serverID *uint) ([]models.Peer, error) {
	out := make([]models.Peer, 0)
	for _, id := range slices.Sorted(maps.Keys(t.st.peers)) {
		p := t.st.peers[id]
		if serverID != nil && p.ServerID != *serverID {
			continue
		}
		out = append(out, p.Clone())
	}
	return out, nil
}

func (t *memTx) InsertPeer(p *models.Peer) error {
	if t.readOnly {
		return errReadOnly
	}
	t.st.nextPeer++
	p.ID = t.st.nextPeer
	t.st.peers[p.ID] = p.Clone()
	return nil
}

func (t *memTx) SavePeer(p *models.Peer) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, ok := t.st.peers[p.ID]; !ok {
		return fmt.Errorf("peer %d: %w", p.ID, ErrNotFound)
	}
	t.st.peers[p.ID] = p.Clone()
	return nil
}

func (t *memTx) RemovePeers(ids ...uint) error {
	if t.readOnly {
		return errReadOnly
	}
	for _, id := range ids {
		delete(t.st.peers, id)
	}
	return nil
}
