package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ghostvpn/internal/models"
	"ghostvpn/internal/registry"
)

// VPNStore: реализация registry.Store поверх gorm (postgres/mysql/sqlite).
// Каждая операция реестра - одна транзакция БД.
//
// В Update строка сервера читается с SELECT ... FOR UPDATE, так что операции над
// одним сервером (создание пира, удаление сервера) идут по очереди. Схема страхует
// то же самое: внешний ключ peers.server_id и уникальный (server_id, public_key).
type VPNStore struct{ db *gorm.DB }

func NewVPNStore(db *gorm.DB) *VPNStore { return &VPNStore{db: db} }

// Migrate создаёт таблицы servers и peers.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Server{}, &models.Peer{})
}

func (s *VPNStore) View(ctx context.Context, fn func(registry.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *VPNStore) Update(ctx context.Context, fn func(registry.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, lock: true})
	})
}

type gormTx struct {
	db   *gorm.DB
	lock bool // серверы читаются FOR UPDATE
}

// lockServer: в пишущей транзакции строка сервера блокируется до commit.
// Пиры не блокируются: порядок захвата всегда "только сервер", без взаимоблокировок.
// sqlite блокировок строк не знает, там писатель и так один.
func (t *gormTx) lockServer() *gorm.DB {
	if t.lock && t.db.Dialector.Name() != "sqlite" {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

func notFound(kind string, id uint, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", kind, id, registry.ErrNotFound)
	}
	return err
}

// constraintErr переводит нарушения ограничений схемы в ошибки реестра.
func constraintErr(p *models.Peer, err error) error {
	switch {
	case err == nil:
		return nil
	case isDuplicate(err):
		return fmt.Errorf("peer key on server %d: %w", p.ServerID, registry.ErrDuplicatePeerKey)
	case isForeignKey(err):
		return fmt.Errorf("server %d: %w", p.ServerID, registry.ErrNotFound)
	default:
		return err
	}
}

// Драйверы без переводчика ошибок (и старые версии) отдают сырые сообщения СУБД.
func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKey(err error) bool {
	return errors.Is(err, gorm.ErrForeignKeyViolated) ||
		strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func (t *gormTx) Server(id uint) (*models.Server, error) {
	var s models.Server
	if err := t.lockServer().First(&s, id).Error; err != nil {
		return nil, notFound("server", id, err)
	}
	return &s, nil
}

func (t *gormTx) Servers() ([]models.Server, error) {
	var out []models.Server
	if err := t.db.Order("id asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (t *gormTx) InsertServer(s *models.Server) error {
	return t.db.Create(s).Error
}

func (t *gormTx) SaveServer(s *models.Server) error {
	return t.db.Save(s).Error
}

func (t *gormTx) RemoveServer(id uint) error {
	err := t.db.Delete(&models.Server{}, id).Error
	if err != nil && isForeignKey(err) {
		return fmt.Errorf("server %d: %w", id, registry.ErrServerInUse)
	}
	return err
}

func (t *gormTx) Peer(id uint) (*models.Peer, error) {
	var p models.Peer
	if err := t.db.First(&p, id).Error; err != nil {
		return nil, notFound("peer", id, err)
	}
	return &p, nil
}

func (t *gormTx) Peers(serverID *uint) ([]models.Peer, error) {
	q := t.db.Order("id asc")
	if serverID != nil {
		q = q.Where("server_id = ?", *serverID)
	}
	out := make([]models.Peer, 0)
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (t *gormTx) InsertPeer(p *models.Peer) error {
	return constraintErr(p, t.db.Omit(clause.Associations).Create(p).Error)
}

func (t *gormTx) SavePeer(p *models.Peer) error {
	return constraintErr(p, t.db.Omit(clause.Associations).Save(p).Error)
}

func (t *gormTx) RemovePeers(ids ...uint) error {
	if len(ids) == 0 {
		return nil
	}
	return t.db.Delete(&models.Peer{}, ids).Error
}
