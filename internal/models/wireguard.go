package models

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

// Server: WireGuard-концентратор, к которому подключаются пиры.
type Server struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name       string `gorm:"size:255;not null" json:"name"`
	Endpoint   string `gorm:"size:255;not null" json:"endpoint"` // "host:port"
	PublicKey  string `gorm:"size:64;not null" json:"public_key"`
	PrivateKey string `gorm:"size:64;not null" json:"-"`
	Address    string `gorm:"size:64;not null" json:"address"` // "10.0.0.1/24", пул адресов для пиров
}

// Peer: клиентская идентичность внутри туннеля; всегда принадлежит ровно одному Server.
type Peer struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ServerID     uint                        `gorm:"not null;uniqueIndex:idx_peer_server_pubkey,priority:1" json:"server_id"`
	PublicKey    string                      `gorm:"size:64;not null;uniqueIndex:idx_peer_server_pubkey,priority:2" json:"public_key"`
	PrivateKey   string                      `gorm:"size:64" json:"-"` // нужен только для рендера клиентского конфига
	PresharedKey string                      `gorm:"size:64" json:"-"`
	AllowedIPs   datatypes.JSONSlice[string] `json:"allowed_ips"`

	// Только для внешнего ключа: сервер с пирами БД удалить не даст, каскад делает реестр.
	Server *Server `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
}

// Clone возвращает копию пира, не разделяющую AllowedIPs с оригиналом.
func (p Peer) Clone() Peer {
	p.AllowedIPs = slices.Clone(p.AllowedIPs)
	p.Server = nil
	return p
}
