package tunnel

import (
	"errors"
	"fmt"
	"time"
)

// State: состояние сессии туннеля.
type State int

const (
	Pending State = iota + 1
	Active
	Failed
	TornDown
)

var stateNames = map[State]string{
	Pending:  "pending",
	Active:   "active",
	Failed:   "failed",
	TornDown: "torn_down",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Live: сессия занимает слот пира (Pending или Active).
func (s State) Live() bool { return s == Pending || s == Active }

// CanTransition: Pending → Active|Failed|TornDown, Active → TornDown|Failed.
// Из Failed и TornDown выхода нет, только новая сессия.
func (s State) CanTransition(to State) bool {
	switch s {
	case Pending:
		return to == Active || to == Failed || to == TornDown
	case Active:
		return to == TornDown || to == Failed
	default:
		return false
	}
}

// Status: то, что уходит наружу; текст конфига сюда не попадает.
type Status struct {
	PeerID    uint      `json:"peer_id"`
	ServerID  uint      `json:"server_id"`
	State     State     `json:"state"`
	Interface string    `json:"interface"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrAlreadyActive     = errors.New("peer already has a pending or active tunnel session")
	ErrNotFound          = errors.New("no live tunnel session for peer")
	ErrAborted           = errors.New("activation aborted")
	ErrInvalidTransition = errors.New("invalid tunnel state transition")
	ErrReservationUsed   = errors.New("tunnel reservation already used")
)

// ExternalError: сбой внешнего процесса; Output хранит его вывод как есть.
type ExternalError struct {
	Op     string // up | down | verify
	Output string
	Err    error
}

func (e *ExternalError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("tunnel %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tunnel %s failed: %v: %s", e.Op, e.Err, e.Output)
}

func (e *ExternalError) Unwrap() error { return e.Err }
