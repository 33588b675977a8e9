// Package tunnel ведёт сессии туннелей: по одной на пира, с эксклюзивным конфиг-файлом
// и внешним процессом bring-up/tear-down.
package tunnel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"ghostvpn/internal/logs"
)

type Options struct {
	Fs              afero.Fs      // по умолчанию OS
	Dir             string        // каталог конфигов, 0700
	BringUpTimeout  time.Duration // если у ctx вызывающего нет дедлайна
	TearDownTimeout time.Duration
	Verifier        Verifier // nil - не проверять
	Observer        Observer // nil - никого не уведомлять
}

const (
	defaultDir             = "/run/ghostvpn"
	defaultBringUpTimeout  = 30 * time.Second
	defaultTearDownTimeout = 15 * time.Second
)

type session struct {
	st       Status
	path     string
	started  bool // Start или Release уже вызваны
	aborted  bool // Deactivate пришёл во время Pending
	stopping bool // идёт tear-down активной сессии
	cancel   context.CancelFunc
	done     chan struct{} // закрывается, когда Pending завершился
}

// Controller: единственный владелец сессий. Не больше одной живой сессии на пира.
type Controller struct {
	drv  Driver
	opts Options

	mu       sync.Mutex
	sessions map[uint]*session

	now func() time.Time
	log *logrus.Entry
}

func New(drv Driver, opts Options) *Controller {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Dir == "" {
		opts.Dir = defaultDir
	}
	if opts.BringUpTimeout <= 0 {
		opts.BringUpTimeout = defaultBringUpTimeout
	}
	if opts.TearDownTimeout <= 0 {
		opts.TearDownTimeout = defaultTearDownTimeout
	}
	return &Controller{
		drv:      drv,
		opts:     opts,
		sessions: make(map[uint]*session),
		now:      time.Now,
		log:      logs.For("tunnel"),
	}
}

// InterfaceName: имя интерфейса пира; wg-quick берёт его из имени файла.
func InterfaceName(peerID uint) string { return fmt.Sprintf("wgp%d", peerID) }

func (c *Controller) ConfigPath(peerID uint) string {
	return filepath.Join(c.opts.Dir, InterfaceName(peerID)+".conf")
}

/* ───── reservation ───── */

// Reservation: занятый слот пира в состоянии Pending. Ровно один из Start/Release.
type Reservation struct {
	c *Controller
	s *session
}

// Reserve занимает слот. Пока слот занят, IsLive(peerID) == true, повторный Reserve - ErrAlreadyActive.
func (c *Controller) Reserve(peerID uint) (*Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[peerID]; ok && s.st.State.Live() {
		return nil, fmt.Errorf("peer %d (%s): %w", peerID, s.st.State, ErrAlreadyActive)
	}
	s := &session{
		st: Status{
			PeerID:    peerID,
			State:     Pending,
			Interface: InterfaceName(peerID),
			UpdatedAt: c.now().UTC(),
		},
		path: c.ConfigPath(peerID),
		done: make(chan struct{}),
	}
	c.sessions[peerID] = s
	return &Reservation{c: c, s: s}, nil
}

// Release освобождает слот, если Start так и не был вызван. После Start - no-op.
func (rv *Reservation) Release() {
	c, s := rv.c, rv.s
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.st.State = TornDown
	s.st.UpdatedAt = c.now().UTC()
	if c.sessions[s.st.PeerID] == s {
		delete(c.sessions, s.st.PeerID)
	}
	close(s.done)
}

// Start пишет конфиг и один раз вызывает bring-up.
//
// Итог: Active; Failed при ошибке процесса, проверки или таймауте (с попыткой очистки);
// TornDown, если ctx отменён или пришёл Deactivate (ошибка ErrAborted).
func (rv *Reservation) Start(ctx context.Context, serverID uint, config string) (Status, error) {
	c, s := rv.c, rv.s
	ctx, cancel := c.withDefaultTimeout(ctx, c.opts.BringUpTimeout)
	defer cancel()

	c.mu.Lock()
	if s.started {
		c.mu.Unlock()
		return Status{}, ErrReservationUsed
	}
	s.started = true
	s.st.ServerID = serverID
	s.cancel = cancel
	aborted := s.aborted
	st := s.st
	c.mu.Unlock()
	defer close(s.done)

	if aborted {
		return c.finish(s, TornDown, "aborted before bring-up", fmt.Errorf("peer %d: %w", s.st.PeerID, ErrAborted))
	}
	c.notify(st)

	if err := c.writeConfig(s.path, config); err != nil {
		c.removeConfig(s.path)
		return c.finish(s, Failed, err.Error(), err)
	}

	op := "up"
	out, err := c.drv.Up(ctx, s.path)
	if err == nil && c.opts.Verifier != nil {
		op = "verify"
		err = c.opts.Verifier.Verify(ctx, s.st.Interface)
	}

	// Проверка aborted и переход в Active - одна критическая секция: Deactivate,
	// увидевший Pending, либо успел выставить aborted, либо увидит уже Active.
	c.mu.Lock()
	aborted = s.aborted
	if err == nil && !aborted {
		s.cancel = nil
		from, terr := c.transitionLocked(s, Active, "")
		st := s.st
		c.mu.Unlock()
		return c.report(st, from, terr)
	}
	c.mu.Unlock()

	// Никаких осиротевших интерфейсов: down + удаление файла, ошибки очистки только в лог.
	c.cleanup(s)

	if aborted || errors.Is(ctx.Err(), context.Canceled) {
		return c.finish(s, TornDown, "activation cancelled", errors.Join(fmt.Errorf("peer %d: %w", s.st.PeerID, ErrAborted), ctx.Err()))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Join(ctxErr, err)
	}
	xerr := &ExternalError{Op: op, Output: out, Err: err}
	return c.finish(s, Failed, xerr.Error(), xerr)
}

// Activate = Reserve + Start.
func (c *Controller) Activate(ctx context.Context, peerID, serverID uint, config string) (Status, error) {
	rv, err := c.Reserve(peerID)
	if err != nil {
		return Status{}, err
	}
	defer rv.Release()
	return rv.Start(ctx, serverID, config)
}

/* ───── tear-down ───── */

// Deactivate опускает живую сессию. Итог всегда TornDown; ошибка down только логируется.
// Pending-сессия отменяется и дожидается завершения bring-up.
func (c *Controller) Deactivate(ctx context.Context, peerID uint) (Status, error) {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok || !s.st.State.Live() || s.stopping {
		c.mu.Unlock()
		return Status{}, fmt.Errorf("peer %d: %w", peerID, ErrNotFound)
	}

	if s.st.State == Pending {
		s.aborted = true
		if s.cancel != nil {
			s.cancel()
		}
		c.mu.Unlock()
		select {
		case <-s.done:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
		c.mu.Lock()
		st := s.st
		c.mu.Unlock()
		return st, nil
	}

	s.stopping = true
	c.mu.Unlock()

	ctx, cancel := c.withDefaultTimeout(ctx, c.opts.TearDownTimeout)
	defer cancel()

	msg := ""
	if out, err := c.drv.Down(ctx, s.path); err != nil {
		xerr := &ExternalError{Op: "down", Output: out, Err: err}
		c.log.WithField("peer_id", peerID).WithError(xerr).Warn("tear-down reported an error")
		msg = xerr.Error()
	}
	c.removeConfig(s.path)
	return c.finish(s, TornDown, msg, nil)
}

// MarkFailed: асинхронный сбой активной сессии (интерфейс пропал и т.п.).
// Возвращает false, если сессия не Active.
func (c *Controller) MarkFailed(peerID uint, reason string) bool {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	c.mu.Unlock()
	return ok && c.markFailed(s, reason)
}

// markFailed валит именно сессию s: если пира успели опустить и поднять заново,
// новая сессия не трогается.
func (c *Controller) markFailed(s *session, reason string) bool {
	c.mu.Lock()
	if c.sessions[s.st.PeerID] != s || s.st.State != Active || s.stopping {
		c.mu.Unlock()
		return false
	}
	s.stopping = true
	c.mu.Unlock()

	c.cleanup(s)
	_, _ = c.finish(s, Failed, reason, nil)
	return true
}

// Shutdown опускает все живые сессии параллельно.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]uint, 0, len(c.sessions))
	for id, s := range c.sessions {
		if s.st.State.Live() {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	p := pool.New().WithErrors()
	for _, id := range ids {
		p.Go(func() error {
			_, err := c.Deactivate(ctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil // уже опущена кем-то другим
			}
			return err
		})
	}
	err := p.Wait()
	c.log.WithField("sessions", len(ids)).Info("tunnels shut down")
	return err
}

/* ───── queries ───── */

func (c *Controller) IsLive(peerID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[peerID]
	return ok && s.st.State.Live()
}

func (c *Controller) Session(peerID uint) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[peerID]
	if !ok {
		return Status{}, false
	}
	return s.st, true
}

// Sessions: снимок всех сессий (включая последние Failed/TornDown), по peer_id.
func (c *Controller) Sessions() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.sessions))
	for _, id := range slices.Sorted(maps.Keys(c.sessions)) {
		out = append(out, c.sessions[id].st)
	}
	return out
}

// activeSession: снимок Active-сессии вместе с ней самой.
type activeSession struct {
	st Status
	s  *session
}

// active: Active-сессии, которые никто сейчас не опускает.
func (c *Controller) active() []activeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []activeSession
	for _, s := range c.sessions {
		if s.st.State == Active && !s.stopping {
			out = append(out, activeSession{st: s.st, s: s})
		}
	}
	slices.SortFunc(out, func(a, b activeSession) int { return cmp.Compare(a.st.PeerID, b.st.PeerID) })
	return out
}

/* ───── internals ───── */

func (c *Controller) finish(s *session, to State, msg string, err error) (Status, error) {
	c.mu.Lock()
	from, terr := c.transitionLocked(s, to, msg)
	st := s.st
	c.mu.Unlock()
	return c.report(st, from, multierr.Append(err, terr))
}

// transitionLocked меняет состояние сессии; c.mu должен быть захвачен.
func (c *Controller) transitionLocked(s *session, to State, msg string) (State, error) {
	from := s.st.State
	if !from.CanTransition(to) {
		return from, fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	s.st.State = to
	s.st.Message = msg
	s.st.UpdatedAt = c.now().UTC()
	return from, nil
}

// report пишет лог и уведомляет наблюдателя уже без блокировки.
func (c *Controller) report(st Status, from State, err error) (Status, error) {
	if errors.Is(err, ErrInvalidTransition) {
		c.log.WithFields(logrus.Fields{"peer_id": st.PeerID, "from": from, "state": st.State}).Error(err)
		return st, err
	}
	e := c.log.WithFields(logrus.Fields{"peer_id": st.PeerID, "server_id": st.ServerID, "from": from, "state": st.State})
	if st.State == Failed {
		e.Warn(st.Message)
	} else {
		e.Info("tunnel state changed")
	}
	c.notify(st)
	return st, err
}

func (c *Controller) notify(st Status) {
	if c.opts.Observer != nil {
		c.opts.Observer.SessionChanged(st)
	}
}

func (c *Controller) withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (c *Controller) writeConfig(path, config string) error {
	if err := c.opts.Fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config dir: %w", err)
	}
	if err := afero.WriteFile(c.opts.Fs, path, []byte(config), 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (c *Controller) removeConfig(path string) {
	if err := c.opts.Fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.WithField("path", path).WithError(err).Warn("config not removed")
	}
}

// cleanup работает на свежем контексте: исходный уже может быть отменён.
func (c *Controller) cleanup(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.TearDownTimeout)
	defer cancel()
	if out, err := c.drv.Down(ctx, s.path); err != nil {
		c.log.WithFields(logrus.Fields{"peer_id": s.st.PeerID, "output": out}).WithError(err).Debug("cleanup down failed")
	}
	c.removeConfig(s.path)
}
