package tunnel

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"ghostvpn/internal/logs"
)

// Monitor периодически проверяет Active-сессии. Пропавший интерфейс - это
// асинхронный сбой: Active → Failed с очисткой конфига.
type Monitor struct {
	c        *Controller
	v        Verifier
	interval time.Duration
	workers  int
	log      *logrus.Entry
}

func NewMonitor(c *Controller, v Verifier, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{c: c, v: v, interval: interval, workers: 8, log: logs.For("tunnel-monitor")}
}

// Run блокируется до отмены ctx.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	m.log.WithField("interval", m.interval).Info("monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Check(ctx); n > 0 {
				m.log.WithField("failed", n).Warn("sessions lost their interface")
			}
		}
	}
}

// Check: один проход. Возвращает число сессий, переведённых в Failed.
func (m *Monitor) Check(ctx context.Context) int {
	var failed atomic.Int32
	p := pool.New().WithContext(ctx).WithMaxGoroutines(m.workers)
	for _, a := range m.c.active() {
		p.Go(func(ctx context.Context) error {
			err := m.v.Verify(ctx, a.st.Interface)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			if m.c.markFailed(a.s, "interface lost: "+err.Error()) {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = p.Wait()
	return int(failed.Load())
}
