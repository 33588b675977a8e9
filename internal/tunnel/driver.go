package tunnel

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl"
)

// Driver поднимает и опускает интерфейс по пути к конфигу.
// Возвращает диагностический вывод процесса даже при ошибке.
type Driver interface {
	Up(ctx context.Context, path string) (string, error)
	Down(ctx context.Context, path string) (string, error)
}

// Verifier проверяет, что интерфейс действительно существует в ядре.
type Verifier interface {
	Verify(ctx context.Context, iface string) error
}

// Observer получает каждую смену состояния сессии.
type Observer interface {
	SessionChanged(Status)
}

// WgQuickDriver вызывает `wg-quick up|down <path>`.
type WgQuickDriver struct {
	Binary string // по умолчанию "wg-quick" из PATH
	Sudo   bool   // sudo -n wg-quick ...
}

func (d WgQuickDriver) Up(ctx context.Context, path string) (string, error) {
	return d.run(ctx, "up", path)
}

func (d WgQuickDriver) Down(ctx context.Context, path string) (string, error) {
	return d.run(ctx, "down", path)
}

// Available проверяет наличие бинарников (для /readyz и старта).
func (d WgQuickDriver) Available() error {
	if _, err := exec.LookPath(d.binary()); err != nil {
		return fmt.Errorf("wg-quick not found: %w", err)
	}
	if d.Sudo {
		if _, err := exec.LookPath("sudo"); err != nil {
			return fmt.Errorf("sudo not found: %w", err)
		}
	}
	return nil
}

func (d WgQuickDriver) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "wg-quick"
}

func (d WgQuickDriver) run(ctx context.Context, action, path string) (string, error) {
	name, args := d.binary(), []string{action, path}
	if d.Sudo {
		name, args = "sudo", append([]string{"-n", d.binary()}, args...)
	}
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// WgctrlVerifier спрашивает ядро через wgctrl (netlink/userspace socket).
type WgctrlVerifier struct{}

func (WgctrlVerifier) Verify(ctx context.Context, iface string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("wgctrl: %w", err)
	}
	defer client.Close()

	if _, err := client.Device(iface); err != nil {
		return fmt.Errorf("device %s: %w", iface, err)
	}
	return nil
}
