package tunnel

import (
	"context"
	"slices"
	"sync"
)

// FakeResult: заранее заданный исход одного вызова.
type FakeResult struct {
	Output string
	Err    error
}

// FakeDriver ничего не запускает: отдаёт заскриптованные исходы и считает вызовы.
// Используется в тестах и в режиме tunnel.driver=dry-run.
type FakeDriver struct {
	mu        sync.Mutex
	up, down  []FakeResult
	upCalls   []string
	downCalls []string
	gate      chan struct{}
	started   chan string
}

func NewFakeDriver() *FakeDriver { return &FakeDriver{} }

// ScriptUp добавляет исход следующего Up; без скрипта Up успешен.
func (f *FakeDriver) ScriptUp(output string, err error) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up = append(f.up, FakeResult{Output: output, Err: err})
	return f
}

func (f *FakeDriver) ScriptDown(output string, err error) *FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = append(f.down, FakeResult{Output: output, Err: err})
	return f
}

// Hold заставляет Up ждать release() или отмены контекста.
// В started приходит путь конфига, как только Up начался.
func (f *FakeDriver) Hold() (started <-chan string, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.started = make(chan string, 16)
	gate := f.gate
	var once sync.Once
	return f.started, func() { once.Do(func() { close(gate) }) }
}

func (f *FakeDriver) Up(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	f.upCalls = append(f.upCalls, path)
	res := pop(&f.up)
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- path
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "interrupted", ctx.Err()
		}
	}
	return res.Output, res.Err
}

func (f *FakeDriver) Down(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downCalls = append(f.downCalls, path)
	res := pop(&f.down)
	return res.Output, res.Err
}

func (f *FakeDriver) UpCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.upCalls)
}

func (f *FakeDriver) DownCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.downCalls)
}

func pop(q *[]FakeResult) FakeResult {
	if len(*q) == 0 {
		return FakeResult{}
	}
	r := (*q)[0]
	*q = (*q)[1:]
	return r
}
