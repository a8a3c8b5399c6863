package common

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
)

// FeedMsg carries one value from a Feed into the bubbletea update loop.
type FeedMsg[T any] struct {
	Value T
}

// Feed bridges broadcaster callbacks into bubbletea. Push never blocks the
// broadcaster. A value replaces any queued value with the same key, so the
// latest state per key always arrives. When more than size keys are queued the
// oldest entry is dropped and logged.
type Feed[T any] struct {
	size   int
	key    func(T) string
	logger *log.Logger
	ready  chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []T
	keys   []string
	closed bool
	stop   func()
}

// NewFeed queues up to size values. key may be nil, in which case nothing is
// coalesced.
func NewFeed[T any](size int, key func(T) string, logger *log.Logger) *Feed[T] {
	if logger == nil {
		logger = log.Default().WithPrefix("ui")
	}
	return &Feed[T]{
		size:   max(size, 1),
		key:    key,
		logger: logger,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Attach records the unsubscribe function released by Close.
func (f *Feed[T]) Attach(stop func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		stop()
		return
	}
	f.stop = stop
}

func (f *Feed[T]) Push(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	var k string
	if f.key != nil {
		k = f.key(v)
		for i := range f.keys {
			if f.keys[i] == k {
				f.remove(i)
				break
			}
		}
	}
	if len(f.queue) >= f.size {
		f.logger.Warn("ui feed full, dropping oldest update")
		f.remove(0)
	}
	f.queue = append(f.queue, v)
	f.keys = append(f.keys, k)

	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *Feed[T]) remove(i int) {
	f.queue = append(f.queue[:i], f.queue[i+1:]...)
	f.keys = append(f.keys[:i], f.keys[i+1:]...)
}

// queued reports how many values wait for Next.
func (f *Feed[T]) queued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Next waits for the next value. It yields a nil message once the feed is closed,
// which ends the listen loop.
func (f *Feed[T]) Next() tea.Cmd {
	return func() tea.Msg {
		for {
			f.mu.Lock()
			if f.closed {
				f.mu.Unlock()
				return nil
			}
			if len(f.queue) > 0 {
				v := f.queue[0]
				f.remove(0)
				f.mu.Unlock()
				return FeedMsg[T]{Value: v}
			}
			f.mu.Unlock()

			select {
			case <-f.ready:
			case <-f.done:
			}
		}
	}
}

func (f *Feed[T]) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.queue, f.keys = nil, nil
	stop := f.stop
	close(f.done)
	f.mu.Unlock()

	if stop != nil {
		stop()
	}
}
