package follows

import (
	"context"
	"sync"

	"github.com/deemkeen/campusnet/domain"
)

type pairKey struct {
	follower domain.Identity
	followee domain.Identity
}

type pairLock struct {
	ch   chan struct{}
	refs int
}

// pairLocks hands out one mutex per (follower, followee) pair and forgets it once
// nobody holds or waits for it.
type pairLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

func (p *pairLocks) lock(ctx context.Context, key pairKey) (unlock func(), err error) {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[pairKey]*pairLock)
	}
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{ch: make(chan struct{}, 1)}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		p.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			p.release(key, l)
		})
	}, nil
}

func (p *pairLocks) release(key pairKey, l *pairLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, key)
	}
}

func (p *pairLocks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
