// Package lock provides in-process keyed leases.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// KeyedLocker hands out exclusive, expiring leases per key.
type KeyedLocker struct {
	mu    sync.Mutex
	held  map[string]*lease
	now   func() time.Time
	clock func(time.Duration) <-chan time.Time
}

type lease struct {
	expires  time.Time
	released chan struct{}
}

// NewKeyedLocker returns an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{
		held:  make(map[string]*lease),
		now:   time.Now,
		clock: time.After,
	}
}

// Acquire implements ports.Locker. An expired lease is taken over.
func (l *KeyedLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	for {
		l.mu.Lock()
		current := l.held[key]
		now := l.now()
		if current == nil || now.After(current.expires) {
			granted := &lease{expires: now.Add(ttl), released: make(chan struct{})}
			l.held[key] = granted
			l.mu.Unlock()
			return l.releaser(key, granted), nil
		}
		wait := current.expires.Sub(now)
		released := current.released
		l.mu.Unlock()

		select {
		case <-released:
		case <-l.clock(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		}
	}
}

func (l *KeyedLocker) releaser(key string, granted *lease) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == granted {
				delete(l.held, key)
			}
			close(granted.released)
		})
	}
}

var _ ports.Locker = (*KeyedLocker)(nil)
