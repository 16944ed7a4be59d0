package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

const (
	acquireLockQuery = `INSERT INTO locks (lock_key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.expires_at < ?`
	releaseLockQuery = `DELETE FROM locks WHERE lock_key = ? AND owner = ?`
)

// LeaseLocker grants expiring leases through the locks table so several
// engine processes sharing a database exclude each other.
type LeaseLocker struct {
	store *Store
	poll  time.Duration
	now   func() time.Time
}

// NewLeaseLocker creates a locker on the store's database.
func NewLeaseLocker(store *Store, poll time.Duration) *LeaseLocker {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	return &LeaseLocker{store: store, poll: poll, now: time.Now}
}

// Acquire implements ports.Locker.
func (l *LeaseLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	owner := uuid.NewString()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		now := l.now()
		res, err := l.store.db.ExecContext(ctx, l.store.q(acquireLockQuery),
			key, owner, now.Add(ttl).UnixNano(), now.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return func() {
				_, _ = l.store.db.ExecContext(context.Background(), l.store.q(releaseLockQuery), key, owner)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

var _ ports.Locker = (*LeaseLocker)(nil)
