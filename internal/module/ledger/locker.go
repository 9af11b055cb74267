package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/gatherly/ledger/internal/shared/cache"
)

// PaymentLocker serializes refund processing per payment. Acquire returns
// a release func on success and cache.ErrLockHeld when another refund for
// the same payment is in flight.
type PaymentLocker interface {
	Acquire(ctx context.Context, paymentID uuid.UUID) (release func(), err error)
}

// RedisPaymentLocker backs the lock with redis so serialization holds
// across multiple service instances.
type RedisPaymentLocker struct {
	lock *cache.Lock
}

// NewRedisPaymentLocker creates a locker over the given cache lock.
func NewRedisPaymentLocker(lock *cache.Lock) *RedisPaymentLocker {
	return &RedisPaymentLocker{lock: lock}
}

func (l *RedisPaymentLocker) Acquire(ctx context.Context, paymentID uuid.UUID) (func(), error) {
	return l.lock.Acquire(ctx, paymentID.String())
}

// LocalPaymentLocker is an in-process locker for single-instance
// deployments and tests.
type LocalPaymentLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

// NewLocalPaymentLocker creates an in-process locker.
func NewLocalPaymentLocker() *LocalPaymentLocker {
	return &LocalPaymentLocker{held: make(map[uuid.UUID]struct{})}
}

func (l *LocalPaymentLocker) Acquire(_ context.Context, paymentID uuid.UUID) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[paymentID]; ok {
		return nil, cache.ErrLockHeld
	}
	l.held[paymentID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, paymentID)
		l.mu.Unlock()
	}, nil
}
