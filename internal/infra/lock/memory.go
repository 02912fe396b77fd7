package lock

import (
	"context"
	"sync"
	"time"

	"github.com/arklim/twofactor-service/internal/core/port"
)

// MemoryLocker implements port.Locker for single process deployments.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewMemoryLocker constructs an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]chan struct{}),
	}
}

// TryAcquire takes the named lock if it is free.
func (l *MemoryLocker) TryAcquire(_ context.Context, name string) (port.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[name]; busy {
		return nil, nil
	}
	return l.grant(name), nil
}

// AcquireWait blocks until the lock is free, timeout elapses or ctx is done.
func (l *MemoryLocker) AcquireWait(ctx context.Context, name string, timeout time.Duration) (port.Lease, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		released, busy := l.held[name]
		if !busy {
			lease := l.grant(name)
			l.mu.Unlock()
			return lease, nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// grant must be called with l.mu held.
func (l *MemoryLocker) grant(name string) *memoryLease {
	released := make(chan struct{})
	l.held[name] = released
	return &memoryLease{locker: l, name: name, released: released}
}

type memoryLease struct {
	locker   *MemoryLocker
	name     string
	released chan struct{}
}

// Release frees the lock and wakes any waiters if this lease is still the holder.
func (m *memoryLease) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	if current, ok := m.locker.held[m.name]; ok && current == m.released {
		close(current)
		delete(m.locker.held, m.name)
	}
	return nil
}

var _ port.Locker = (*MemoryLocker)(nil)
