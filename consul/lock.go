package consul

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	consulapi "github.com/hashicorp/consul/api"
)

const ErrCodeConsulLock = "CONSUL_LOCK_FAILED"

// Locker is the subset of *consulapi.Lock the tenant lock uses.
type Locker interface {
	Lock(stopCh <-chan struct{}) (<-chan struct{}, error)
	Unlock() error
}

// LockFactory builds a session lock for the given options.
type LockFactory func(opts *consulapi.LockOptions) (Locker, error)

type heldLock struct {
	taskID string
	lock   Locker
	lost   <-chan struct{}
}

// TenantLock holds one Consul session lock per tenant, stored at
// prefix/locks/<tenant>. Acquisition never blocks longer than WaitTime.
type TenantLock struct {
	mu       sync.Mutex
	factory  LockFactory
	prefix   string
	ttl      time.Duration
	waitTime time.Duration
	held     map[string]*heldLock
}

// LockOption customizes a TenantLock.
type LockOption func(*TenantLock)

func WithLockWaitTime(d time.Duration) LockOption {
	return func(l *TenantLock) {
		if d > 0 {
			l.waitTime = d
		}
	}
}

func WithLockFactory(f LockFactory) LockOption {
	return func(l *TenantLock) {
		if f != nil {
			l.factory = f
		}
	}
}

// NewTenantLock uses cli sessions with the given TTL.
func NewTenantLock(cli *consulapi.Client, prefix string, ttl time.Duration, opts ...LockOption) *TenantLock {
	l := &TenantLock{
		prefix:   prefix,
		ttl:      ttl,
		waitTime: 500 * time.Millisecond,
		held:     make(map[string]*heldLock),
	}
	if cli != nil {
		l.factory = func(o *consulapi.LockOptions) (Locker, error) {
			return cli.LockOpts(o)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *TenantLock) key(tenantID string) string {
	return joinKey(l.prefix, "locks/"+tenantID)
}

// TryAcquire makes a single attempt at the tenant's lock. Holding it
// already under the same task id succeeds; a lock whose session was lost is
// dropped and re-attempted.
func (l *TenantLock) TryAcquire(ctx context.Context, tenantID, taskID string) (bool, error) {
	if l.factory == nil {
		return false, errors.New("consul lock has no client", errors.CategoryInternal).WithTextCode(ErrCodeConsulLock)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.held[tenantID]; ok {
		if !isLost(h.lost) {
			return h.taskID == taskID, nil
		}
		_ = h.lock.Unlock()
		delete(l.held, tenantID)
	}

	opts := &consulapi.LockOptions{
		Key:          l.key(tenantID),
		Value:        []byte(taskID),
		SessionName:  "rollout-" + tenantID,
		SessionTTL:   l.ttl.String(),
		LockTryOnce:  true,
		LockWaitTime: l.waitTime,
	}
	lock, err := l.factory(opts)
	if err != nil {
		return false, lockError("create", tenantID, err)
	}
	lost, err := lock.Lock(ctx.Done())
	if err != nil {
		return false, lockError("acquire", tenantID, err)
	}
	if lost == nil {
		return false, nil
	}
	l.held[tenantID] = &heldLock{taskID: taskID, lock: lock, lost: lost}
	return true, nil
}

// Release unlocks the tenant when taskID holds it.
func (l *TenantLock) Release(_ context.Context, tenantID, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.held[tenantID]
	if !ok || h.taskID != taskID {
		return nil
	}
	delete(l.held, tenantID)
	if err := h.lock.Unlock(); err != nil && err != consulapi.ErrLockNotHeld {
		return lockError("release", tenantID, err)
	}
	return nil
}

func isLost(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func lockError(op, tenantID string, err error) error {
	return errors.Wrap(err, errors.CategoryExternal, "consul lock "+op).
		WithTextCode(ErrCodeConsulLock).
		WithMetadata(map[string]any{"tenant_id": tenantID})
}
