package consul

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/config"
)

type fakeKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	err    error
	hadCtx bool
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string][]byte{}} }

func (f *fakeKV) Get(key string, q *consulapi.QueryOptions) (*consulapi.KVPair, *consulapi.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hadCtx = q != nil && q.Context() != nil
	if f.err != nil {
		return nil, nil, f.err
	}
	v, ok := f.data[key]
	if !ok {
		return nil, &consulapi.QueryMeta{}, nil
	}
	return &consulapi.KVPair{Key: key, Value: v}, &consulapi.QueryMeta{}, nil
}

func (f *fakeKV) Put(p *consulapi.KVPair, _ *consulapi.WriteOptions) (*consulapi.WriteMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.data[p.Key] = p.Value
	return &consulapi.WriteMeta{}, nil
}

func (f *fakeKV) Delete(key string, _ *consulapi.WriteOptions) (*consulapi.WriteMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	delete(f.data, key)
	return &consulapi.WriteMeta{}, nil
}

func TestKVPrefixesKeys(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKV()
	kv := NewKV(fake, "bluegreen/")

	require.NoError(t, kv.Put(ctx, "/acme/portal", []byte("green")))
	assert.Contains(t, fake.data, "bluegreen/acme/portal")

	v, found, err := kv.Get(ctx, "acme/portal")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "green", string(v))
	assert.True(t, fake.hadCtx)

	require.NoError(t, kv.Delete(ctx, "acme/portal"))
	_, found, err = kv.Get(ctx, "acme/portal")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKVErrorsCarryCode(t *testing.T) {
	fake := newFakeKV()
	fake.err = errors.New("connection refused")
	kv := NewKV(fake, "")

	err := kv.Put(context.Background(), "k", nil)
	require.Error(t, err)
	assert.True(t, rollout.HasCode(err, ErrCodeConsulKV))
	assert.ErrorIs(t, err, fake.err)

	_, _, err = kv.Get(context.Background(), "k")
	assert.True(t, rollout.HasCode(err, ErrCodeConsulKV))
}

type fakeLock struct {
	acquire  bool
	err      error
	lost     chan struct{}
	unlocked int
}

func (f *fakeLock) Lock(<-chan struct{}) (<-chan struct{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !f.acquire {
		return nil, nil
	}
	f.lost = make(chan struct{})
	return f.lost, nil
}

func (f *fakeLock) Unlock() error {
	f.unlocked++
	return nil
}

type lockRecorder struct {
	opts  []*consulapi.LockOptions
	locks []*fakeLock
	next  func() *fakeLock
}

func (r *lockRecorder) factory(o *consulapi.LockOptions) (Locker, error) {
	r.opts = append(r.opts, o)
	l := r.next()
	r.locks = append(r.locks, l)
	return l, nil
}

func TestTenantLockAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	rec := &lockRecorder{next: func() *fakeLock { return &fakeLock{acquire: true} }}
	l := NewTenantLock(nil, "bluegreen", 30*time.Second, WithLockFactory(rec.factory))

	ok, err := l.TryAcquire(ctx, "acme", "task-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, rec.opts, 1)
	assert.Equal(t, "bluegreen/locks/acme", rec.opts[0].Key)
	assert.Equal(t, "task-1", string(rec.opts[0].Value))
	assert.Equal(t, "30s", rec.opts[0].SessionTTL)
	assert.True(t, rec.opts[0].LockTryOnce)

	ok, err = l.TryAcquire(ctx, "acme", "task-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.TryAcquire(ctx, "acme", "task-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, rec.opts, 1, "held locks are answered locally")

	require.NoError(t, l.Release(ctx, "acme", "task-2"))
	assert.Zero(t, rec.locks[0].unlocked)
	require.NoError(t, l.Release(ctx, "acme", "task-1"))
	assert.Equal(t, 1, rec.locks[0].unlocked)
}

func TestTenantLockHeldElsewhere(t *testing.T) {
	rec := &lockRecorder{next: func() *fakeLock { return &fakeLock{acquire: false} }}
	l := NewTenantLock(nil, "", time.Minute, WithLockFactory(rec.factory))

	ok, err := l.TryAcquire(context.Background(), "acme", "task-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTenantLockReacquiresAfterSessionLoss(t *testing.T) {
	rec := &lockRecorder{next: func() *fakeLock { return &fakeLock{acquire: true} }}
	l := NewTenantLock(nil, "", time.Minute, WithLockFactory(rec.factory))

	ok, _ := l.TryAcquire(context.Background(), "acme", "task-1")
	require.True(t, ok)
	close(rec.locks[0].lost)

	ok, err := l.TryAcquire(context.Background(), "acme", "task-2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, rec.locks, 2)
}

func TestTenantLockErrors(t *testing.T) {
	_, err := NewTenantLock(nil, "", time.Minute).TryAcquire(context.Background(), "acme", "t")
	assert.True(t, rollout.HasCode(err, ErrCodeConsulLock))

	rec := &lockRecorder{next: func() *fakeLock { return &fakeLock{err: errors.New("session create failed")} }}
	_, err = NewTenantLock(nil, "", time.Minute, WithLockFactory(rec.factory)).TryAcquire(context.Background(), "acme", "t")
	require.Error(t, err)
	assert.True(t, rollout.HasCode(err, ErrCodeConsulLock))
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(config.ConsulConfig{})
	require.Error(t, err)
	assert.True(t, rollout.HasCode(err, rollout.ErrCodeInvalidConfig))

	cli, err := NewClient(config.ConsulConfig{Address: "127.0.0.1:8500", Datacenter: "dc1"})
	require.NoError(t, err)
	assert.NotNil(t, cli)
}
