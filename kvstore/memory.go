package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a process-local KV store. It backs dry runs and tests.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	rev  map[string]uint64
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
		rev:  make(map[string]uint64),
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	m.rev[key]++
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.rev, key)
	return nil
}

// Revision counts the writes of key since it was last deleted.
func (m *Memory) Revision(key string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rev[key]
}

// Keys lists the stored keys under prefix in lexical order.
func (m *Memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
