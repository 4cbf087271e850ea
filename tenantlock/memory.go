package tenantlock

import (
	"context"
	"sync"
	"time"

	rollout "github.com/goliatone/go-rollout"
)

// Holder describes the task currently owning a tenant.
type Holder struct {
	TaskID     string
	AcquiredAt time.Time
}

// Memory enforces one in-flight task per tenant inside a single process.
// Acquiring twice with the same task id succeeds.
type Memory struct {
	mu    sync.Mutex
	held  map[string]Holder
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		held:  make(map[string]Holder),
		clock: time.Now,
	}
}

func (m *Memory) TryAcquire(ctx context.Context, tenantID, taskID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if tenantID == "" || taskID == "" {
		return false, rollout.CloneError(rollout.ErrValidation, "tenant id and task id are required", nil, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.held[tenantID]; ok {
		return h.TaskID == taskID, nil
	}
	m.held[tenantID] = Holder{TaskID: taskID, AcquiredAt: m.clock().UTC()}
	return true, nil
}

// Release frees the tenant when taskID holds it. Releasing a lock held by
// another task, or not held at all, is a no-op.
func (m *Memory) Release(_ context.Context, tenantID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.held[tenantID]; ok && h.TaskID == taskID {
		delete(m.held, tenantID)
	}
	return nil
}

// Holder reports who owns tenantID.
func (m *Memory) Holder(tenantID string) (Holder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[tenantID]
	return h, ok
}
