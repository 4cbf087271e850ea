package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/goliatone/go-rollout/dispatcher"
	"github.com/goliatone/go-rollout/task"
)

// TopicTaskEvents is the dispatcher topic DispatcherPublisher uses by default.
const TopicTaskEvents = "rollout.task.events"

// Fanout publishes to every publisher and joins their errors.
type Fanout []EventPublisher

func (f Fanout) Publish(ctx context.Context, evt task.Event) error {
	var errs error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// DispatcherPublisher forwards events to a dispatcher topic so in-process
// subscribers (checkpoint store, CLI progress) can follow a run.
type DispatcherPublisher struct {
	Dispatcher *dispatcher.Dispatcher
	Topic      string
}

func (p DispatcherPublisher) Publish(ctx context.Context, evt task.Event) error {
	if p.Dispatcher == nil {
		return nil
	}
	topic := p.Topic
	if topic == "" {
		topic = TopicTaskEvents
	}
	return p.Dispatcher.Publish(ctx, topic, evt)
}

// EventHandler adapts fn into a dispatcher handler receiving task events.
// Payloads of other types are ignored.
func EventHandler(fn func(ctx context.Context, evt task.Event) error) dispatcher.HandlerFunc {
	return func(ctx context.Context, _ string, payload any) error {
		evt, ok := payload.(task.Event)
		if !ok {
			return nil
		}
		return fn(ctx, evt)
	}
}

// MemoryPublisher records published events.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []task.Event
	Err    error
}

func (m *MemoryPublisher) Publish(_ context.Context, evt task.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return m.Err
}

func (m *MemoryPublisher) Events() []task.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Event(nil), m.events...)
}

// Types lists the recorded event types in publish order.
func (m *MemoryPublisher) Types() []task.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// MemorySequencer counts per task, starting at 1.
type MemorySequencer struct {
	mu   sync.Mutex
	next map[string]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{next: make(map[string]int64)}
}

func (s *MemorySequencer) Next(taskID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[taskID]++
	return s.next[taskID]
}

// Seed continues numbering for taskID after last, for recovered tasks.
func (s *MemorySequencer) Seed(taskID string, last int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last > s.next[taskID] {
		s.next[taskID] = last
	}
}
