package stage

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/runner"
)

// KVStore is the key-value contract used by KVWriteStep.
type KVStore interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// kvSnapshot is what a key held before the step overwrote it.
type kvSnapshot struct {
	Value   []byte
	Existed bool
}

var errVerifyMismatch = stderrors.New("read-back value does not match")

// KVOption customizes a KVWriteStep.
type KVOption func(*KVWriteStep)

// WithVerify reads the key back up to attempts times, waiting interval
// between reads, until it holds the written value.
func WithVerify(attempts int, interval time.Duration) KVOption {
	return func(s *KVWriteStep) {
		s.verifyAttempts = attempts
		s.verifyInterval = interval
	}
}

// WithValueKey takes the value from the scratch space instead.
func WithValueKey(key string) KVOption {
	return func(s *KVWriteStep) {
		s.valueKey = key
	}
}

// KVWriteStep writes a value and optionally verifies it. Its compensation
// restores whatever the key held before.
type KVWriteStep struct {
	name     string
	store    KVStore
	key      string
	value    any
	valueKey string

	verifyAttempts int
	verifyInterval time.Duration
}

func NewKVWriteStep(name string, store KVStore, key string, value any, opts ...KVOption) *KVWriteStep {
	s := &KVWriteStep{name: name, store: store, key: key, value: value}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *KVWriteStep) Name() string { return s.name }

func (s *KVWriteStep) snapshotKey() string { return "kv.previous." + s.key }

func (s *KVWriteStep) Execute(ctx context.Context, rc *RuntimeContext) StepResult {
	if s.store == nil {
		return Failf(rollout.ErrorTypeValidation, "kv step %s has no store", s.name)
	}
	value, err := s.encode(rc)
	if err != nil {
		return Fail(rollout.FailureFromError(err, rollout.ErrorTypeValidation).WithRetryable(false))
	}

	prev, found, err := s.store.Get(ctx, s.key)
	if err != nil {
		return Fail(rollout.FailureFromError(err, rollout.ErrorTypeServiceUnavailable))
	}
	if _, recorded := rc.Get(s.snapshotKey()); !recorded {
		rc.Put(s.snapshotKey(), kvSnapshot{Value: prev, Existed: found})
	}

	if err := s.store.Put(ctx, s.key, value); err != nil {
		return Fail(rollout.FailureFromError(err, rollout.ErrorTypeServiceUnavailable))
	}

	if s.verifyAttempts <= 0 {
		return Ok()
	}
	return s.verify(ctx, value)
}

func (s *KVWriteStep) verify(ctx context.Context, want []byte) StepResult {
	h := runner.NewHandler(
		runner.WithMaxRetries(s.verifyAttempts-1),
		runner.WithRetryStrategy(runner.FixedDelayStrategy{Delay: s.verifyInterval}),
	)
	err := h.Run(ctx, func(ctx context.Context, _ int) error {
		got, found, err := s.store.Get(ctx, s.key)
		if err != nil {
			return err
		}
		if !found || !bytes.Equal(got, want) {
			return errVerifyMismatch
		}
		return nil
	})
	if err == nil {
		return Ok()
	}
	if stderrors.Is(err, errVerifyMismatch) {
		return Fail(rollout.Failuref(rollout.ErrorTypeTimeout, "%s: key %s not verified after %d reads", s.name, s.key, s.verifyAttempts))
	}
	return Fail(rollout.FailureFromError(err, rollout.ErrorTypeServiceUnavailable))
}

// Compensate restores the previous value, or deletes the key when it did
// not exist. Without a recorded snapshot it does nothing.
func (s *KVWriteStep) Compensate(ctx context.Context, rc *RuntimeContext) StepResult {
	snap, ok := Value[kvSnapshot](rc, s.snapshotKey())
	if !ok || s.store == nil {
		return Ok()
	}
	var err error
	if snap.Existed {
		err = s.store.Put(ctx, s.key, snap.Value)
	} else {
		err = s.store.Delete(ctx, s.key)
	}
	if err != nil {
		return Fail(rollout.FailureFromError(err, rollout.ErrorTypeServiceUnavailable))
	}
	rc.Delete(s.snapshotKey())
	return Ok()
}

func (s *KVWriteStep) encode(rc *RuntimeContext) ([]byte, error) {
	src := s.value
	if s.valueKey != "" {
		v, ok := rc.Get(s.valueKey)
		if !ok {
			return nil, fmt.Errorf("%s: scratch key %q not set", s.name, s.valueKey)
		}
		src = v
	}
	switch v := src.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case nil:
		return nil, fmt.Errorf("%s: no value to write", s.name)
	default:
		return json.Marshal(v)
	}
}
