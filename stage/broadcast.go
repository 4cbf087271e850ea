package stage

import (
	"context"

	rollout "github.com/goliatone/go-rollout"
)

// Broadcaster delivers a payload to every subscriber of a topic.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// BroadcastStep announces a configuration change on a topic.
type BroadcastStep struct {
	name        string
	broadcaster Broadcaster
	topic       string
	payload     any
	payloadKey  string
}

func NewBroadcastStep(name string, b Broadcaster, topic string, payload any) *BroadcastStep {
	return &BroadcastStep{name: name, broadcaster: b, topic: topic, payload: payload}
}

// FromScratch publishes the scratch value under key instead of the static
// payload.
func (s *BroadcastStep) FromScratch(key string) *BroadcastStep {
	s.payloadKey = key
	return s
}

func (s *BroadcastStep) Name() string { return s.name }

func (s *BroadcastStep) Execute(ctx context.Context, rc *RuntimeContext) StepResult {
	if s.broadcaster == nil {
		return Failf(rollout.ErrorTypeValidation, "broadcast step %s has no broadcaster", s.name)
	}
	payload := s.payload
	if s.payloadKey != "" {
		v, ok := rc.Get(s.payloadKey)
		if !ok {
			return Failf(rollout.ErrorTypeValidation, "%s: scratch key %q not set", s.name, s.payloadKey)
		}
		payload = v
	}
	if err := s.broadcaster.Publish(ctx, s.topic, payload); err != nil {
		return Fail(rollout.FailureFromError(err, rollout.ErrorTypeServiceUnavailable))
	}
	return Ok()
}
