package stage

import (
	"context"
	stderrors "errors"
	"time"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/runner"
)

// PollCondition reports whether the awaited state has been reached. A
// returned *rollout.FailureInfo that is not retryable stops polling early;
// any other error counts as "not yet".
type PollCondition interface {
	Check(ctx context.Context, rc *RuntimeContext) (bool, error)
}

var errNotReady = stderrors.New("condition not met")

// PollOption customizes a PollStep.
type PollOption func(*PollStep)

// WithPollAttempts bounds the number of checks.
func WithPollAttempts(n int) PollOption {
	return func(p *PollStep) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithPollInterval waits interval between checks.
func WithPollInterval(interval time.Duration) PollOption {
	return func(p *PollStep) {
		p.strategy = runner.FixedDelayStrategy{Delay: interval}
	}
}

// WithPollStrategy sets a custom wait strategy between checks.
func WithPollStrategy(s runner.RetryStrategy) PollOption {
	return func(p *PollStep) {
		if s != nil {
			p.strategy = s
		}
	}
}

// PollStep re-checks a condition until it holds or attempts run out.
type PollStep struct {
	name        string
	cond        PollCondition
	maxAttempts int
	strategy    runner.RetryStrategy
}

func NewPollStep(name string, cond PollCondition, opts ...PollOption) *PollStep {
	p := &PollStep{
		name:        name,
		cond:        cond,
		maxAttempts: 10,
		strategy:    runner.FixedDelayStrategy{Delay: time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *PollStep) Name() string { return p.name }

func (p *PollStep) Execute(ctx context.Context, rc *RuntimeContext) StepResult {
	if p.cond == nil {
		return Failf(rollout.ErrorTypeValidation, "poll step %s has no condition", p.name)
	}

	h := runner.NewHandler(
		runner.WithMaxRetries(p.maxAttempts-1),
		runner.WithRetryStrategy(runner.RetryIfStrategy{
			Strategy:  p.strategy,
			Retryable: retryableFailure,
		}),
	)

	var lastErr error
	err := h.Run(ctx, func(ctx context.Context, attempt int) error {
		ok, err := p.cond.Check(ctx, rc)
		if err != nil {
			lastErr = err
			return err
		}
		if !ok {
			return errNotReady
		}
		return nil
	})
	if err == nil {
		return Ok()
	}

	var fi *rollout.FailureInfo
	if stderrors.As(err, &fi) && !fi.Retryable {
		return Fail(fi)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Fail(rollout.FailureFromError(ctxErr, rollout.ErrorTypeTimeout))
	}

	info := rollout.Failuref(rollout.ErrorTypeTimeout, "%s: condition not met after %d attempts", p.name, p.maxAttempts)
	if lastErr != nil {
		info = info.WithMetadata(map[string]any{"last_error": lastErr.Error()})
	}
	return Fail(info)
}

// retryableFailure keeps retrying unless err is a non-retryable failure.
func retryableFailure(err error) bool {
	var fi *rollout.FailureInfo
	if stderrors.As(err, &fi) {
		return fi.Retryable
	}
	return true
}

// ScratchCondition holds once the scratch key carries Want.
type ScratchCondition struct {
	Key  string
	Want any
}

func (c ScratchCondition) Check(_ context.Context, rc *RuntimeContext) (bool, error) {
	v, ok := rc.Get(c.Key)
	return ok && v == c.Want, nil
}
