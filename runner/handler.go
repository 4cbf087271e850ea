package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

const ErrCodeAttemptsExhausted = "RUNNER_ATTEMPTS_EXHAUSTED"

// Handler runs a function with bounded attempts, waiting between them as
// its RetryStrategy dictates. Waits are interrupted by ctx.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	onRetry       RetryHook
	retryStrategy RetryStrategy

	runs           int
	successfulRuns int
	attempts       int

	maxRetries int
	timeout    time.Duration
}

// NewHandler constructs a Handler from various options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	r := &Handler{retryStrategy: NoDelayStrategy{}}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Run calls fn until it succeeds, the strategy declines another attempt, the
// attempts run out or ctx is done. The attempt index passed to fn starts at 0.
// The returned error is the last one fn produced, or ctx's error.
func (h *Handler) Run(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	attempt := 0
	for ; attempt <= maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			break
		}

		err = fn(ctx, attempt)
		if err == nil {
			break
		}
		if attempt >= maxRetries {
			break
		}

		decision := DecideRetry(strategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		if h.onRetry != nil {
			h.onRetry(attempt, err, decision.Delay)
		}
		h.logInfo("attempt failed, retrying", "attempt", attempt+1, "of", maxRetries+1, "delay", decision.Delay.String(), "error", err)

		if serr := sleep(ctx, decision.Delay); serr != nil {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	h.attempts += min(attempt+1, maxRetries+1)
	if err == nil {
		h.successfulRuns++
		return nil
	}
	h.logError("runner failed", "attempts", min(attempt+1, maxRetries+1), "error", err)
	return err
}

// Stats reports completed runs, successful runs and total attempts.
func (h *Handler) Stats() (runs, successful, attempts int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns, h.attempts
}

// Exhausted wraps the last error of a run that used every attempt.
func Exhausted(last error, attempts int) error {
	msg := fmt.Sprintf("gave up after %d attempts", attempts)
	if last == nil {
		return errors.New(msg, errors.CategoryExternal).WithTextCode(ErrCodeAttemptsExhausted)
	}
	return errors.Wrap(last, errors.CategoryExternal, msg).
		WithTextCode(ErrCodeAttemptsExhausted).
		WithMetadata(map[string]any{"attempts": attempts})
}

func (h *Handler) contextWithSettings(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if h.timeout > 0 {
		return context.WithTimeout(ctx, h.timeout)
	}
	return context.WithCancel(ctx)
}

func (h *Handler) logInfo(msg string, args ...any) {
	if h.logger != nil {
		h.logger.Info(msg, args...)
	}
}

func (h *Handler) logError(format string, args ...any) {
	if h.logger != nil {
		h.logger.Error(format, args...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
