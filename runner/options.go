package runner

import "time"

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout bounds a whole Run, waits between attempts included.
func WithTimeout(t time.Duration) Option {
	return func(h *Handler) { h.timeout = t }
}

// WithMaxRetries sets how many extra attempts follow the first one.
func WithMaxRetries(n int) Option {
	return func(h *Handler) { h.maxRetries = max(0, n) }
}

// RetryHook observes a failed attempt that is about to be retried after
// delay. attempt is zero based.
type RetryHook func(attempt int, err error, delay time.Duration)

func WithRetryHook(hook RetryHook) Option {
	return func(h *Handler) { h.onRetry = hook }
}

func WithLogger(l Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithRetryStrategy sets the wait between attempts and may veto a retry.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		if s != nil {
			h.retryStrategy = s
		}
	}
}
