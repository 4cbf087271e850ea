package task

// UnboundedRetry disables the retry ceiling.
const UnboundedRetry = -1

// DefaultMaxRetry applies when a task is created without an explicit policy.
const DefaultMaxRetry = 3

// RetryPolicy caps how many times a failed task may be retried.
type RetryPolicy struct {
	RetryCount int `json:"retry_count"`
	MaxRetry   int `json:"max_retry"`
}

// NewRetryPolicy builds a policy; negative maxRetry means unbounded.
func NewRetryPolicy(maxRetry int) RetryPolicy {
	if maxRetry < 0 {
		maxRetry = UnboundedRetry
	}
	return RetryPolicy{MaxRetry: maxRetry}
}

// EffectiveMax resolves the ceiling, preferring override when provided.
func (p RetryPolicy) EffectiveMax(override *int) int {
	if override != nil {
		if *override < 0 {
			return UnboundedRetry
		}
		return *override
	}
	return p.MaxRetry
}

// CanRetry reports whether another retry is permitted.
func (p RetryPolicy) CanRetry(override *int) bool {
	limit := p.EffectiveMax(override)
	if limit == UnboundedRetry {
		return true
	}
	return p.RetryCount < limit
}

// Remaining returns retries left, or -1 when unbounded.
func (p RetryPolicy) Remaining(override *int) int {
	limit := p.EffectiveMax(override)
	if limit == UnboundedRetry {
		return -1
	}
	if left := limit - p.RetryCount; left > 0 {
		return left
	}
	return 0
}
