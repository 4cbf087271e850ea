package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeRules(t *testing.T) {
	cases := []struct {
		name string
		got  ExecutionRange
		want ExecutionRange
	}{
		{name: "normal", got: NormalRange(3), want: ExecutionRange{0, 3}},
		{name: "retry after first", got: RetryRange(0, 3), want: ExecutionRange{1, 3}},
		{name: "retry nothing completed", got: RetryRange(-1, 3), want: ExecutionRange{0, 3}},
		{name: "retry all completed", got: RetryRange(2, 3), want: ExecutionRange{3, 3}},
		{name: "rollback after first", got: RollbackRange(0, 3), want: ExecutionRange{0, 2}},
		{name: "rollback after second", got: RollbackRange(1, 3), want: ExecutionRange{0, 3}},
		{name: "rollback clamps to total", got: RollbackRange(2, 3), want: ExecutionRange{0, 3}},
		{name: "rollback nothing completed", got: RollbackRange(-1, 3), want: ExecutionRange{0, 1}},
		{name: "empty", got: NormalRange(0), want: ExecutionRange{0, 0}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestRangeInvariantHoldsForAllCheckpoints(t *testing.T) {
	for total := 0; total <= 6; total++ {
		for last := -1; last < total; last++ {
			for _, r := range []ExecutionRange{
				NormalRange(total),
				RetryRange(last, total),
				RollbackRange(last, total),
			} {
				assert.NoError(t, r.Validate(total), "range %s total %d", r, total)
			}
			assert.Equal(t, last+1, RetryRange(last, total).StartIndex)
			assert.Equal(t, min(last+2, total), RollbackRange(last, total).EndIndex)
		}
	}
}

func TestEffectiveBoundsAndLastInRange(t *testing.T) {
	r := ExecutionRange{StartIndex: 1, EndIndex: 9}
	assert.Equal(t, 4, r.EffectiveEndIndex(4))
	assert.Equal(t, 1, r.EffectiveStartIndex(4))
	assert.Equal(t, 3, r.Len(4))
	assert.True(t, r.IsLastInRange(3, 4))
	assert.False(t, r.IsLastInRange(2, 4))
	assert.True(t, r.Contains(2, 4))
	assert.False(t, r.Contains(0, 4))
	assert.Error(t, r.Validate(4))
}

func TestStageProgress(t *testing.T) {
	p := NewStageProgress(2)
	assert.False(t, p.IsCompleted())
	assert.Equal(t, 0, p.NextIndex())
	p.LastCompletedIndex = 1
	assert.True(t, p.IsCompleted())
	assert.Equal(t, 2, p.CompletedCount())
	assert.NoError(t, p.Validate())

	assert.True(t, NewStageProgress(0).IsCompleted())
	assert.Error(t, StageProgress{TotalStages: 1, LastCompletedIndex: -2}.Validate())
}

func TestRetryPolicy(t *testing.T) {
	p := NewRetryPolicy(2)
	assert.True(t, p.CanRetry(nil))
	p.RetryCount = 2
	assert.False(t, p.CanRetry(nil))
	assert.Equal(t, 0, p.Remaining(nil))

	override := 3
	assert.True(t, p.CanRetry(&override))

	unbounded := NewRetryPolicy(-5)
	unbounded.RetryCount = 1000
	assert.True(t, unbounded.CanRetry(nil))
	assert.Equal(t, -1, unbounded.Remaining(nil))
}
