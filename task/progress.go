package task

import "fmt"

// StageProgress tracks how far a task got through its ordered stage list.
// LastCompletedIndex is -1 when no stage completed.
type StageProgress struct {
	TotalStages        int `json:"total_stages"`
	LastCompletedIndex int `json:"last_completed_index"`
}

// NewStageProgress returns progress for total stages with nothing completed.
func NewStageProgress(total int) StageProgress {
	if total < 0 {
		total = 0
	}
	return StageProgress{TotalStages: total, LastCompletedIndex: -1}
}

// Validate enforces -1 <= LastCompletedIndex < TotalStages.
func (p StageProgress) Validate() error {
	if p.TotalStages < 0 {
		return fmt.Errorf("total stages must be >= 0, got %d", p.TotalStages)
	}
	if p.LastCompletedIndex < -1 || p.LastCompletedIndex >= p.TotalStages {
		return fmt.Errorf("last completed index %d out of range for %d stages", p.LastCompletedIndex, p.TotalStages)
	}
	return nil
}

// CompletedCount is the number of stages at or before the cursor.
func (p StageProgress) CompletedCount() int {
	return p.LastCompletedIndex + 1
}

// NextIndex is the first stage that has not completed.
func (p StageProgress) NextIndex() int {
	return p.LastCompletedIndex + 1
}

// IsCompleted reports whether every stage completed.
func (p StageProgress) IsCompleted() bool {
	return p.LastCompletedIndex >= p.TotalStages-1
}

// ExecutionRange is the [StartIndex, EndIndex) stage window a run may touch.
type ExecutionRange struct {
	StartIndex int `json:"start_index"`
	EndIndex   int `json:"end_index"`
}

// NormalRange covers every stage.
func NormalRange(total int) ExecutionRange {
	return clampRange(0, total, total)
}

// RetryRange resumes right after the last completed stage.
func RetryRange(lastCompletedIndex, total int) ExecutionRange {
	return clampRange(lastCompletedIndex+1, total, total)
}

// RollbackRange re-runs every stage through the one after the last completed
// stage (the stage that failed) with the previous configuration.
func RollbackRange(lastCompletedIndex, total int) ExecutionRange {
	return clampRange(0, lastCompletedIndex+2, total)
}

func clampRange(start, end, total int) ExecutionRange {
	if total < 0 {
		total = 0
	}
	if end > total {
		end = total
	}
	if end < 0 {
		end = 0
	}
	if start < 0 {
		start = 0
	}
	if start > end {
		start = end
	}
	return ExecutionRange{StartIndex: start, EndIndex: end}
}

// EffectiveEndIndex clamps EndIndex to total.
func (r ExecutionRange) EffectiveEndIndex(total int) int {
	if r.EndIndex > total {
		return total
	}
	if r.EndIndex < 0 {
		return 0
	}
	return r.EndIndex
}

// EffectiveStartIndex clamps StartIndex into [0, EffectiveEndIndex].
func (r ExecutionRange) EffectiveStartIndex(total int) int {
	start := r.StartIndex
	if start < 0 {
		start = 0
	}
	if end := r.EffectiveEndIndex(total); start > end {
		return end
	}
	return start
}

// Len is the number of stages in the range.
func (r ExecutionRange) Len(total int) int {
	return r.EffectiveEndIndex(total) - r.EffectiveStartIndex(total)
}

// Contains reports whether index lies in the range.
func (r ExecutionRange) Contains(index, total int) bool {
	return index >= r.EffectiveStartIndex(total) && index < r.EffectiveEndIndex(total)
}

// IsLastInRange reports whether index is the final iteration of the range.
func (r ExecutionRange) IsLastInRange(index, total int) bool {
	return index == r.EffectiveEndIndex(total)-1
}

// Validate enforces 0 <= StartIndex <= EndIndex <= total.
func (r ExecutionRange) Validate(total int) error {
	if r.StartIndex < 0 || r.StartIndex > r.EndIndex || r.EndIndex > total {
		return fmt.Errorf("invalid execution range [%d,%d) for %d stages", r.StartIndex, r.EndIndex, total)
	}
	return nil
}

func (r ExecutionRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.StartIndex, r.EndIndex)
}
