package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidTaskTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     TaskStatus
		to       TaskStatus
		expected bool
	}{
		{"pending to claimed", TaskPending, TaskClaimed, true},
		{"pending to in_progress", TaskPending, TaskInProgress, true},
		{"pending to failed", TaskPending, TaskFailed, true},
		{"pending to complete is invalid", TaskPending, TaskComplete, false},
		{"claimed to pending", TaskClaimed, TaskPending, true},
		{"in_progress to complete", TaskInProgress, TaskComplete, true},
		{"complete is terminal", TaskComplete, TaskPending, false},
		{"failed to pending is retry", TaskFailed, TaskPending, true},
		{"failed to complete is invalid", TaskFailed, TaskComplete, false},
		{"paused to in_progress", TaskPaused, TaskInProgress, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsValidTaskTransition(tt.from, tt.to))
		})
	}
}

func TestFileOwnershipWriteSet(t *testing.T) {
	f := FileOwnership{
		Create: []string{"a.go", "b.go"},
		Modify: []string{"c.go"},
		Read:   []string{"d.go"},
	}
	assert.ElementsMatch(t, []string{"a.go", "b.go", "c.go"}, f.WriteSet())
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "worker-3/checkout-flow", BranchName(3, "checkout-flow"))
}

func TestStagingBranchName(t *testing.T) {
	assert.Equal(t, "staging/checkout-flow/L2", StagingBranchName("checkout-flow", 2))
}

func TestNewStateDocument(t *testing.T) {
	doc := NewStateDocument("checkout-flow")
	assert.Equal(t, "checkout-flow", doc.Feature)
	assert.Equal(t, 2, doc.SchemaVersion)
	assert.Equal(t, 1, doc.CurrentLevel)
	assert.NotNil(t, doc.Tasks)
	assert.NotNil(t, doc.Workers)
	assert.NotNil(t, doc.Levels)
	assert.Empty(t, doc.Events)
}
