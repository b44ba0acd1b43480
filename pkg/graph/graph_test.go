package graph

import (
	"testing"

	"github.com/mahabharatha/orchestrator/pkg/merrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHappyPathTwoLevels(t *testing.T) {
	doc := []byte(`{
		"feature": "checkout-flow",
		"schema_version": 2,
		"tasks": [
			{"id": "t1-L1-a", "level": 1, "files": {"create": ["a.go"]}, "verification": {"command": "true"}},
			{"id": "t2-L1-b", "level": 1, "files": {"create": ["b.go"]}, "verification": {"command": "true"}},
			{"id": "t3-L2-c", "level": 2, "dependencies": ["t1-L1-a", "t2-L1-b"], "files": {"create": ["c.go"]}, "verification": {"command": "true"}}
		]
	}`)

	g, err := Load(doc)
	require.NoError(t, err)
	assert.Equal(t, "checkout-flow", g.Feature)
	assert.Equal(t, []int{1, 2}, g.Levels())
	assert.Equal(t, []string{"t1-L1-a", "t2-L1-b"}, g.ByLevel(1))
	assert.ElementsMatch(t, []string{"t3-L2-c"}, g.Dependents("t1-L1-a"))
	assert.Equal(t, 60, g.Tasks["t1-L1-a"].Verification.TimeoutSeconds)
}

func TestLoadRejectsCycle(t *testing.T) {
	doc := []byte(`{
		"feature": "f",
		"tasks": [
			{"id": "a-L1-x", "level": 1, "dependencies": ["b-L1-x"]},
			{"id": "b-L1-x", "level": 1, "dependencies": ["a-L1-x"]}
		]
	}`)

	_, err := Load(doc)
	require.Error(t, err)
	var verr *merrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, merrors.RuleLevelOrdering, verr.Violations[0].Rule)
}

func TestLoadRejectsOwnershipOverlap(t *testing.T) {
	doc := []byte(`{
		"feature": "f",
		"tasks": [
			{"id": "a-L1-x", "level": 1, "files": {"create": ["shared.go"]}},
			{"id": "b-L1-x", "level": 1, "files": {"modify": ["shared.go"]}}
		]
	}`)

	_, err := Load(doc)
	require.Error(t, err)
	var verr *merrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, merrors.RuleOwnershipOverlap, verr.Violations[0].Rule)
}

func TestLoadAllowsReadOnlyOverlap(t *testing.T) {
	doc := []byte(`{
		"feature": "f",
		"tasks": [
			{"id": "a-L1-x", "level": 1, "files": {"create": ["a.go"], "read": ["shared.go"]}},
			{"id": "b-L1-x", "level": 1, "files": {"create": ["b.go"], "read": ["shared.go"]}}
		]
	}`)

	_, err := Load(doc)
	require.NoError(t, err)
}

func TestLoadLevelFallbackFromID(t *testing.T) {
	doc := []byte(`{
		"feature": "f",
		"tasks": [
			{"id": "task-L3-foo", "files": {"create": ["a.go"]}}
		]
	}`)

	g, err := Load(doc)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Tasks["task-L3-foo"].Level)
	assert.True(t, g.LevelWasRecovered("task-L3-foo"))
}

func TestLoadRejectsUnparseableLevel(t *testing.T) {
	doc := []byte(`{
		"feature": "f",
		"tasks": [
			{"id": "no-level-here", "files": {"create": ["a.go"]}}
		]
	}`)

	_, err := Load(doc)
	require.Error(t, err)
	var verr *merrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, merrors.RuleSchema, verr.Violations[0].Rule)
}

func TestLoadRejectsMissingDependency(t *testing.T) {
	doc := []byte(`{
		"feature": "f",
		"tasks": [
			{"id": "a-L2-x", "level": 2, "dependencies": ["ghost-L1-y"]}
		]
	}`)

	_, err := Load(doc)
	require.Error(t, err)
	var verr *merrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, merrors.RuleMissingDependency, verr.Violations[0].Rule)
}

func TestLoadZeroTasks(t *testing.T) {
	doc := []byte(`{"feature": "f", "tasks": []}`)
	g, err := Load(doc)
	require.NoError(t, err)
	assert.Empty(t, g.Tasks)
	assert.Empty(t, g.Levels())
}
