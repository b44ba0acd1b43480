// Package merrors holds the one structured error type the spec calls for:
// task graph validation failures that enumerate offending ids and the rule
// violated. Everything else in the module wraps with fmt.Errorf("...: %w").
package merrors

import "fmt"

// Rule names the graph invariant a ValidationError violates.
type Rule string

const (
	RuleSchema            Rule = "schema"
	RuleDuplicateID        Rule = "duplicate_id"
	RuleMissingDependency  Rule = "missing_dependency"
	RuleCycle              Rule = "cycle"
	RuleLevelOrdering      Rule = "level_ordering"
	RuleOwnershipOverlap   Rule = "ownership_overlap"
	RuleUnparseableLevel   Rule = "unparseable_level"
)

// Violation is one offending fact: the rule, the task id(s) involved, and a
// human-readable detail.
type Violation struct {
	Rule    Rule
	TaskIDs []string
	Detail  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (tasks: %v)", v.Rule, v.Detail, v.TaskIDs)
}

// ValidationError collects every violation found during a single graph load,
// so callers can report all offending ids in one pass instead of failing on
// the first one.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return "graph validation failed: " + e.Violations[0].String()
	}
	msg := fmt.Sprintf("graph validation failed with %d violations:", len(e.Violations))
	for _, v := range e.Violations {
		msg += "\n  - " + v.String()
	}
	return msg
}

// Add appends a violation and returns the receiver for chaining.
func (e *ValidationError) Add(rule Rule, taskIDs []string, detail string) *ValidationError {
	e.Violations = append(e.Violations, Violation{Rule: rule, TaskIDs: taskIDs, Detail: detail})
	return e
}

// HasViolations reports whether any violation was recorded.
func (e *ValidationError) HasViolations() bool {
	return e != nil && len(e.Violations) > 0
}
