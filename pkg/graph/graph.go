// Package graph loads and validates a task graph document (spec §4.1, §6):
// schema checks, cycle/dependency-level checks, and same-level file
// ownership exclusivity. A successfully validated Graph is immutable.
package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/mahabharatha/orchestrator/pkg/merrors"
	"github.com/mahabharatha/orchestrator/pkg/types"
)

// levelFromID matches the "*-L{n}-*" fallback convention (spec §4.1).
var levelFromID = regexp.MustCompile(`-L(\d+)-`)

// rawTask mirrors the external task graph document's task shape (spec §6).
type rawTask struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Level        *int     `json:"level"`
	Dependencies []string `json:"dependencies"`
	Files        struct {
		Create []string `json:"create"`
		Modify []string `json:"modify"`
		Read   []string `json:"read"`
	} `json:"files"`
	Verification struct {
		Command        string `json:"command"`
		TimeoutSeconds *int   `json:"timeout_seconds"`
	} `json:"verification"`
}

// rawDocument mirrors the task graph document (spec §6).
type rawDocument struct {
	Feature       string    `json:"feature"`
	SchemaVersion int       `json:"schema_version"`
	Tasks         []rawTask `json:"tasks"`
}

// Graph is an immutable, validated task graph plus its convenience indexes
// (spec §3, §4.1).
type Graph struct {
	Feature string
	Tasks   map[string]*types.Task

	byLevel         map[int][]string
	reverseDeps     map[string][]string
	levelHints      map[string]int // tasks whose level was recovered from the id fallback
	maxLevel        int
}

// ByLevel returns the task ids at level, sorted for determinism.
func (g *Graph) ByLevel(level int) []string {
	ids := append([]string(nil), g.byLevel[level]...)
	sort.Strings(ids)
	return ids
}

// Levels returns every level number present, ascending.
func (g *Graph) Levels() []int {
	levels := make([]int, 0, len(g.byLevel))
	for l := range g.byLevel {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	return levels
}

// MaxLevel returns the highest level number present.
func (g *Graph) MaxLevel() int {
	return g.maxLevel
}

// Dependents returns the task ids that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	out := append([]string(nil), g.reverseDeps[id]...)
	sort.Strings(out)
	return out
}

// LevelWasRecovered reports whether id's level came from the "*-L{n}-*" id
// fallback rather than an explicit field (spec §4.1 level parser fallback).
func (g *Graph) LevelWasRecovered(id string) bool {
	_, ok := g.levelHints[id]
	return ok
}

// Load parses and validates a task graph document (spec §6 shape, §4.1
// three-pass validation). Returns a *merrors.ValidationError on failure,
// enumerating every offending id and violated rule found.
func Load(data []byte) (*Graph, error) {
	var doc rawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse task graph document: %w", err)
	}

	verr := &merrors.ValidationError{}

	tasks := make(map[string]*types.Task, len(doc.Tasks))
	levelHints := make(map[string]int)
	seen := make(map[string]bool, len(doc.Tasks))

	// Pass 1: schema.
	for _, rt := range doc.Tasks {
		if rt.ID == "" {
			verr.Add(merrors.RuleSchema, nil, "task missing id")
			continue
		}
		if seen[rt.ID] {
			verr.Add(merrors.RuleDuplicateID, []string{rt.ID}, "duplicate task id")
			continue
		}
		seen[rt.ID] = true

		level := 0
		switch {
		case rt.Level != nil:
			level = *rt.Level
		default:
			if m := levelFromID.FindStringSubmatch(rt.ID); m != nil {
				n, err := strconv.Atoi(m[1])
				if err == nil {
					level = n
					levelHints[rt.ID] = n
				}
			}
		}
		if level < 1 {
			verr.Add(merrors.RuleSchema, []string{rt.ID}, "level missing, unparseable, or < 1")
			continue
		}

		timeout := 60
		if rt.Verification.TimeoutSeconds != nil {
			timeout = *rt.Verification.TimeoutSeconds
		}

		tasks[rt.ID] = &types.Task{
			ID:           rt.ID,
			Title:        rt.Title,
			Description:  rt.Description,
			Level:        level,
			Dependencies: append([]string(nil), rt.Dependencies...),
			Files: types.FileOwnership{
				Create: append([]string(nil), rt.Files.Create...),
				Modify: append([]string(nil), rt.Files.Modify...),
				Read:   append([]string(nil), rt.Files.Read...),
			},
			Verification: types.Verification{
				Command:        rt.Verification.Command,
				TimeoutSeconds: timeout,
			},
			Status: types.TaskPending,
		}
	}

	if verr.HasViolations() {
		return nil, verr
	}

	// Pass 2: dependency existence, cycle detection, level ordering.
	reverseDeps := make(map[string][]string)
	for id, t := range tasks {
		for _, dep := range t.Dependencies {
			target, ok := tasks[dep]
			if !ok {
				verr.Add(merrors.RuleMissingDependency, []string{id, dep}, "dependency target does not exist")
				continue
			}
			if target.Level >= t.Level {
				verr.Add(merrors.RuleLevelOrdering, []string{id, dep}, "dependency level must be strictly less than dependent's level")
			}
			reverseDeps[dep] = append(reverseDeps[dep], id)
		}
	}
	if verr.HasViolations() {
		return nil, verr
	}

	if cyc := findCycle(tasks); len(cyc) > 0 {
		verr.Add(merrors.RuleCycle, cyc, "cycle detected among dependencies")
		return nil, verr
	}

	// Pass 3: same-level ownership exclusivity.
	byLevel := make(map[int][]string)
	maxLevel := 0
	for id, t := range tasks {
		byLevel[t.Level] = append(byLevel[t.Level], id)
		if t.Level > maxLevel {
			maxLevel = t.Level
		}
	}
	for level, ids := range byLevel {
		sort.Strings(ids)
		writeSets := make(map[string][]string, len(ids))
		for _, id := range ids {
			writeSets[id] = tasks[id].Files.WriteSet()
		}
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				if overlap := intersect(writeSets[ids[i]], writeSets[ids[j]]); len(overlap) > 0 {
					verr.Add(merrors.RuleOwnershipOverlap, []string{ids[i], ids[j]},
						fmt.Sprintf("level %d: overlapping create/modify paths %v", level, overlap))
				}
			}
		}
	}
	if verr.HasViolations() {
		return nil, verr
	}

	return &Graph{
		Feature:     doc.Feature,
		Tasks:       tasks,
		byLevel:     byLevel,
		reverseDeps: reverseDeps,
		levelHints:  levelHints,
		maxLevel:    maxLevel,
	}, nil
}

// findCycle runs a Kahn-style topological sort and returns the ids left
// unprocessed (members of a cycle) if any remain, nil otherwise.
func findCycle(tasks map[string]*types.Task) []string {
	indegree := make(map[string]int, len(tasks))
	for id := range tasks {
		indegree[id] = 0
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := tasks[dep]; ok {
				indegree[t.ID]++
			}
		}
	}

	queue := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		dependents := make([]string, 0)
		for _, t := range tasks {
			for _, dep := range t.Dependencies {
				if dep == id {
					indegree[t.ID]--
					if indegree[t.ID] == 0 {
						dependents = append(dependents, t.ID)
					}
				}
			}
		}
		sort.Strings(dependents)
		queue = append(queue, dependents...)
		sort.Strings(queue)
	}

	if processed == len(tasks) {
		return nil
	}

	remaining := make([]string, 0, len(tasks)-processed)
	for id, deg := range indegree {
		if deg > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return remaining
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	out := make([]string, 0)
	for _, v := range b {
		if set[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
