// Package dag implements the agent dependency resolver (C8): it turns
// a set of agent configurations into a spawn order or a set of
// parallel-spawnable waves, respecting required dependencies.
package dag

import (
	"fmt"
	"sort"

	"github.com/cuemby/toka/pkg/types"
)

// CircularDependencyError reports the set of agents found on a cycle
// of required-dependency edges.
type CircularDependencyError struct {
	Agents []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("dag: circular dependency detected involving agents: %v", e.Agents)
}

// UnknownDependencyError reports a required dependency on an agent not
// present in the resolved set.
type UnknownDependencyError struct {
	Agent   string
	Missing string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("dag: agent %q depends on non-existent agent %q", e.Agent, e.Missing)
}

// Resolution is the output of resolving a set of agents into spawn
// waves (§4.8).
type Resolution struct {
	Immediate []string
	Waves     [][]string
}

// Resolver holds the dependency graph built from a set of agent
// configurations, ready to compute spawn order or waves.
type Resolver struct {
	requiredDeps map[string]map[string]bool
	optionalDeps map[string]map[string]bool
	priorities   map[string]types.AgentPriority
	order        []string // insertion order, for deterministic iteration
}

// New builds a resolver from agents. It fails with
// UnknownDependencyError if any required dependency names an agent
// outside the set.
func New(agents []types.AgentConfig) (*Resolver, error) {
	r := &Resolver{
		requiredDeps: make(map[string]map[string]bool),
		optionalDeps: make(map[string]map[string]bool),
		priorities:   make(map[string]types.AgentPriority),
	}

	for _, a := range agents {
		name := a.Metadata.Name
		r.order = append(r.order, name)
		r.priorities[name] = a.Spec.Priority
		r.requiredDeps[name] = make(map[string]bool)
		r.optionalDeps[name] = make(map[string]bool)
		for dep := range a.Dependencies.Required {
			r.requiredDeps[name][dep] = true
		}
		for dep := range a.Dependencies.Optional {
			r.optionalDeps[name][dep] = true
		}
	}

	for name, deps := range r.requiredDeps {
		for dep := range deps {
			if _, ok := r.requiredDeps[dep]; !ok {
				return nil, &UnknownDependencyError{Agent: name, Missing: dep}
			}
		}
	}

	return r, nil
}

func (r *Resolver) priorityRank(name string) int {
	if p, ok := r.priorities[name]; ok {
		return p.Rank()
	}
	return types.PriorityLow.Rank()
}

// sortedByPriority returns names ordered by ascending priority rank,
// then lexicographically for stability.
func (r *Resolver) sortedByPriority(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Slice(out, func(i, j int) bool {
		ri, rj := r.priorityRank(out[i]), r.priorityRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// DetectCircularDependencies runs DFS white/grey/black coloring over
// required-dependency edges only; a back-edge to a grey node is a
// cycle. Optional-only cycles are not reported.
func (r *Resolver) DetectCircularDependencies() []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(r.order))
	var circular []string

	var visit func(name string)
	visit = func(name string) {
		if color[name] == black {
			return
		}
		if color[name] == grey {
			circular = append(circular, name)
			return
		}
		color[name] = grey
		for dep := range r.requiredDeps[name] {
			visit(dep)
		}
		color[name] = black
	}

	for _, name := range r.order {
		if color[name] == white {
			visit(name)
		}
	}
	return circular
}

// ResolveSpawnOrder returns a single topological order over all agents,
// required-dependency edges visited before their dependents, with
// priority used to tie-break when multiple orders are valid.
func (r *Resolver) ResolveSpawnOrder() ([]string, error) {
	if circular := r.DetectCircularDependencies(); len(circular) > 0 {
		return nil, &CircularDependencyError{Agents: circular}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(r.order))
	var result []string

	var visit func(name string)
	visit = func(name string) {
		if color[name] != white {
			return
		}
		color[name] = grey

		deps := make([]string, 0, len(r.requiredDeps[name]))
		for dep := range r.requiredDeps[name] {
			deps = append(deps, dep)
		}
		for _, dep := range r.sortedByPriority(deps) {
			visit(dep)
		}

		color[name] = black
		result = append(result, name)
	}

	for _, name := range r.sortedByPriority(r.order) {
		visit(name)
	}
	return result, nil
}

// ResolveWaves groups the topological order into waves: a new wave
// starts whenever the next agent in order has an unmet dependency
// among the agents scheduled so far but not yet marked complete at
// wave boundaries. No agent in wave k depends on any agent in wave k
// or later.
func (r *Resolver) ResolveWaves() (Resolution, error) {
	ordered, err := r.ResolveSpawnOrder()
	if err != nil {
		return Resolution{}, err
	}

	var waves [][]string
	var currentWave []string
	completed := make(map[string]bool)

	depsSatisfied := func(name string) bool {
		for dep := range r.requiredDeps[name] {
			if !completed[dep] {
				return false
			}
		}
		return true
	}

	for _, name := range ordered {
		if depsSatisfied(name) {
			currentWave = append(currentWave, name)
			continue
		}
		if len(currentWave) > 0 {
			for _, a := range currentWave {
				completed[a] = true
			}
			waves = append(waves, currentWave)
			currentWave = nil
		}
		currentWave = append(currentWave, name)
	}
	if len(currentWave) > 0 {
		waves = append(waves, currentWave)
	}

	var immediate []string
	for _, name := range r.order {
		if len(r.requiredDeps[name]) == 0 {
			immediate = append(immediate, name)
		}
	}

	return Resolution{Immediate: immediate, Waves: waves}, nil
}

// Ready returns agents whose required dependencies are all satisfied
// by completed and which are not themselves in completed.
func (r *Resolver) Ready(completed map[string]bool) []string {
	var ready []string
	for _, name := range r.order {
		if completed[name] {
			continue
		}
		satisfied := true
		for dep := range r.requiredDeps[name] {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, name)
		}
	}
	return ready
}
