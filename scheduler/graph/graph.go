// Package graph holds the dependency DAG of a project's jobs.
// An edge runs from an input job to every job consuming its output.
package graph

import (
	"fmt"

	"github.com/twitter/pipesched/scheduler/domain"
)

type Graph struct {
	order    []string // declaration order of all jobs
	known    map[string]bool
	children map[string][]string
	parents  map[string][]string
}

// New builds the graph for a project. Inputs must name jobs of the same
// project and the result must be acyclic.
func New(docs []*domain.JobDoc) (*Graph, error) {
	g := &Graph{
		known:    make(map[string]bool, len(docs)),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
	for _, d := range docs {
		if g.known[d.ID] {
			return nil, fmt.Errorf("duplicate job %q", d.ID)
		}
		g.known[d.ID] = true
		g.order = append(g.order, d.ID)
	}
	for _, d := range docs {
		for _, in := range d.Inputs {
			if !g.known[in] {
				return nil, fmt.Errorf("job %q has unknown input %q", d.ID, in)
			}
			g.children[in] = append(g.children[in], d.ID)
			g.parents[d.ID] = append(g.parents[d.ID], in)
		}
	}
	if _, err := g.TopoSort(g.order); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) Has(jobID string) bool {
	return g.known[jobID]
}

// TopoSort orders exactly the given jobs so every job comes after the
// inputs it shares with the set. Ties keep the order of jobIDs.
func (g *Graph) TopoSort(jobIDs []string) ([]string, error) {
	inSet := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		if !g.known[id] {
			return nil, fmt.Errorf("unknown job %q", id)
		}
		if inSet[id] {
			return nil, fmt.Errorf("job %q listed twice", id)
		}
		inSet[id] = true
	}

	indegree := make(map[string]int, len(jobIDs))
	for _, id := range jobIDs {
		for _, p := range g.parents[id] {
			if inSet[p] {
				indegree[id]++
			}
		}
	}

	sorted := make([]string, 0, len(jobIDs))
	done := make(map[string]bool, len(jobIDs))
	for len(sorted) < len(jobIDs) {
		// Take the first ready job in request order, so independent branches
		// run in the order they were asked for.
		next := ""
		for _, id := range jobIDs {
			if !done[id] && indegree[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			return nil, fmt.Errorf("dependency cycle among %v", remaining(jobIDs, done))
		}
		done[next] = true
		sorted = append(sorted, next)
		for _, c := range g.children[next] {
			if inSet[c] {
				indegree[c]--
			}
		}
	}
	return sorted, nil
}

// JobsIterative returns the given jobs plus every job downstream of them,
// breadth first, each job once.
func (g *Graph) JobsIterative(jobIDs []string) []string {
	seen := make(map[string]bool)
	var out []string
	queue := append([]string(nil), jobIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] || !g.known[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, g.children[id]...)
	}
	return out
}

func remaining(ids []string, done map[string]bool) []string {
	var left []string
	for _, id := range ids {
		if !done[id] {
			left = append(left, id)
		}
	}
	return left
}
