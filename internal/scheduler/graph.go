package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycle is wrapped by NewGraph when the jobs contain a dependency cycle.
var ErrCycle = errors.New("dependency cycle")

type node struct {
	job        Job
	deps       []*node
	dependents []*node
	// needs maps each declared need to the nodes that satisfy it.
	needs map[string][]*node
}

// Graph is a validated, immutable job graph.
type Graph struct {
	nodes  map[string]*node
	groups map[string][]*node
	names  []string
}

// NewGraph validates jobs and links them. Unknown dependencies, duplicate
// names and cycles are rejected.
func NewGraph(jobs ...Job) (*Graph, error) {
	g := &Graph{
		nodes:  make(map[string]*node, len(jobs)),
		groups: make(map[string][]*node),
	}

	for _, job := range jobs {
		if strings.TrimSpace(job.Name) == "" {
			return nil, errors.New("job with empty name")
		}
		if job.Run == nil {
			return nil, fmt.Errorf("job %q has no run function", job.Name)
		}
		if _, dup := g.nodes[job.Name]; dup {
			return nil, fmt.Errorf("duplicate job %q", job.Name)
		}
		n := &node{job: job, needs: map[string][]*node{}}
		g.nodes[job.Name] = n
		g.names = append(g.names, job.Name)
		if job.Group != "" {
			g.groups[job.Group] = append(g.groups[job.Group], n)
		}
	}
	for group := range g.groups {
		if _, clash := g.nodes[group]; clash {
			return nil, fmt.Errorf("group %q has the same name as a job", group)
		}
	}
	sort.Strings(g.names)

	for _, name := range g.names {
		n := g.nodes[name]
		seen := map[*node]bool{}
		for _, need := range n.job.Needs {
			targets, err := g.resolve(need)
			if err != nil {
				return nil, fmt.Errorf("job %q: %w", name, err)
			}
			n.needs[need] = targets
			for _, dep := range targets {
				if seen[dep] {
					continue
				}
				seen[dep] = true
				n.deps = append(n.deps, dep)
				dep.dependents = append(dep.dependents, n)
			}
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) resolve(need string) ([]*node, error) {
	if n, ok := g.nodes[need]; ok {
		return []*node{n}, nil
	}
	if members, ok := g.groups[need]; ok {
		return members, nil
	}
	return nil, fmt.Errorf("unknown dependency %q", need)
}

// detectCycles walks the graph depth-first in name order and reports the
// first cycle found as a path.
func (g *Graph) detectCycles() error {
	visiting := make(map[*node]bool)
	visited := make(map[*node]bool)
	var stack []string

	var visit func(n *node) error
	visit = func(n *node) error {
		visiting[n] = true
		stack = append(stack, n.job.Name)
		for _, dep := range n.deps {
			if visiting[dep] {
				start := 0
				for i, name := range stack {
					if name == dep.job.Name {
						start = i
					}
				}
				path := append(append([]string(nil), stack[start:]...), dep.job.Name)
				return fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		delete(visiting, n)
		visited[n] = true
		return nil
	}

	for _, name := range g.names {
		n := g.nodes[name]
		if !visited[n] {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of jobs.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Job returns the job called name.
func (g *Graph) Job(name string) (Job, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return Job{}, false
	}
	return n.job, true
}

// Dependencies returns the resolved upstream job names of name, sorted.
func (g *Graph) Dependencies(name string) []string {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.deps))
	for _, dep := range n.deps {
		out = append(out, dep.job.Name)
	}
	return sortedStrings(out)
}

// Order returns a topological order of the job names. Among jobs that are
// ready at the same time, names sort alphabetically.
func (g *Graph) Order() []string {
	remaining := make(map[*node]int, len(g.nodes))
	var ready []string
	for _, name := range g.names {
		n := g.nodes[name]
		remaining[n] = len(n.deps)
		if len(n.deps) == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dependent := range g.nodes[name].dependents {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent.job.Name)
			}
		}
	}
	return order
}

func sortedStrings(in []string) []string {
	sort.Strings(in)
	return in
}
