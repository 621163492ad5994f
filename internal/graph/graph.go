package graph

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/gantryci/gantry/internal/workflow"
)

// Node is one schedulable job instance: a workflow job bound to a single
// target environment. A job that fans out across several environments
// produces one node per environment, each gating independently on the same
// predecessors.
type Node struct {
	ID          string
	Job         string
	Environment string
	// Needs holds node IDs: every instance of every needed job.
	Needs   []string
	Timeout time.Duration
	Steps   []workflow.Step
	// Coverage is set only on the designated environment's instance.
	Coverage *workflow.Coverage
}

type Graph struct {
	nodes map[string]*Node
}

// Build expands a workflow into an instance graph. Jobs without runs_on run
// on defaultEnv; jobs without a timeout get defaultTimeout. Unknown needs
// targets and dependency cycles are rejected.
func Build(wf *workflow.Workflow, defaultEnv string, defaultTimeout time.Duration) (*Graph, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if err := detectCycle(wf); err != nil {
		return nil, err
	}

	g := &Graph{nodes: make(map[string]*Node)}
	instances := make(map[string][]string, len(wf.Jobs))

	for name, job := range wf.Jobs {
		envs := job.RunsOn
		if len(envs) == 0 {
			envs = []string{defaultEnv}
		}
		// Validate can only check coverage.environment against an explicit
		// runs_on; with runs_on empty the job lands on defaultEnv, and a
		// designated environment no instance runs on must not silently lose
		// its coverage sub-step.
		if job.Coverage != nil && !slices.Contains(envs, job.Coverage.Environment) {
			return nil, fmt.Errorf(
				"job %q coverage environment %q is not among its environments %v",
				name, job.Coverage.Environment, envs,
			)
		}
		timeout := defaultTimeout
		if job.TimeoutMinutes > 0 {
			timeout = time.Duration(job.TimeoutMinutes) * time.Minute
		}
		for _, env := range envs {
			n := &Node{
				ID:          instanceID(name, env, len(envs) > 1),
				Job:         name,
				Environment: env,
				Timeout:     timeout,
				Steps:       job.Steps,
			}
			if job.Coverage != nil && job.Coverage.Environment == env {
				n.Coverage = job.Coverage
			}
			g.nodes[n.ID] = n
			instances[name] = append(instances[name], n.ID)
		}
	}

	for name, job := range wf.Jobs {
		if len(job.Needs) == 0 {
			continue
		}
		needs := make([]string, 0, len(job.Needs))
		for _, need := range job.Needs {
			needs = append(needs, instances[need]...)
		}
		sort.Strings(needs)
		for _, id := range instances[name] {
			g.nodes[id].Needs = needs
		}
	}

	return g, nil
}

func instanceID(job, env string, fannedOut bool) string {
	if !fannedOut {
		return job
	}
	return fmt.Sprintf("%s (%s)", job, env)
}

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the graph's nodes sorted by ID. The order carries no
// scheduling meaning.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

func detectCycle(wf *workflow.Workflow) error {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(wf.Jobs))

	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case gray:
			return fmt.Errorf("dependency cycle through job %q", name)
		case black:
			return nil
		}
		colors[name] = gray
		for _, need := range wf.Jobs[name].Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		colors[name] = black
		return nil
	}

	for name := range wf.Jobs {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
