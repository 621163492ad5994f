package graph

import (
	"context"
	"sync"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether a node in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// RunnerFunc executes one node's steps. The passed context already carries
// the node's timeout.
type RunnerFunc func(ctx context.Context, n *Node) error

// Scheduler walks a graph with one worker goroutine per node. Workers share
// no state; the only coordination is the gate: a worker blocks until every
// needed node reaches a terminal status, runs when all of them succeeded and
// is skipped otherwise. Eligible nodes execute concurrently with no ordering
// guarantee.
type Scheduler struct {
	graph *Graph

	// OnTransition, when set, observes every status change. It is called
	// from worker goroutines and must be safe for concurrent use.
	OnTransition func(n *Node, s Status)

	mu       sync.Mutex
	statuses map[string]Status
	gates    map[string]chan struct{}
}

func NewScheduler(g *Graph) *Scheduler {
	s := &Scheduler{
		graph:    g,
		statuses: make(map[string]Status, g.Len()),
		gates:    make(map[string]chan struct{}, g.Len()),
	}
	for _, n := range g.Nodes() {
		s.statuses[n.ID] = StatusPending
		s.gates[n.ID] = make(chan struct{})
	}
	return s
}

// Execute runs the graph to completion and returns the final status of every
// node. A cancelled context fails the nodes still running and skips the ones
// still gated behind them.
func (s *Scheduler) Execute(ctx context.Context, runner RunnerFunc) map[string]Status {
	var wg sync.WaitGroup
	for _, n := range s.graph.Nodes() {
		wg.Go(func() {
			s.runNode(ctx, n, runner)
		})
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.statuses))
	for id, status := range s.statuses {
		out[id] = status
	}
	return out
}

func (s *Scheduler) runNode(ctx context.Context, n *Node, runner RunnerFunc) {
	defer close(s.gates[n.ID])

	for _, need := range n.Needs {
		<-s.gates[need]
		if s.status(need) != StatusSucceeded {
			s.transition(n, StatusSkipped)
			return
		}
	}

	s.transition(n, StatusRunning)

	runCtx := ctx
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	if err := runner(runCtx, n); err != nil {
		s.transition(n, StatusFailed)
		return
	}
	s.transition(n, StatusSucceeded)
}

func (s *Scheduler) status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func (s *Scheduler) transition(n *Node, status Status) {
	s.mu.Lock()
	s.statuses[n.ID] = status
	s.mu.Unlock()
	if s.OnTransition != nil {
		s.OnTransition(n, status)
	}
}

// AllSucceeded reports whether a finished run passed as a whole.
func AllSucceeded(statuses map[string]Status) bool {
	for _, s := range statuses {
		if s != StatusSucceeded {
			return false
		}
	}
	return true
}
