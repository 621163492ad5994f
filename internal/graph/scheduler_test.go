package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// recorder collects transition order so tests can assert gating without
// depending on the completion order of concurrent nodes.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) observe(n *Node, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n.ID+":"+string(s))
}

func (r *recorder) indexOf(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

func succeedAll(ctx context.Context, n *Node) error {
	return nil
}

func failJobs(names ...string) RunnerFunc {
	return func(ctx context.Context, n *Node) error {
		for _, name := range names {
			if n.Job == name {
				return errors.New("step failed")
			}
		}
		return nil
	}
}

func TestScheduler_Execute(t *testing.T) {
	t.Run("happy path runs every node to success", func(t *testing.T) {
		g, err := Build(rustLibraryWorkflow(), "controller", time.Minute)
		assert.NoError(t, err)

		statuses := NewScheduler(g).Execute(context.Background(), succeedAll)

		assert.True(t, AllSucceeded(statuses))
		assert.Len(t, statuses, 6)
	})

	t.Run("build never starts before style and check succeed", func(t *testing.T) {
		g, err := Build(rustLibraryWorkflow(), "controller", time.Minute)
		assert.NoError(t, err)

		rec := &recorder{}
		s := NewScheduler(g)
		s.OnTransition = rec.observe
		s.Execute(context.Background(), succeedAll)

		buildRunning := rec.indexOf("build:running")
		assert.Greater(t, buildRunning, rec.indexOf("style:succeeded"))
		assert.Greater(t, buildRunning, rec.indexOf("check:succeeded"))
	})

	t.Run("test instances never start before build succeeds", func(t *testing.T) {
		g, err := Build(rustLibraryWorkflow(), "controller", time.Minute)
		assert.NoError(t, err)

		rec := &recorder{}
		s := NewScheduler(g)
		s.OnTransition = rec.observe
		s.Execute(context.Background(), succeedAll)

		buildSucceeded := rec.indexOf("build:succeeded")
		for _, env := range []string{"ubuntu", "macos", "windows"} {
			assert.Greater(t, rec.indexOf("test ("+env+"):running"), buildSucceeded)
		}
	})

	t.Run("style failure skips build and test but check still runs", func(t *testing.T) {
		g, err := Build(rustLibraryWorkflow(), "controller", time.Minute)
		assert.NoError(t, err)

		statuses := NewScheduler(g).Execute(context.Background(), failJobs("style"))

		assert.Equal(t, StatusFailed, statuses["style"])
		assert.Equal(t, StatusSucceeded, statuses["check"])
		assert.Equal(t, StatusSkipped, statuses["build"])
		assert.Equal(t, StatusSkipped, statuses["test (ubuntu)"])
		assert.Equal(t, StatusSkipped, statuses["test (macos)"])
		assert.Equal(t, StatusSkipped, statuses["test (windows)"])
		assert.False(t, AllSucceeded(statuses))
	})

	t.Run("check failure cascades to build and test", func(t *testing.T) {
		g, err := Build(rustLibraryWorkflow(), "controller", time.Minute)
		assert.NoError(t, err)

		statuses := NewScheduler(g).Execute(context.Background(), failJobs("check"))

		assert.Equal(t, StatusSucceeded, statuses["style"])
		assert.Equal(t, StatusFailed, statuses["check"])
		assert.Equal(t, StatusSkipped, statuses["build"])
		assert.Equal(t, StatusSkipped, statuses["test (windows)"])
	})

	t.Run("one failed test instance fails the run, others still finish", func(t *testing.T) {
		g, err := Build(rustLibraryWorkflow(), "controller", time.Minute)
		assert.NoError(t, err)

		statuses := NewScheduler(g).Execute(
			context.Background(),
			func(ctx context.Context, n *Node) error {
				if n.ID == "test (windows)" {
					return errors.New("step failed")
				}
				return nil
			},
		)

		assert.Equal(t, StatusFailed, statuses["test (windows)"])
		assert.Equal(t, StatusSucceeded, statuses["test (ubuntu)"])
		assert.Equal(t, StatusSucceeded, statuses["test (macos)"])
		assert.False(t, AllSucceeded(statuses))
	})

	t.Run("node exceeding its timeout fails like a step failure", func(t *testing.T) {
		g, err := Build(rustLibraryWorkflow(), "controller", time.Minute)
		assert.NoError(t, err)

		node, _ := g.Node("build")
		node.Timeout = 10 * time.Millisecond

		statuses := NewScheduler(g).Execute(
			context.Background(),
			func(ctx context.Context, n *Node) error {
				if n.ID == "build" {
					<-ctx.Done()
					return ctx.Err()
				}
				return nil
			},
		)

		assert.Equal(t, StatusFailed, statuses["build"])
		assert.Equal(t, StatusSkipped, statuses["test (ubuntu)"])
	})

	t.Run("independent leaves run concurrently", func(t *testing.T) {
		g, err := Build(rustLibraryWorkflow(), "controller", time.Minute)
		assert.NoError(t, err)

		var mu sync.Mutex
		running := make(map[string]bool)
		bothRunning := make(chan struct{})

		statuses := NewScheduler(g).Execute(
			context.Background(),
			func(ctx context.Context, n *Node) error {
				if n.Job != "style" && n.Job != "check" {
					return nil
				}
				mu.Lock()
				running[n.Job] = true
				if len(running) == 2 {
					close(bothRunning)
				}
				mu.Unlock()
				select {
				case <-bothRunning:
					return nil
				case <-time.After(5 * time.Second):
					return errors.New("leaves were serialized")
				}
			},
		)

		assert.True(t, AllSucceeded(statuses))
	})
}
