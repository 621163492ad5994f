// Command gantry runs a workflow file against the local working copy: the
// same trigger evaluation and gated job graph the server uses, without a
// server, database or agents. Useful for trying a workflow out before
// registering a pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gantryci/gantry/internal/coverage"
	"github.com/gantryci/gantry/internal/executor"
	"github.com/gantryci/gantry/internal/graph"
	"github.com/gantryci/gantry/internal/trigger"
	"github.com/gantryci/gantry/internal/workflow"
)

func main() {
	var (
		workflowPath  = flag.String("workflow", ".gantry.yml", "workflow file to run")
		dir           = flag.String("dir", ".", "working copy the steps run in")
		event         = flag.String("event", "manual", "trigger event: push, pull_request or manual")
		branch        = flag.String("branch", "main", "branch the event refers to")
		commit        = flag.String("commit", "", "commit SHA the event refers to")
		changed       = flag.String("changed", "", "comma-separated changed paths")
		environment   = flag.String("environment", "local", "environment name jobs without runs_on use")
		timeout       = flag.Int("timeout", 10, "default job timeout in minutes")
		toolColor     = flag.String("color", "always", "CARGO_TERM_COLOR value exported to steps")
		coverageURL   = flag.String("coverage-url", "", "coverage service URL; empty skips the upload")
		coverageToken = flag.String("coverage-token", "", "coverage service token")
	)
	flag.Parse()

	ev := trigger.Event{
		Kind:         trigger.Kind(*event),
		Branch:       *branch,
		Commit:       *commit,
		ChangedPaths: splitChanged(*changed),
	}
	rules := trigger.Rules{PathsIgnore: trigger.DefaultIgnoreSuffixes}
	if trigger.Evaluate(rules, ev) == trigger.Ignore {
		fmt.Println("event ignored, no run started")
		return
	}

	raw, err := os.ReadFile(*workflowPath)
	if err != nil {
		log.Fatal(err)
	}
	wf, err := workflow.Parse(raw)
	if err != nil {
		log.Fatal(err)
	}
	g, err := graph.Build(wf, *environment, time.Duration(*timeout)*time.Minute)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("workflow '%s': %d job instances\n", wf.Name, g.Len())

	exec := executor.NewLocalExecutor(map[string]string{
		"CI":               "true",
		"CARGO_TERM_COLOR": *toolColor,
	})
	defer exec.Close()

	out := make(chan string)
	printDone := make(chan struct{})
	go func() {
		defer close(printDone)
		for line := range out {
			fmt.Print(line)
		}
	}()

	var uploader *coverage.Uploader
	if *coverageURL != "" {
		uploader = coverage.NewUploader(*coverageURL, *coverageToken)
	}

	sched := graph.NewScheduler(g)
	sched.OnTransition = func(n *graph.Node, s graph.Status) {
		out <- fmt.Sprintf("[%s] %s\n", n.ID, s)
	}

	runner := func(ctx context.Context, n *graph.Node) error {
		for _, step := range n.Steps {
			if err := runStep(ctx, exec, out, n, step, *dir); err != nil {
				return err
			}
		}
		if n.Coverage != nil {
			return runCoverage(ctx, exec, out, n, *dir, uploader, coverage.Metadata{
				Pipeline:    wf.Name,
				Branch:      *branch,
				Commit:      *commit,
				Environment: n.Environment,
			})
		}
		return nil
	}

	statuses := sched.Execute(context.Background(), runner)
	close(out)
	<-printDone

	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("%-30s %s\n", id, statuses[id])
	}

	if !graph.AllSucceeded(statuses) {
		os.Exit(1)
	}
	fmt.Println("all job instances succeeded")
}

func runStep(
	ctx context.Context,
	exec executor.Executor,
	out chan<- string,
	n *graph.Node,
	step workflow.Step,
	dir string,
) error {
	out <- fmt.Sprintf("[%s]  |  step '%s'\n", n.ID, step.Name)
	timeout := n.Timeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	cmd := fmt.Sprintf("cd %s && %s", dir, step.Run)
	if err := exec.RunCommand(ctx, cmd, timeout, out); err != nil {
		out <- fmt.Sprintf("[%s]  |  step '%s' failed: %+v\n", n.ID, step.Name, err)
		return err
	}
	return nil
}

func runCoverage(
	ctx context.Context,
	exec executor.Executor,
	out chan<- string,
	n *graph.Node,
	dir string,
	uploader *coverage.Uploader,
	meta coverage.Metadata,
) error {
	cov := n.Coverage
	for _, step := range cov.Steps {
		if err := runStep(ctx, exec, out, n, step, dir); err != nil {
			return err
		}
	}

	reportPath := path.Join(dir, cov.Report)
	report, err := exec.ReadFile(reportPath)
	if err != nil {
		out <- fmt.Sprintf("[%s] err reading coverage report '%s': %+v\n", n.ID, cov.Report, err)
		return err
	}
	if uploader == nil {
		out <- fmt.Sprintf("[%s] coverage report written to %s, no upload URL set\n", n.ID, reportPath)
		return nil
	}

	failClosed := true
	if cov.FailCIIfError != nil {
		failClosed = *cov.FailCIIfError
	}
	if err := uploader.Upload(ctx, report, meta); err != nil {
		if failClosed {
			out <- fmt.Sprintf("[%s] coverage upload failed: %+v\n", n.ID, err)
			return err
		}
		out <- fmt.Sprintf("[%s] coverage upload failed (ignored): %+v\n", n.ID, err)
		return nil
	}
	out <- fmt.Sprintf("[%s] coverage report uploaded\n", n.ID)
	return nil
}

func splitChanged(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
