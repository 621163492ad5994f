package workflow

import (
	"fmt"
	"slices"

	"github.com/goccy/go-yaml"
)

// Step is one shell command executed in the run's working directory on the
// job's agent.
type Step struct {
	Name           string `yaml:"name"`
	Run            string `yaml:"run"`
	TimeoutSeconds int64  `yaml:"timeout_seconds"`
}

// Coverage describes the extra sub-step a single designated environment of a
// job performs after its regular steps succeed: produce a report file and
// upload it to the coverage service.
type Coverage struct {
	Environment   string `yaml:"environment"`
	Steps         []Step `yaml:"steps"`
	Report        string `yaml:"report"`
	FailCIIfError *bool  `yaml:"fail_ci_if_error"`
}

// Job is a named unit of the workflow graph. RunsOn lists the agent names
// the job fans out across; an empty list means the pipeline's default agent.
type Job struct {
	Needs          []string  `yaml:"needs"`
	RunsOn         []string  `yaml:"runs_on"`
	TimeoutMinutes int64     `yaml:"timeout_minutes"`
	Steps          []Step    `yaml:"steps"`
	Coverage       *Coverage `yaml:"coverage"`
}

type Workflow struct {
	Name string         `yaml:"name"`
	Jobs map[string]Job `yaml:"jobs"`
}

func Parse(b []byte) (*Workflow, error) {
	wf := new(Workflow)
	if err := yaml.Unmarshal(b, wf); err != nil {
		return nil, err
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

func (wf *Workflow) Validate() error {
	if len(wf.Jobs) == 0 {
		return fmt.Errorf("workflow %q has no jobs", wf.Name)
	}
	for name, job := range wf.Jobs {
		if len(job.Steps) == 0 {
			return fmt.Errorf("job %q has no steps", name)
		}
		for i, step := range job.Steps {
			if step.Run == "" {
				return fmt.Errorf("job %q step %d has no command", name, i)
			}
		}
		for _, need := range job.Needs {
			if need == name {
				return fmt.Errorf("job %q needs itself", name)
			}
			if _, ok := wf.Jobs[need]; !ok {
				return fmt.Errorf("job %q needs unknown job %q", name, need)
			}
		}
		if cov := job.Coverage; cov != nil {
			if cov.Environment == "" {
				return fmt.Errorf("job %q coverage has no designated environment", name)
			}
			if len(job.RunsOn) > 0 && !slices.Contains(job.RunsOn, cov.Environment) {
				return fmt.Errorf(
					"job %q coverage environment %q is not in runs_on",
					name, cov.Environment,
				)
			}
			if len(cov.Steps) == 0 {
				return fmt.Errorf("job %q coverage has no steps", name)
			}
			if cov.Report == "" {
				return fmt.Errorf("job %q coverage has no report path", name)
			}
		}
	}
	return nil
}
