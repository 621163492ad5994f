package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Executor runs step commands on one agent and moves files off it. The
// command string already carries its working-directory prefix; the executor
// only contributes the agent transport and the injected environment.
type Executor interface {
	RunCommand(ctx context.Context, command string, timeout time.Duration, out chan<- string) error
	ReadFile(path string) ([]byte, error)
	DownloadDir(remotePath, localPath string) error
	Close() error
}

// CancelError marks a step ended by user cancellation rather than by the
// tool itself failing.
type CancelError struct {
	Message string
}

func (ce CancelError) Error() string {
	return ce.Message
}

// TimeoutError marks a step that ran past its timeout; it is treated
// identically to a failing step.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (te TimeoutError) Error() string {
	return fmt.Sprintf(
		"command timed out after %d seconds: '%s'",
		int(te.Timeout.Seconds()), te.Command,
	)
}

func exportPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s='%s'; ", k, env[k])
	}
	return b.String()
}
