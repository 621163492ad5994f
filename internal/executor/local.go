package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// LocalExecutor runs commands on the controller host itself, for agents with
// the 'local' os type.
type LocalExecutor struct {
	env map[string]string
}

func NewLocalExecutor(env map[string]string) *LocalExecutor {
	return &LocalExecutor{env: env}
}

func (e *LocalExecutor) RunCommand(
	ctx context.Context,
	command string,
	timeout time.Duration,
	out chan<- string,
) error {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Env = os.Environ()
	for k, v := range e.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		scanLines(stdout, out)
	})
	wg.Go(func() {
		scanLines(stderr, out)
	})
	wg.Wait()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return CancelError{Message: fmt.Sprintf("command '%s' was cancelled", command)}
	}
	if runCtx.Err() != nil {
		return TimeoutError{Command: command, Timeout: timeout}
	}
	return err
}

func (e *LocalExecutor) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (e *LocalExecutor) DownloadDir(remotePath, localPath string) error {
	return filepath.Walk(remotePath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(remotePath, p)
		if err != nil {
			return err
		}
		target := filepath.Join(localPath, rel)
		if info.IsDir() {
			return os.MkdirAll(target, os.ModePerm)
		}
		return copyFile(p, target)
	})
}

func (e *LocalExecutor) Close() error {
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
