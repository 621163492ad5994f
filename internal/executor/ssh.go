package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHExecutor runs commands on a remote agent over SSH and fetches files
// through SFTP.
type SSHExecutor struct {
	client *ssh.Client
	env    map[string]string
}

func NewSSHExecutor(
	username, hostname string,
	privateKey []byte,
	env map[string]string,
) (*SSHExecutor, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	cc := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	split := strings.Split(hostname, ":")
	if len(split) == 1 {
		hostname += ":22"
	}
	client, err := ssh.Dial("tcp", hostname, cc)
	if err != nil {
		return nil, err
	}

	return &SSHExecutor{client: client, env: env}, nil
}

func (e *SSHExecutor) RunCommand(
	ctx context.Context,
	command string,
	timeout time.Duration,
	out chan<- string,
) error {
	sess, err := e.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return err
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exportPrefix(e.env) + command
	doneCh := make(chan error, 1)
	go func() {
		if err := sess.Start(cmd); err != nil {
			doneCh <- errors.Join(fmt.Errorf("err starting command %s", cmd), err)
			return
		}

		var wg sync.WaitGroup
		wg.Go(func() {
			scanLines(stdout, out)
		})
		wg.Go(func() {
			scanLines(stderr, out)
		})

		err := sess.Wait()
		wg.Wait()
		if err != nil {
			doneCh <- errors.Join(fmt.Errorf("err waiting for command to finish %s", cmd), err)
			return
		}
		doneCh <- nil
	}()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGINT)
		return CancelError{Message: fmt.Sprintf("command '%s' was cancelled", command)}
	case <-runCtx.Done():
		sess.Signal(ssh.SIGINT)
		return TimeoutError{Command: command, Timeout: timeout}
	case err := <-doneCh:
		return err
	}
}

func (e *SSHExecutor) ReadFile(path string) ([]byte, error) {
	sftpClient, err := sftp.NewClient(e.client)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (e *SSHExecutor) DownloadDir(remotePath, localPath string) error {
	sftpClient, err := sftp.NewClient(e.client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()
	return recursiveDownload(sftpClient, remotePath, localPath)
}

func (e *SSHExecutor) Close() error {
	return e.client.Close()
}

func scanLines(r io.Reader, out chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text() + "\n"
	}
}

func recursiveDownload(sftpClient *sftp.Client, remotePath, localPath string) error {
	files, err := sftpClient.ReadDir(remotePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(localPath, os.ModePerm); err != nil {
		return err
	}

	for _, f := range files {
		remoteFilePath := filepath.Join(remotePath, f.Name())
		localFilePath := filepath.Join(localPath, f.Name())

		if f.IsDir() {
			if err := recursiveDownload(
				sftpClient, remoteFilePath, localFilePath,
			); err != nil {
				return err
			}
		} else {
			if err := downloadFile(
				sftpClient, remoteFilePath, localFilePath,
			); err != nil {
				return err
			}
		}
	}

	return nil
}

func downloadFile(sftpClient *sftp.Client, remotePath, localPath string) error {
	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return err
	}
	defer remoteFile.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer localFile.Close()

	if _, err := io.Copy(localFile, remoteFile); err != nil {
		return err
	}

	return nil
}
