package local

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/twitter/pipesched/common"
)

// ArrayIndexEnv is set for every element of an array submission.
const ArrayIndexEnv = "PIPESCHED_ARRAY_INDEX"

// outputTail is how much command output is kept for the logs.
const outputTail = 4096

// Command is one process to run. Array submissions run one Command per index.
type Command struct {
	ClusterJobID string
	Owner        string
	Argv         []string
	Env          map[string]string
	Dir          string
}

// Execer runs a Command to completion. It must return once ctx is canceled,
// with an error.
type Execer interface {
	Exec(ctx context.Context, cmd Command) error
}

// ExecerFunc adapts a function to Execer.
type ExecerFunc func(ctx context.Context, cmd Command) error

func (f ExecerFunc) Exec(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

type osExecer struct{}

// NewOSExecer runs commands as child processes, each in its own process
// group. Canceling ctx kills the whole group, children included.
func NewOSExecer() Execer {
	return osExecer{}
}

func (osExecer) Exec(ctx context.Context, command Command) error {
	if len(command.Argv) == 0 {
		return errors.New("no command specified")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "running %v", command.Argv)
	}
	cmd := exec.Command(command.Argv[0], command.Argv[1:]...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), common.EnvList(command.Env)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out := &tailBuffer{max: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Start()
	if err == nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				killGroup(cmd.Process.Pid)
			case <-done:
			}
		}()
		err = cmd.Wait()
		close(done)
	}
	fields := log.Fields{
		"clusterJobID": command.ClusterJobID,
		"owner":        command.Owner,
		"argv":         command.Argv,
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		fields["err"] = err
		fields["output"] = out.String()
		log.WithFields(fields).Info("Command failed")
		return errors.Wrapf(err, "running %v", command.Argv)
	}
	log.WithFields(fields).Debug("Command succeeded")
	return nil
}

func killGroup(pgid int) {
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		log.WithFields(log.Fields{"pgid": pgid, "err": err}).Warn("Failed to kill process group")
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
