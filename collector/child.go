package collector

import (
	"bytes"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// OutputWaitDelay bounds how long output is drained after the child exited
// while a descendant still holds its stdout or stderr open
const OutputWaitDelay = time.Second

// Child is a started program whose output is captured in memory. The child
// leads its own process group so that killing it also kills every
// descendant.
type Child struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer

	exited  chan struct{}
	waitErr error
}

// StartChild starts cmd with its stdout and stderr captured
func StartChild(cmd *exec.Cmd) (*Child, error) {
	c := &Child{
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	cmd.Stdout = &c.stdout
	cmd.Stderr = &c.stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = OutputWaitDelay
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", cmd.Path)
	}
	go c.wait()
	return c, nil
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.waitErr = err
	close(c.exited)
	c.mu.Unlock()
}

// PID returns the process id of the child
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// Exited is closed once the child was reaped and its output drained
func (c *Child) Exited() <-chan struct{} {
	return c.exited
}

// Kill sends SIGKILL to the process group of the child. It returns
// os.ErrProcessDone once no process of the group is left.
func (c *Child) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// the group id stays reserved while any member is alive
	err := unix.Kill(-c.cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// Output waits for the child to exit and returns its captured output
func (c *Child) Output() (stdout, stderr []byte) {
	<-c.exited
	return c.stdout.Bytes(), c.stderr.Bytes()
}

// ExitCode returns the exit status of the child, or -1 if it was killed by a
// signal or has not exited yet
func (c *Child) ExitCode() int {
	select {
	case <-c.exited:
	default:
		return -1
	}
	if c.cmd.ProcessState == nil {
		return -1
	}
	return c.cmd.ProcessState.ExitCode()
}

// Err returns the error reported by waiting on the child, if any. Non-zero
// exit codes are reported as *exec.ExitError, output cut short by
// OutputWaitDelay as exec.ErrWaitDelay.
func (c *Child) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}
