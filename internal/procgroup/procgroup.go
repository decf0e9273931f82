// Package procgroup starts children in their own process group so the whole tree
// can be signalled on teardown.
package procgroup

import (
	"errors"
	"os/exec"
)

// ErrNotStarted is returned when signalling a command that has no process.
var ErrNotStarted = errors.New("process not started")

// Set configures the command to start in a new process group.
// Must be called before cmd.Start for Terminate and Kill to reach grandchildren.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate asks the process group to stop (SIGTERM where supported).
// A group that is already gone is not an error.
func Terminate(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}
	return terminate(cmd)
}

// Kill forcibly stops the process group (SIGKILL where supported).
// A group that is already gone is not an error.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}
	return kill(cmd)
}
