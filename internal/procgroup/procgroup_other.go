//go:build !unix

package procgroup

import (
	"errors"
	"os"
	"os/exec"
)

func set(_ *exec.Cmd) {}

// terminate has no graceful variant off unix; the grace period is skipped by Kill.
func terminate(cmd *exec.Cmd) error {
	return kill(cmd)
}

func kill(cmd *exec.Cmd) error {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
