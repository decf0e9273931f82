// Package test provides shared testing utilities for gamewrapper.
//
// Match tests run real child processes. The helpers here write small /bin/sh
// scripts that play the bot or engine role and return the command line that
// starts them.
package test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Context returns a test context that is cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// RequireShell skips the test when no POSIX shell is available.
func RequireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process scripts need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
}

// Script writes body to an executable shell script in a fresh temp dir and
// returns the command line that runs it.
func Script(t *testing.T, body string) string {
	t.Helper()
	RequireShell(t)
	path := filepath.Join(t.TempDir(), "proc.sh")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700)
	require.NoError(t, err, "failed to write script")
	return "sh " + path
}

// ResultPath returns a path for a result file inside a temp dir.
func ResultPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "result.json")
}

// AssertFileExists checks if a file exists
func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.NoError(t, err, "file should exist: %s", path)
}

// AssertFileNotExists checks if a file does not exist
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.Error(t, err, "file should not exist: %s", path)
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}

// SkipIfShort skips the test if -short flag is provided
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}
