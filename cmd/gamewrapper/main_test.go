package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/riddles/gamewrapper/internal/result"
	"github.com/riddles/gamewrapper/internal/runner"
	"github.com/riddles/gamewrapper/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"

	var stdout, stderr bytes.Buffer
	status := run(context.Background(), []string{"--version"}, &stdout, &stderr)
	if status != runner.StatusComplete {
		t.Fatalf("status = %d, stderr: %s", status, stderr.String())
	}
	if output := strings.TrimSpace(stdout.String()); output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}

	stdout.Reset()
	run(context.Background(), []string{"version"}, &stdout, &stderr)
	if output := strings.TrimSpace(stdout.String()); output != "v0.1.0-test" {
		t.Fatalf("version command output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	var stdout bytes.Buffer
	status := run(context.Background(), []string{"--help"}, &stdout, &stdout)
	if status != runner.StatusComplete {
		t.Fatalf("status = %d", status)
	}

	output := stdout.String()
	for _, name := range []string{"run", "legacy", "version", "bugreport"} {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestUsageErrorsExitWithSetupStatus(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown command", args: []string{"serve"}},
		{name: "legacy too few args", args: []string{"legacy", "1000", "100", "2", "result.json", "./engine"}},
		{name: "legacy non-numeric timebank", args: []string{"legacy", "lots", "100", "2", "result.json", "./engine", "./bot"}},
		{name: "run positional args", args: []string{"run", "extra"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if got := run(context.Background(), tc.args, &stdout, &stderr); got != runner.StatusSetupFailure {
				t.Fatalf("status = %d, want %d", got, runner.StatusSetupFailure)
			}
			if !strings.Contains(stderr.String(), "error:") {
				t.Fatalf("stderr missing error: %q", stderr.String())
			}
		})
	}
}

func TestRunWithoutEngineIsSetupFailure(t *testing.T) {
	isolateHome(t)

	var stdout, stderr bytes.Buffer
	status := run(context.Background(), []string{"run", "--player", "./bot"}, &stdout, &stderr)

	assert.Equal(t, runner.StatusSetupFailure, status)
	assert.Contains(t, stderr.String(), "engine command is required")
}

func TestParseLegacyArgs(t *testing.T) {
	flags := &matchFlags{}
	err := parseLegacyArgs([]string{"5000", "200", "3", "out.json", "java -jar engine.jar", "./bot-a", "./bot-b"}, flags)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := &matchFlags{
		timebankMax: 5000,
		timePerMove: 200,
		maxTimeouts: 3,
		resultPath:  "out.json",
		engine:      "java -jar engine.jar",
		players:     []string{"./bot-a", "./bot-b"},
	}
	if !reflect.DeepEqual(flags, want) {
		t.Fatalf("flags = %+v, want %+v", flags, want)
	}
}

func TestLegacyCommandPlaysMatch(t *testing.T) {
	test.SkipIfShort(t)
	isolateHome(t)

	engine := test.Script(t, `
while read line; do [ "$line" = start ] && break; done
echo "bot 0 ask action move"
read r
echo "end"
read q
echo "details $r"
read q
echo "game done"
`)
	bot := test.Script(t, `while read line; do echo "pass"; done`)
	resultPath := test.ResultPath(t)

	var stdout, stderr bytes.Buffer
	status := run(
		context.Background(),
		[]string{"legacy", "2000", "100", "1", resultPath, engine, bot},
		&stdout,
		&stderr,
	)
	require.Equal(t, runner.StatusComplete, status, "stderr:\n%s", stderr.String())

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	var doc result.Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "details pass", doc.Details)
	assert.Equal(t, "game done", doc.Game)
	assert.Contains(t, stderr.String(), "Done.")
}

func TestResolveCommandName(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "subcommand", args: []string{"run"}, want: "run"},
		{name: "flags then command", args: []string{"--verbose", "legacy"}, want: "legacy"},
		{name: "no command defaults to root", args: []string{"--help"}, want: "root"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveCommandName(tc.args); got != tc.want {
				t.Fatalf("resolveCommandName(%v) = %q, want %q", tc.args, got, tc.want)
			}
		})
	}
}

func TestRedactArgs(t *testing.T) {
	input := []string{
		"run",
		"--player",
		"./bot --token abc123",
		"--password=supersecret",
		"--engine=./engine",
	}
	want := []string{
		"run",
		"--player",
		"./bot --token <redacted>",
		"--password=<redacted>",
		"--engine=./engine",
	}

	if got := redactArgs(input); !reflect.DeepEqual(got, want) {
		t.Fatalf("redactArgs(%v) = %v, want %v", input, got, want)
	}
}

func isolateHome(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, os.Chdir(cwd))
	})
	require.NoError(t, os.Chdir(home))
}
