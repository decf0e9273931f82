package procio

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/riddles/gamewrapper/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func spawnScript(t *testing.T, body string, options ...Option) *Channel {
	t.Helper()
	command := test.Script(t, body)
	channel, err := Spawn(context.Background(), "proc", command, options...)
	require.NoError(t, err)
	t.Cleanup(channel.Finish)
	return channel
}

func TestWriteAndReadLineRoundTrip(t *testing.T) {
	channel := spawnScript(t, `while read line; do echo "got $line"; done`)

	require.True(t, channel.Write("hello"))
	line, err := channel.ReadLine(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "got hello", line)

	require.True(t, channel.Write("world"))
	line, err = channel.ReadLine(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "got world", line)

	assert.Equal(t, "got hello\ngot world\n", channel.Stdout())
}

func TestReadLineTimesOutWithinSlop(t *testing.T) {
	channel := spawnScript(t, `read line; sleep 5`)

	require.True(t, channel.Write("ping"))
	started := time.Now()
	line, err := channel.ReadLine(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(started)

	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Empty(t, line)
	assert.Less(t, elapsed, time.Second)
}

func TestZeroTimeoutOnlyTakesBufferedLines(t *testing.T) {
	channel := spawnScript(t, `echo ready; read line`)

	test.Eventually(t, 2*time.Second, func() bool {
		return channel.Stdout() == "ready\n"
	}, "expected ready line in stdout history")

	line, err := channel.ReadLine(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "ready", line)

	_, err = channel.ReadLine(context.Background(), 0)
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestLateLineIsKeptInHistoryButNotAnswerOfNextRequest(t *testing.T) {
	channel := spawnScript(t, `while read line; do sleep 0.3; echo "late $line"; done`, WithDiscardStale())

	require.True(t, channel.Write("a"))
	_, err := channel.ReadLine(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrReadTimeout)

	test.Eventually(t, 2*time.Second, func() bool {
		return strings.Contains(channel.Stdout(), "late a")
	}, "late reply should still be drained into stdout history")

	require.True(t, channel.Write("b"))
	line, err := channel.ReadLine(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late b", line)
}

func TestWriteKeepsBufferedLinesByDefault(t *testing.T) {
	channel := spawnScript(t, `echo "first"; echo "second"; read reply; echo "after $reply"`)

	test.Eventually(t, 2*time.Second, func() bool {
		return channel.Stdout() == "first\nsecond\n"
	}, "expected both lines before writing")

	line, err := channel.ReadLine(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	require.True(t, channel.Write("ok"))
	for _, want := range []string{"second", "after ok"} {
		line, err = channel.ReadLine(context.Background(), 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
}

func TestSpawnRefusesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	channel, err := Spawn(ctx, "proc", test.Script(t, `sleep 5`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, channel)
}

func TestStderrIsCapturedIndependently(t *testing.T) {
	channel := spawnScript(t, `echo oops >&2; echo twice >&2; read line`)

	test.Eventually(t, 2*time.Second, func() bool {
		return channel.Stderr() == "oops\ntwice\n"
	}, "stderr should be accumulated")
	assert.Empty(t, channel.Stdout())
}

func TestReadLineReportsClosedStream(t *testing.T) {
	channel := spawnScript(t, `exit 0`)

	line, err := channel.ReadLine(context.Background(), 2*time.Second)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Empty(t, line)
}

func TestReadLineReturnsBufferedLineBeforeClosedStream(t *testing.T) {
	channel := spawnScript(t, `echo last`)

	line, err := channel.ReadLine(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "last", line)
}

func TestReadLineHonoursContextCancellation(t *testing.T) {
	channel := spawnScript(t, `sleep 5`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := channel.ReadLine(ctx, NoDeadline)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteFailsAfterProcessExit(t *testing.T) {
	channel := spawnScript(t, `exit 0`)

	test.Eventually(t, 2*time.Second, channel.Exited, "process should exit")
	assert.False(t, channel.Finished())
	assert.False(t, channel.Write("anything"))
}

func TestFinishIsIdempotentAndLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	command := test.Script(t, `while read line; do echo "$line"; done`)
	channel, err := Spawn(context.Background(), "echo", command)
	require.NoError(t, err)

	require.True(t, channel.Write("x"))
	_, err = channel.ReadLine(context.Background(), 2*time.Second)
	require.NoError(t, err)

	channel.Finish()
	channel.Finish()

	assert.True(t, channel.Finished())
	assert.True(t, channel.Exited())
	assert.False(t, channel.Write("after finish"))
	_, err = channel.ReadLine(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrFinished)
	assert.Equal(t, "x\n", channel.Stdout())
}

func TestFinishKillsProcessThatIgnoresTerm(t *testing.T) {
	channel := spawnScript(t, `trap '' TERM; while true; do sleep 1; done`, WithKillGrace(100*time.Millisecond))

	started := time.Now()
	channel.Finish()

	assert.True(t, channel.Exited())
	assert.Less(t, time.Since(started), 3*time.Second)
}

func TestSpawnRejectsBadCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		command string
	}{
		{name: "empty", command: "   "},
		{name: "missing binary", command: "/nonexistent/gamewrapper-bot --flag"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			channel, err := Spawn(context.Background(), "bot", tt.command)
			assert.Error(t, err)
			assert.Nil(t, channel)
		})
	}
}

func TestLineBufferAppends(t *testing.T) {
	t.Parallel()

	var buf LineBuffer
	buf.AppendLine("one")
	_, _ = buf.Write([]byte("two"))
	buf.AppendLine("")

	assert.Equal(t, "one\ntwo\n", buf.String())
	assert.Equal(t, 8, buf.Len())
}
