package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordonlabs/cordon/pkg/types"
)

func TestCappedBuffer(t *testing.T) {
	t.Run("under cap", func(t *testing.T) {
		b := newCappedBuffer(16)
		n, err := b.Write([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "hello", b.String())
		assert.False(t, b.Truncated())
	})

	t.Run("over cap", func(t *testing.T) {
		b := newCappedBuffer(4)
		n, err := b.Write([]byte("hello world"))
		require.NoError(t, err)
		assert.Equal(t, 11, n, "write must report full length so the stream drains")
		assert.Equal(t, "hell"+TruncationMarker, b.String())
		assert.True(t, b.Truncated())
	})

	t.Run("writes after cap are discarded", func(t *testing.T) {
		b := newCappedBuffer(4)
		b.Write([]byte("aaaa"))
		b.Write([]byte("bbbb"))
		assert.Equal(t, "aaaa"+TruncationMarker, b.String())
	})

	t.Run("default cap", func(t *testing.T) {
		b := newCappedBuffer(0)
		assert.Equal(t, DefaultStreamCap, b.cap)
	})
}

func TestCreateWorkDir(t *testing.T) {
	root := t.TempDir()

	dir, err := createWorkDir(root, "exec-1", "console.log(1)")
	require.NoError(t, err)
	defer removeWorkDir(dir)

	base := filepath.Base(dir)
	assert.True(t, strings.HasPrefix(base, types.ResourcePrefix+"exec-1-"), "dir %q must carry prefix and id", base)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	payload, err := os.ReadFile(filepath.Join(dir, payloadFileName))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(payload))
}

func TestCreateWorkDirRandomSuffix(t *testing.T) {
	root := t.TempDir()

	a, err := createWorkDir(root, "exec-1", "x")
	require.NoError(t, err)
	b, err := createWorkDir(root, "exec-1", "x")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSweepWorkDirs(t *testing.T) {
	root := t.TempDir()

	_, err := createWorkDir(root, "orphan-1", "x")
	require.NoError(t, err)
	_, err = createWorkDir(root, "orphan-2", "x")
	require.NoError(t, err)

	// Unrelated directory must survive the sweep.
	other := filepath.Join(root, "unrelated")
	require.NoError(t, os.Mkdir(other, 0o755))

	removed, err := sweepWorkDirs(root)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = os.Stat(other)
	assert.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSweepWorkDirsMissingRoot(t *testing.T) {
	removed, err := sweepWorkDirs(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestLimiterQueueFull(t *testing.T) {
	l := newLimiter(1, 0, 50*time.Millisecond)

	release, err := l.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	// The slot is held and the queue has no extra depth beyond the slot
	// reservation; the next caller times out waiting.
	start := time.Now()
	_, err = l.acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterRelease(t *testing.T) {
	l := newLimiter(1, 1, time.Second)

	release, err := l.acquire(context.Background())
	require.NoError(t, err)
	release()

	release2, err := l.acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestLimiterContextCancel(t *testing.T) {
	l := newLimiter(1, 1, time.Minute)

	release, err := l.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildEnv(t *testing.T) {
	req := ExecRequest{
		Env:           map[string]string{"CORDON_ENV_FOO": "bar"},
		ProxyEndpoint: "10.88.0.1:40001",
	}
	env := buildEnv(req)

	assert.Contains(t, env, "CORDON_ENV_FOO=bar")
	assert.Contains(t, env, "HTTP_PROXY=http://10.88.0.1:40001")
	assert.Contains(t, env, "HTTPS_PROXY=http://10.88.0.1:40001")
	assert.Contains(t, env, "NO_PROXY=localhost,127.0.0.1")

	noProxy := buildEnv(ExecRequest{Env: map[string]string{"A": "1"}})
	assert.Equal(t, []string{"A=1"}, noProxy)
}

func requireNode(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node not installed")
	}
}

func TestDirectRunnerExecute(t *testing.T) {
	requireNode(t)

	r := NewDirectRunner("", t.TempDir(), 0)
	res, err := r.Execute(context.Background(), ExecRequest{
		ExecutionID: "direct-1",
		Payload:     `console.log("out"); console.error("err");`,
		Mode:        types.ModeDirect,
		Limits:      types.Limits{WallClockMs: 10_000},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, int64(0))
}

func TestDirectRunnerCrash(t *testing.T) {
	requireNode(t)

	r := NewDirectRunner("", t.TempDir(), 0)
	res, err := r.Execute(context.Background(), ExecRequest{
		ExecutionID: "direct-2",
		Payload:     `process.exit(3);`,
		Mode:        types.ModeDirect,
		Limits:      types.Limits{WallClockMs: 10_000},
	})
	require.NoError(t, err, "a payload crash is a result, not an error")
	assert.Equal(t, 3, res.ExitCode)
}

func TestDirectRunnerTimeout(t *testing.T) {
	requireNode(t)

	r := NewDirectRunner("", t.TempDir(), 0)
	res, err := r.Execute(context.Background(), ExecRequest{
		ExecutionID: "direct-3",
		Payload:     `setTimeout(() => {}, 60000);`,
		Mode:        types.ModeDirect,
		Limits:      types.Limits{WallClockMs: 200},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTimeout))
	require.NotNil(t, res)
	assert.Equal(t, types.ExitCodeTimeout, res.ExitCode)
}

func TestDirectRunnerRejectsOtherModes(t *testing.T) {
	r := NewDirectRunner("", t.TempDir(), 0)
	_, err := r.Execute(context.Background(), ExecRequest{Mode: types.ModeIsolated})
	assert.ErrorIs(t, err, types.ErrBadRequest)
}

func TestDirectRunnerScrubbedEnvironment(t *testing.T) {
	requireNode(t)

	t.Setenv("LEAKY_HOST_VAR", "should-not-appear")

	r := NewDirectRunner("", t.TempDir(), 0)
	res, err := r.Execute(context.Background(), ExecRequest{
		ExecutionID: "direct-4",
		Payload:     `console.log(process.env.LEAKY_HOST_VAR || "absent"); console.log(process.env.CORDON_ENV_X || "missing");`,
		Env:         map[string]string{"CORDON_ENV_X": "present"},
		Mode:        types.ModeDirect,
		Limits:      types.Limits{WallClockMs: 10_000},
	})
	require.NoError(t, err)
	assert.Equal(t, "absent\npresent\n", res.Stdout)
}
