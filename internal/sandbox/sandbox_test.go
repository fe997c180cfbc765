package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	MaybeReexec()
	os.Exit(m.Run())
}

func TestBoundedBuffer_DiscardsOverflow(t *testing.T) {
	b := NewBoundedBuffer(8)

	n, err := b.Write([]byte("0123"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.False(t, b.Truncated())

	n, err = b.Write([]byte("456789abc"))
	require.NoError(t, err, "overflow must not surface as a write error")
	assert.Equal(t, 9, n)
	assert.Equal(t, "01234567", b.String())
	assert.True(t, b.Truncated())

	_, _ = b.Write([]byte("more"))
	assert.Equal(t, 8, b.Len())
}

func TestBoundedBuffer_DefaultLimit(t *testing.T) {
	b := NewBoundedBuffer(0)
	_, _ = b.Write([]byte(strings.Repeat("x", DefaultOutputLimit+1)))
	assert.Equal(t, DefaultOutputLimit, b.Len())
	assert.True(t, b.Truncated())
}

func TestMachine_Transitions(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.to(StateRunning))
	require.NoError(t, m.to(StateTimedOut))
	require.NoError(t, m.to(StateFinalized))
	assert.Equal(t, []State{StatePending, StateRunning, StateTimedOut, StateFinalized}, m.history)

	m = newMachine()
	assert.Error(t, m.to(StateCompleted), "PENDING cannot jump to COMPLETED")
	require.NoError(t, m.to(StateSpawnFailed))
	assert.Error(t, m.to(StateRunning))
	require.NoError(t, m.to(StateFinalized))
	assert.Error(t, m.to(StateFinalized), "FINALIZED is absorbing")

	m = newMachine()
	require.NoError(t, m.to(StateCancelled), "cancelled before spawn")
	assert.Error(t, m.to(StateRunning))
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateTimedOut, StateResourceLimitExceeded, StateCrashed, StateCancelled, StateSpawnFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StatePending, StateRunning, StateFinalized} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestBuildEnv_Minimal(t *testing.T) {
	t.Setenv("SANDBOX_TEST_SECRET", "hunter2")
	t.Setenv("SANDBOX_TEST_ALLOWED", "yes")
	t.Setenv("TOOL_SANDBOX_EXEC", "1")

	env := buildEnv([]string{"SANDBOX_TEST_ALLOWED", "SANDBOX_TEST_UNSET", "TOOL_SANDBOX_EXEC", "TMPDIR"}, "/scratch/inv-1")

	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "SANDBOX_TEST_ALLOWED=yes")
	assert.Contains(t, joined, "TMPDIR=/scratch/inv-1")
	assert.NotContains(t, joined, "hunter2")
	assert.NotContains(t, joined, "SANDBOX_TEST_UNSET")
	assert.NotContains(t, joined, "TOOL_SANDBOX_EXEC")
	assert.True(t, strings.HasPrefix(env[0], "PATH="))
}

func TestCleanupScratch_RemovesOnlyStaleDirs(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, scratchPrefix+"old")
	fresh := filepath.Join(root, scratchPrefix+"new")
	other := filepath.Join(root, "keep-me")
	for _, dir := range []string{stale, fresh, other} {
		require.NoError(t, os.Mkdir(dir, 0o700))
	}
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	removed, err := CleanupScratch(root, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
	assert.DirExists(t, other)
}

func TestNewSandbox_Modes(t *testing.T) {
	sb, err := NewSandbox(ModePolling, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, ModePolling, sb.Name())

	sb, err = NewSandbox(ModeAuto, zap.NewNop())
	require.NoError(t, err)
	assert.NotEmpty(t, sb.Name())

	_, err = NewSandbox("jail", zap.NewNop())
	assert.Error(t, err)
}
