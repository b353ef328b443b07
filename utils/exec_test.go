package utils

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBinary(t *testing.T) {
	path, err := ResolveBinary("sh")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))

	_, err = ResolveBinary("definitely-not-a-binary-name")
	assert.Error(t, err)
}

func TestExecCmd(t *testing.T) {
	out, err := ExecCmd(context.Background(), "echo", "hello  world")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)

	_, err = ExecCmdArgs(context.Background(), "sh", []string{"-c", "exit 2"})
	assert.Error(t, err)
}

func TestRunQuiet(t *testing.T) {
	code, err := RunQuiet(context.Background(), "sh", []string{"-c", "echo noise; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	code, err = RunQuiet(context.Background(), "true", nil)
	require.NoError(t, err)
	assert.Zero(t, code)

	_, err = RunQuiet(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}

func TestProcFromPID(t *testing.T) {
	p, err := NewProcFromPID(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), p.PID())

	rss, err := p.Mem()
	require.NoError(t, err)
	assert.NotZero(t, rss)
}
