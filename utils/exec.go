//go:build !windows

package utils

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ResolveBinary finds a binary name along the path and evaluates any symlinks
func ResolveBinary(binname string) (string, error) {
	binaryPath, err := exec.LookPath(binname)
	if err != nil {
		return "", err
	}
	resolvedPath, err := filepath.EvalSymlinks(binaryPath)
	if err != nil {
		return "", err
	}
	return resolvedPath, nil
}

// ExecCmd executes a command and returns the combined err/out output and any errors
func ExecCmd(ctx context.Context, cmd, args string) (string, error) {
	return ExecCmdArgs(ctx, cmd, strings.Fields(args))
}

// ExecCmdArgs is ExecCmd with already split arguments
func ExecCmdArgs(ctx context.Context, cmd string, args []string) (string, error) {
	execCmd := exec.CommandContext(ctx, cmd, args...)
	out, err := execCmd.CombinedOutput()
	return string(out), errors.Wrapf(err, "exec failed: %s %s", cmd, strings.Join(args, " "))
}

// RunQuiet executes a command discarding its output and returns its exit
// code. The error is only set when the command could not be run at all.
func RunQuiet(ctx context.Context, cmd string, args []string) (int, error) {
	execCmd := exec.CommandContext(ctx, cmd, args...)
	execCmd.Stdin = nil
	execCmd.Stdout = nil
	execCmd.Stderr = nil

	err := execCmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, errors.Wrapf(err, "exec failed: %s %s", cmd, strings.Join(args, " "))
	}
	return 0, nil
}
