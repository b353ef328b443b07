package driver

import (
	"context"
	"os/exec"
)

// NativeDriver starts the target program directly
type NativeDriver struct{}

// NewNativeDriver creates an instance of the native driver
func NewNativeDriver() *NativeDriver {
	return &NativeDriver{}
}

// Type returns a driver.Type to indentify the driver implementation
func (d *NativeDriver) Type() Type {
	return Native
}

// Info returns a description of the driver
func (d *NativeDriver) Info(ctx context.Context) (string, error) {
	return "native driver (no enclave)", nil
}

// Path is empty, programs are not started through a loader
func (d *NativeDriver) Path() string {
	return ""
}

// Enclave is always false for native executions
func (d *NativeDriver) Enclave() bool {
	return false
}

// Command prepares program to be run as is
func (d *NativeDriver) Command(program string, args []string, env []string) *exec.Cmd {
	return command(program, args, env)
}
