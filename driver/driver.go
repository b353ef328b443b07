package driver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Type represents the know implementations of the driver interface
type Type int

const (
	// Native runs the target program as a plain process
	Native Type = iota
	// GramineSGX runs the target program inside an SGX enclave through the
	// gramine-sgx loader
	GramineSGX
)

// SkipEnclaveEnv disables enclave executions when set to 1, for hosts without
// SGX hardware
const SkipEnclaveEnv = "EB_SKIP_SGX"

// Driver is an interface for the ways a target program can be executed
type Driver interface {

	// Type returns a driver type to identify the driver
	Type() Type

	// Info returns a string with information about the execution environment
	Info(ctx context.Context) (string, error)

	// Path returns the loader binary used to start programs, empty when the
	// program is started directly
	Path() string

	// Enclave returns whether programs run inside an enclave
	Enclave() bool

	// Command prepares the execution of program with args. env entries of the
	// form KEY=value are added to the current environment.
	Command(program string, args []string, env []string) *exec.Cmd
}

// New creates a driver instance of a specific type
func New(driverType Type, path string) (Driver, error) {
	switch driverType {
	case Native:
		return NewNativeDriver(), nil
	case GramineSGX:
		return NewGramineDriver(path)
	default:
		return nil, fmt.Errorf("no such driver type: %v", driverType)
	}
}

// TypeToString converts a driver Type into its string representation
func TypeToString(dtype Type) string {
	var driverType string
	switch dtype {
	case Native:
		driverType = "no-gramine-sgx"
	case GramineSGX:
		driverType = "gramine-sgx"
	default:
		driverType = "(unknown)"
	}
	return driverType
}

// StringToType converts a driver stringified typename into its Type
func StringToType(dtype string) Type {
	var driverType Type
	switch dtype {
	case "no-gramine-sgx", "native":
		driverType = Native
	case "gramine-sgx":
		driverType = GramineSGX
	default:
		driverType = -1
	}
	return driverType
}

// SkipEnclave reports whether enclave executions are disabled on this host
func SkipEnclave() bool {
	return os.Getenv(SkipEnclaveEnv) == "1"
}

func command(bin string, args, env []string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd
}
