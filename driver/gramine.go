package driver

import (
	"context"
	"os/exec"
	"strings"

	"github.com/estesp/enclavebench/utils"
	log "github.com/sirupsen/logrus"
)

// DefaultGramineBinary is the enclave loader
const DefaultGramineBinary = "gramine-sgx"

// ManifestSuffix is the extension of signed enclave manifests
const ManifestSuffix = ".manifest.sgx"

// GramineDriver is an implementation of the driver interface for the gramine
// SGX loader
type GramineDriver struct {
	gramineBinary string
}

// NewGramineDriver creates an instance of the gramine driver, providing a path
// to the loader
func NewGramineDriver(binaryPath string) (Driver, error) {
	if binaryPath == "" {
		binaryPath = DefaultGramineBinary
	}
	resolvedBinPath, err := utils.ResolveBinary(binaryPath)
	if err != nil {
		return &GramineDriver{}, err
	}
	driver := &GramineDriver{
		gramineBinary: resolvedBinPath,
	}
	return driver, nil
}

// Type returns a driver.Type to indentify the driver implementation
func (d *GramineDriver) Type() Type {
	return GramineSGX
}

// Info returns the loader path and version
func (d *GramineDriver) Info(ctx context.Context) (string, error) {
	info := "gramine-sgx driver (binary: " + d.gramineBinary + ")\n"
	versionInfo, err := utils.ExecCmd(ctx, d.gramineBinary, "--version")
	if err != nil {
		log.Warnf("error trying to get gramine version info: %v", err)
	} else {
		info = info + versionInfo
	}
	return info, nil
}

// Path returns the resolved loader binary
func (d *GramineDriver) Path() string {
	return d.gramineBinary
}

// Enclave is always true for gramine executions
func (d *GramineDriver) Enclave() bool {
	return true
}

// Command prepares the loader invocation for program, the path of the signed
// manifest with or without its extension
func (d *GramineDriver) Command(program string, args []string, env []string) *exec.Cmd {
	loaderArgs := append([]string{strings.TrimSuffix(program, ManifestSuffix)}, args...)
	return command(d.gramineBinary, loaderArgs, env)
}
