package profiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/estesp/enclavebench/driver"
	"github.com/estesp/enclavebench/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Gramine tools used to build and sign enclaves
const (
	GenPrivateKeyBinary = "gramine-sgx-gen-private-key"
	ManifestBinary      = "gramine-manifest"
	SignBinary          = "gramine-sgx-sign"
)

// PrivateKeyFile is the name of the signing key in the output directory
const PrivateKeyFile = "private_key.pem"

// DefaultManifest is the template enclaves are built from unless a task
// brings its own. It is rendered by gramine-manifest.
const DefaultManifest = `libos.entrypoint = "{{ executable }}"
loader.log_level = "{{ debug }}"

loader.env.LD_LIBRARY_PATH = "/lib:{{ arch_libdir }}:/usr/lib"
loader.env.OMP_NUM_THREADS = "{{ num_threads }}"
loader.insecure__use_cmdline_argv = true

fs.mounts = [
  { path = "/lib", uri = "file:{{ gramine.runtimedir() }}" },
  { path = "/usr/lib", uri = "file:/usr/lib" },
  { path = "{{ arch_libdir }}", uri = "file:{{ arch_libdir }}" },
  { path = "{{ executable }}", uri = "file:{{ executable }}" },
  { type = "tmpfs", path = "/tmp/" },
  { type = "encrypted", path = "/encrypted/", uri = "file:{{ encrypted_path }}/", key_name = "default" },
  { path = "/untrusted/", uri = "file:{{ untrusted_path }}/" },
  { path = "/etc/passwd", uri = "file:/etc/passwd" }
]

fs.insecure__keys.default = "ffeeddccbbaa99887766554433221100"

sgx.debug = true
sgx.profile.mode = "ocall_outer"
sgx.enable_stats = true
sys.enable_sigterm_injection = true
sgx.enclave_size = "{{ enclave_size }}"
sgx.max_threads = {{ num_threads_sgx }}
sgx.edmm_enable = {{ 'true' if env.get('EDMM', '0') == '1' else 'false' }}

sgx.trusted_files = [
  "file:{{ executable }}",
  "file:{{ gramine.runtimedir( libc ) }}/",
  "file:{{ executable_path }}/",
  "file:{{ arch_libdir }}/",
  "file:/usr/{{ arch_libdir }}/",
  "file:/etc/passwd"
]

sgx.allowed_files = [
  "file:{{ untrusted_path }}/",
]
`

// BuildRequest describes one enclave build
type BuildRequest struct {
	Executable    string
	ExperimentDir string
	NumThreads    int
	EnclaveSize   string
	// CustomManifest replaces DefaultManifest when set
	CustomManifest string
	Debug          bool
	KeyPath        string
}

// Enclave is a built and signed enclave
type Enclave struct {
	// ManifestPath is the signed manifest, ending in driver.ManifestSuffix
	ManifestPath string
	// EncryptedPath and UntrustedPath are the host directories backing the
	// enclave mounts
	EncryptedPath string
	UntrustedPath string
}

// EnclaveBuilder prepares enclaves for the enclave driver
type EnclaveBuilder interface {
	// GenerateKey creates the signing key at path
	GenerateKey(ctx context.Context, path string) error
	// Build renders, expands and signs the manifest of an executable
	Build(ctx context.Context, req BuildRequest) (*Enclave, error)
}

// GramineBuilder builds enclaves with the gramine command line tools
type GramineBuilder struct {
	GenKey   string
	Manifest string
	Sign     string
	// ArchLibDir and Libc describe the host C library
	ArchLibDir string
	Libc       string
}

// NewGramineBuilder creates a builder for a glibc host
func NewGramineBuilder() *GramineBuilder {
	return &GramineBuilder{
		GenKey:     GenPrivateKeyBinary,
		Manifest:   ManifestBinary,
		Sign:       SignBinary,
		ArchLibDir: "/lib/x86_64-linux-gnu/",
		Libc:       "glibc",
	}
}

// GenerateKey creates a new enclave signing key
func (b *GramineBuilder) GenerateKey(ctx context.Context, path string) error {
	out, err := utils.ExecCmdArgs(ctx, b.GenKey, []string{"-f", path})
	if err != nil {
		return errors.Wrapf(err, "generating signing key: %s", out)
	}
	return nil
}

// Build writes <name>.manifest and the signed <name>.manifest.sgx into the
// experiment directory
func (b *GramineBuilder) Build(ctx context.Context, req BuildRequest) (*Enclave, error) {
	name := filepath.Base(req.Executable)
	executable, err := filepath.Abs(req.Executable)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", req.Executable)
	}

	encrypted := filepath.Join(req.ExperimentDir, "encrypted")
	untrusted := filepath.Join(req.ExperimentDir, "untrusted")
	for _, dir := range []string{encrypted, untrusted} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", dir)
		}
	}
	if encrypted, err = filepath.Abs(encrypted); err != nil {
		return nil, err
	}
	if untrusted, err = filepath.Abs(untrusted); err != nil {
		return nil, err
	}

	manifestTemplate := DefaultManifest
	if req.CustomManifest != "" {
		data, err := os.ReadFile(req.CustomManifest)
		if err != nil {
			return nil, errors.Wrapf(err, "reading custom manifest %s", req.CustomManifest)
		}
		manifestTemplate = string(data)
	}
	templatePath := filepath.Join(req.ExperimentDir, name+".manifest.template")
	if err := os.WriteFile(templatePath, []byte(manifestTemplate), 0644); err != nil {
		return nil, errors.Wrapf(err, "writing %s", templatePath)
	}

	debug := "none"
	if req.Debug {
		debug = "debug"
	}
	defines := [][2]string{
		{"arch_libdir", b.ArchLibDir},
		{"executable", executable},
		{"enclave_size", req.EnclaveSize},
		{"num_threads", strconv.Itoa(req.NumThreads)},
		{"num_threads_sgx", strconv.Itoa(req.NumThreads + 4)},
		{"encrypted_path", encrypted},
		{"untrusted_path", untrusted},
		{"tmpfs_path", "/tmp"},
		{"start_directory", req.ExperimentDir},
		{"executable_path", filepath.Dir(executable)},
		{"debug", debug},
		{"libc", b.Libc},
	}
	manifest := filepath.Join(req.ExperimentDir, name+".manifest")
	args := make([]string, 0, len(defines)+2)
	for _, d := range defines {
		args = append(args, fmt.Sprintf("-D%s=%s", d[0], d[1]))
	}
	args = append(args, templatePath, manifest)

	if out, err := utils.ExecCmdArgs(ctx, b.Manifest, args); err != nil {
		return nil, errors.Wrapf(err, "rendering manifest: %s", out)
	}
	log.Debugf("rendered manifest %s", manifest)

	signed := filepath.Join(req.ExperimentDir, name+driver.ManifestSuffix)
	out, err := utils.ExecCmdArgs(ctx, b.Sign, []string{
		"--manifest", manifest,
		"--output", signed,
		"--key", req.KeyPath,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "signing manifest: %s", out)
	}
	log.Debugf("signed manifest %s", signed)

	return &Enclave{
		ManifestPath:  signed,
		EncryptedPath: encrypted,
		UntrustedPath: untrusted,
	}, nil
}
