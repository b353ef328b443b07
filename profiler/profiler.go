package profiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/estesp/enclavebench/collector"
	"github.com/estesp/enclavebench/config"
	"github.com/estesp/enclavebench/driver"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Attacher runs the sample iterations of a task
type Attacher interface {
	Attach(ctx context.Context, task collector.Task) ([]collector.Result, error)
	Stopped() bool
}

// Options are the parameters of the configuration matrix
type Options struct {
	OutputDirectory string
	NumThreads      []int
	EnclaveSizes    []string
	Debug           bool
}

// OptionsFromGlobals derives the profiler options of a workload
func OptionsFromGlobals(g config.Globals) Options {
	return Options{
		OutputDirectory: g.OutputDirectory,
		NumThreads:      g.NumThreads,
		EnclaveSizes:    g.EnclaveSize,
		Debug:           g.Debug,
	}
}

// Profiler runs every task of a workload across thread counts, enclave sizes
// and storage types
type Profiler struct {
	opts    Options
	keyPath string

	collector Attacher
	builder   EnclaveBuilder
	enclave   driver.Driver
	native    driver.Driver
}

// New creates the output directory, which must not exist yet, and the enclave
// signing key inside it. A nil enclave driver disables all enclave runs.
func New(ctx context.Context, opts Options, c Attacher, builder EnclaveBuilder, enclave driver.Driver) (*Profiler, error) {
	if err := os.Mkdir(opts.OutputDirectory, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating output directory")
	}

	p := &Profiler{
		opts:      opts,
		collector: c,
		builder:   builder,
		enclave:   enclave,
		native:    driver.NewNativeDriver(),
	}
	if p.enclaveRuns() {
		p.keyPath = filepath.Join(opts.OutputDirectory, PrivateKeyFile)
		if err := builder.GenerateKey(ctx, p.keyPath); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Profiler) enclaveRuns() bool {
	return p.enclave != nil && p.builder != nil && len(p.opts.EnclaveSizes) > 0
}

// Profile runs the enclave matrix of task followed by its native runs
func (p *Profiler) Profile(ctx context.Context, task config.Task) error {
	program := filepath.Base(task.Executable)
	taskDir := filepath.Join(p.opts.OutputDirectory, program)
	logger := log.WithField("program", program)

	if p.enclaveRuns() {
		for _, threads := range p.opts.NumThreads {
			for _, size := range p.opts.EnclaveSizes {
				if p.collector.Stopped() {
					return nil
				}
				if err := p.profileEnclave(ctx, task, taskDir, threads, size); err != nil {
					return err
				}
			}
		}
	} else {
		logger.Info("enclave runs disabled")
	}

	for _, threads := range p.opts.NumThreads {
		if p.collector.Stopped() {
			return nil
		}
		name := fmt.Sprintf("%s-%d", program, threads)
		expDir := filepath.Join(taskDir, driver.TypeToString(driver.Native), name)
		storage := filepath.Join(expDir, "storage")
		if err := os.MkdirAll(storage, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", storage)
		}

		vars := ArgVars{
			NumThreads:       threads,
			OutputDirectory:  storage,
			StorageDirectory: storage,
		}
		run, err := p.task(p.native, task.Executable, task, vars, expDir)
		if err != nil {
			return err
		}
		logger.Infof("profiling %s natively", name)
		if _, err := p.collector.Attach(ctx, run); err != nil {
			return errors.Wrapf(err, "profiling %s", name)
		}
	}
	return nil
}

func (p *Profiler) profileEnclave(ctx context.Context, task config.Task, taskDir string, threads int, size string) error {
	program := filepath.Base(task.Executable)
	name := fmt.Sprintf("%s-%d-%s", program, threads, size)
	expDir := filepath.Join(taskDir, driver.TypeToString(p.enclave.Type()), name)
	if err := os.MkdirAll(expDir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", expDir)
	}

	enclave, err := p.builder.Build(ctx, BuildRequest{
		Executable:     task.Executable,
		ExperimentDir:  expDir,
		NumThreads:     threads,
		EnclaveSize:    size,
		CustomManifest: task.CustomManifestPath,
		Debug:          p.opts.Debug,
		KeyPath:        p.keyPath,
	})
	if err != nil {
		return errors.Wrapf(err, "building enclave %s", name)
	}

	for _, st := range task.StorageType {
		vars := ArgVars{
			NumThreads:       threads,
			OutputDirectory:  st.MountPoint(),
			StorageDirectory: storageDirectory(enclave, st),
		}
		resultDir := filepath.Join(expDir, fmt.Sprintf("%s-%s", name, st))
		run, err := p.task(p.enclave, enclave.ManifestPath, task, vars, resultDir)
		if err != nil {
			return err
		}
		log.WithField("program", program).Infof("profiling %s on %s storage", name, st)
		if _, err := p.collector.Attach(ctx, run); err != nil {
			return errors.Wrapf(err, "profiling %s", name)
		}
		if p.collector.Stopped() {
			return nil
		}
	}
	return nil
}

func storageDirectory(e *Enclave, st config.StorageType) string {
	switch st {
	case config.Encrypted:
		return e.EncryptedPath
	case config.Tmpfs:
		return config.Tmpfs.MountPoint()
	default:
		return e.UntrustedPath
	}
}

// task expands the arguments of t for one collector task
func (p *Profiler) task(drv driver.Driver, program string, t config.Task, vars ArgVars, dir string) (collector.Task, error) {
	args, err := ExpandArgs(t.Args, vars)
	if err != nil {
		return collector.Task{}, err
	}
	run := collector.Task{
		Driver:          drv,
		Program:         program,
		Args:            args,
		Env:             []string{"OMP_NUM_THREADS=" + strconv.Itoa(vars.NumThreads)},
		OutputDirectory: dir,
	}

	if t.PreRunExecutable != "" {
		preArgs, err := ExpandArgs(t.PreRunArgs, vars)
		if err != nil {
			return collector.Task{}, err
		}
		run.PreRun = &collector.Command{Path: t.PreRunExecutable, Args: preArgs}
	}
	if t.PostRunExecutable != "" {
		postArgs, err := ExpandArgs(t.PostRunArgs, vars)
		if err != nil {
			return collector.Task{}, err
		}
		run.PostRun = &collector.Command{Path: t.PostRunExecutable, Args: postArgs}
	}
	return run, nil
}
