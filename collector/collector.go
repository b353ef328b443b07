package collector

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/estesp/enclavebench/driver"
	"github.com/estesp/enclavebench/output"
	"github.com/estesp/enclavebench/probe"
	"github.com/estesp/enclavebench/stats"
	"github.com/estesp/enclavebench/tracer"
	"github.com/estesp/enclavebench/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// State represents the state of a collector
type State int32

// State constants
const (
	// Idle represents a collector not attached to any task
	Idle State = iota
	// Running represents a collector executing sample iterations
	Running
	// DeepTracing represents a collector executing the extended tracing run
	DeepTracing
	// Done represents a collector that finished its last task
	Done
)

// DeepTraceDir is the run directory of the extended tracing run
const DeepTraceDir = "deep-trace"

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case DeepTracing:
		return "deep-tracing"
	case Done:
		return "done"
	}
	return "(unknown)"
}

// Config holds the settings shared by every run of a collector
type Config struct {
	SampleSize           int
	DeepTrace            bool
	FailFast             bool
	EnergySampleInterval time.Duration
	PerfBinary           string
	ExtraPerfEvents      []string
	TracerObject         string
	PartitionsFile       string
	RAPLRoot             string
}

// Command is an external command run around each iteration
type Command struct {
	Path string
	Args []string
}

// Task describes the program a collector is attached to
type Task struct {
	Driver  driver.Driver
	Program string
	Args    []string
	Env     []string

	PreRun  *Command
	PostRun *Command

	// OutputDirectory receives one directory per run
	OutputDirectory string
}

// Result is the merged record of a completed run
type Result struct {
	Iteration int
	DeepTrace bool
	Dir       string
	Metrics   *stats.Metrics
}

// Collector runs a task repeatedly and gathers the metrics of each run
type Collector struct {
	cfg Config

	newTracer  tracer.Factory
	counters   probe.CounterRunner
	writer     output.Writer
	partitions *stats.PartitionIndex
	domains    []probe.Domain
	newSampler func(pid int) (stats.Sampler, error)

	watchInterval time.Duration

	state   atomic.Int32
	stopped atomic.Bool
}

// Option customises a Collector
type Option func(*Collector)

// WithTracerFactory replaces the kernel tracer loaded from the tracer object
func WithTracerFactory(f tracer.Factory) Option {
	return func(c *Collector) { c.newTracer = f }
}

// WithCounterRunner replaces the perf based hardware counter collection
func WithCounterRunner(r probe.CounterRunner) Option {
	return func(c *Collector) { c.counters = r }
}

// WithWriter replaces the csv output writer
func WithWriter(w output.Writer) Option {
	return func(c *Collector) { c.writer = w }
}

// WithPartitions replaces the partition index loaded from the partitions file
func WithPartitions(idx *stats.PartitionIndex) Option {
	return func(c *Collector) { c.partitions = idx }
}

// WithEnergyDomains replaces the discovered RAPL domains
func WithEnergyDomains(domains []probe.Domain) Option {
	return func(c *Collector) { c.domains = domains }
}

// WithSampler replaces the gopsutil process sampler
func WithSampler(f func(pid int) (stats.Sampler, error)) Option {
	return func(c *Collector) { c.newSampler = f }
}

// WithWatchInterval changes how often the child is checked
func WithWatchInterval(d time.Duration) Option {
	return func(c *Collector) { c.watchInterval = d }
}

// New creates a collector. Partitions and energy domains are discovered once
// here unless provided as options.
func New(cfg Config, opts ...Option) *Collector {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 1
	}
	if cfg.EnergySampleInterval <= 0 {
		cfg.EnergySampleInterval = probe.DefaultEnergyInterval
	}

	c := &Collector{
		cfg:           cfg,
		newSampler:    stats.NewSampler,
		watchInterval: WatchInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.newTracer == nil {
		c.newTracer = tracer.NewBPFFactory(cfg.TracerObject)
	}
	if c.counters == nil {
		c.counters = probe.NewPerfRunner(cfg.PerfBinary, cfg.ExtraPerfEvents)
	}
	if c.writer == nil {
		c.writer = output.NewCSVWriter()
	}
	if c.partitions == nil {
		path := cfg.PartitionsFile
		if path == "" {
			path = stats.DefaultPartitionsFile
		}
		idx, err := stats.LoadPartitions(path)
		if err != nil {
			log.WithError(err).Warn("no partition index; disks will be reported as unknown devices")
			idx = stats.NewPartitionIndex()
		}
		c.partitions = idx
	}
	if c.domains == nil {
		root := cfg.RAPLRoot
		if root == "" {
			root = probe.DefaultRAPLRoot
		}
		c.domains = probe.DiscoverRAPL(root)
	}

	log.Debugf("collector: sample_size=%d energy_sample_interval=%s partitions=%d energy_domains=%d",
		cfg.SampleSize, cfg.EnergySampleInterval, len(c.partitions.Partitions()), len(c.domains))
	return c
}

// State returns the current collector state
func (c *Collector) State() State {
	return State(c.state.Load())
}

func (c *Collector) setState(s State) {
	c.state.Store(int32(s))
}

// Stop ends the active run and skips all further iterations. It is safe to
// call from any goroutine.
func (c *Collector) Stop() {
	if !c.stopped.Swap(true) {
		log.Info("collector stop requested")
	}
}

// Stopped reports whether Stop was called
func (c *Collector) Stopped() bool {
	return c.stopped.Load()
}

// Attach runs the sample iterations of task followed by the optional deep
// trace run, and returns the records of the runs that completed. Setup
// failures of a run are only returned when the collector fails fast.
func (c *Collector) Attach(ctx context.Context, task Task) ([]Result, error) {
	defer c.setState(Done)

	var results []Result
	for n := 1; n <= c.cfg.SampleSize; n++ {
		if c.interrupted(ctx) {
			log.Infof("collection interrupted before iteration %d", n)
			return results, nil
		}
		c.setState(Running)

		dir := filepath.Join(task.OutputDirectory, strconv.Itoa(n))
		res, err := c.iteration(ctx, task, dir, false)
		if err != nil {
			return results, err
		}
		if res != nil {
			res.Iteration = n
			results = append(results, *res)
		}
	}

	if !c.cfg.DeepTrace || c.interrupted(ctx) {
		return results, nil
	}

	c.setState(DeepTracing)
	log.Trace("entering deep trace; this may take some time...")
	res, err := c.iteration(ctx, task, filepath.Join(task.OutputDirectory, DeepTraceDir), true)
	if err != nil {
		return results, err
	}
	if res != nil {
		res.DeepTrace = true
		results = append(results, *res)
	}
	log.Trace("deep trace finished")
	return results, nil
}

func (c *Collector) interrupted(ctx context.Context) bool {
	return c.Stopped() || ctx.Err() != nil
}

// iteration executes a single run in dir. A nil result without error means
// the run produced no metrics.
func (c *Collector) iteration(ctx context.Context, task Task, dir string, deepTrace bool) (*Result, error) {
	logger := log.WithFields(log.Fields{"program": task.Program, "dir": dir})

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating run directory %s", dir)
	}

	c.runCommand(ctx, task.PreRun)

	metrics, err := c.run(ctx, task, deepTrace)

	c.runCommand(ctx, task.PostRun)

	if err != nil {
		logger.WithError(err).Error("run aborted")
		if c.cfg.FailFast {
			return nil, err
		}
		return nil, nil
	}
	if metrics == nil {
		return nil, nil
	}

	if err := c.writer.Write(dir, metrics); err != nil {
		logger.WithError(err).Error("cannot write metrics")
		if c.cfg.FailFast {
			return nil, err
		}
	}
	return &Result{Dir: dir, Metrics: metrics}, nil
}

// runCommand runs a pre or post run command; failures never stop the run
func (c *Collector) runCommand(ctx context.Context, cmd *Command) {
	if cmd == nil || cmd.Path == "" {
		return
	}
	code, err := utils.RunQuiet(ctx, cmd.Path, cmd.Args)
	if err != nil {
		log.WithError(err).Warnf("command %s could not be run", cmd.Path)
		return
	}
	if code != 0 {
		log.Warnf("command %q exited with status %d", cmd.Path, code)
	}
}
