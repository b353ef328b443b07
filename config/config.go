package config

import (
	"fmt"
	"os"
	"time"

	"github.com/estesp/enclavebench/probe"
	"github.com/estesp/enclavebench/stats"
	"github.com/estesp/enclavebench/tracer"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidStorageType is returned for a storage type other than
	// encrypted, tmpfs or untrusted
	ErrInvalidStorageType = errors.New("invalid storage type")

	// ErrNoTasks is returned for a workload without any task
	ErrNoTasks = errors.New("workload has no tasks")
)

// Defaults applied to unset globals
const (
	DefaultEnergySampleInterval = probe.DefaultEnergyInterval
	DefaultPerfBinary           = probe.DefaultPerfBinary
	DefaultTracerObject         = tracer.DefaultObjectPath
	DefaultPartitionsFile       = stats.DefaultPartitionsFile
	DefaultRAPLRoot             = probe.DefaultRAPLRoot
)

// StorageType is where an enclave execution keeps its files
type StorageType string

const (
	// Encrypted files are transparently encrypted by the enclave loader
	Encrypted StorageType = "encrypted"
	// Tmpfs files live in enclave memory
	Tmpfs StorageType = "tmpfs"
	// Untrusted files are plain host files
	Untrusted StorageType = "untrusted"
)

// MountPoint returns the path under which the storage is visible inside the
// enclave
func (s StorageType) MountPoint() string {
	switch s {
	case Encrypted:
		return "/encrypted/"
	case Tmpfs:
		return "/tmp"
	default:
		return "/untrusted/"
	}
}

func (s StorageType) String() string {
	return string(s)
}

// ParseStorageType validates a storage type name
func ParseStorageType(name string) (StorageType, error) {
	switch st := StorageType(name); st {
	case Encrypted, Tmpfs, Untrusted:
		return st, nil
	}
	return "", errors.Wrapf(ErrInvalidStorageType, "%q", name)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for StorageType
func (s *StorageType) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	st, err := ParseStorageType(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Duration wraps time.Duration to accept strings such as "500ms" in YAML
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Globals are the settings shared by every task of a workload
type Globals struct {
	SampleSize           int      `yaml:"sample_size"`
	NumThreads           []int    `yaml:"num_threads"`
	EnclaveSize          []string `yaml:"enclave_size"`
	OutputDirectory      string   `yaml:"output_directory"`
	ExtraPerfEvents      []string `yaml:"extra_perf_events"`
	Debug                bool     `yaml:"debug"`
	DeepTrace            bool     `yaml:"deep_trace"`
	FailFast             bool     `yaml:"fail_fast"`
	EnergySampleInterval Duration `yaml:"energy_sample_interval"`
	PerfBinary           string   `yaml:"perf_binary"`
	TracerObject         string   `yaml:"tracer_object"`
	PartitionsFile       string   `yaml:"partitions_file"`
	RAPLRoot             string   `yaml:"rapl_root"`
}

// Task is a program to profile
type Task struct {
	Executable         string        `yaml:"executable"`
	Args               []string      `yaml:"args"`
	CustomManifestPath string        `yaml:"custom_manifest_path"`
	StorageType        []StorageType `yaml:"storage_type"`
	PreRunExecutable   string        `yaml:"pre_run_executable"`
	PreRunArgs         []string      `yaml:"pre_run_args"`
	PostRunExecutable  string        `yaml:"post_run_executable"`
	PostRunArgs        []string      `yaml:"post_run_args"`
}

// Workload is the content of a workload definition file
type Workload struct {
	Globals Globals `yaml:"globals"`
	Tasks   []Task  `yaml:"tasks"`
}

// Load reads and validates the workload definition at path
func Load(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read YAML file %q", path)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "can't load YAML file %q", path)
	}
	return w, nil
}

// Parse decodes a workload definition, applies defaults and validates it
func Parse(data []byte) (*Workload, error) {
	var w Workload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "can't unmarshal workload")
	}
	w.applyDefaults()
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func (w *Workload) applyDefaults() {
	g := &w.Globals
	if g.EnergySampleInterval.Duration <= 0 {
		g.EnergySampleInterval.Duration = DefaultEnergySampleInterval
	}
	if g.PerfBinary == "" {
		g.PerfBinary = DefaultPerfBinary
	}
	if g.TracerObject == "" {
		g.TracerObject = DefaultTracerObject
	}
	if g.PartitionsFile == "" {
		g.PartitionsFile = DefaultPartitionsFile
	}
	if g.RAPLRoot == "" {
		g.RAPLRoot = DefaultRAPLRoot
	}
	for i := range w.Tasks {
		if len(w.Tasks[i].StorageType) == 0 {
			w.Tasks[i].StorageType = []StorageType{Untrusted}
		}
	}
}

// Validate checks the workload for settings no run could use
func (w *Workload) Validate() error {
	g := w.Globals
	if g.SampleSize <= 0 {
		return errors.Errorf("sample_size must be positive, got %d", g.SampleSize)
	}
	if len(g.NumThreads) == 0 {
		return errors.New("num_threads must list at least one thread count")
	}
	for _, t := range g.NumThreads {
		if t <= 0 {
			return errors.Errorf("num_threads entries must be positive, got %d", t)
		}
	}
	if g.OutputDirectory == "" {
		return errors.New("output_directory is required")
	}
	if len(w.Tasks) == 0 {
		return ErrNoTasks
	}
	for i, t := range w.Tasks {
		if t.Executable == "" {
			return errors.Errorf("task %d has no executable", i)
		}
		for _, st := range t.StorageType {
			if _, err := ParseStorageType(string(st)); err != nil {
				return errors.Wrapf(err, "task %d", i)
			}
		}
	}
	return nil
}
