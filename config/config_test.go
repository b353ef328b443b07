package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/estesp/enclavebench/probe"
	"github.com/estesp/enclavebench/stats"
	"github.com/estesp/enclavebench/tracer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullWorkload = `
globals:
  sample_size: 3
  num_threads: [1, 2]
  enclave_size: ["64M", "128M"]
  output_directory: /tmp/results
  extra_perf_events: [page-faults]
  debug: true
  deep_trace: true
  energy_sample_interval: 100ms
tasks:
  - executable: /bin/ls
    storage_type: []
  - executable: /usr/bin/dd
    args: ["if=/dev/zero", "of={{.output_directory}}/out", "count=10"]
    storage_type: [tmpfs, encrypted]
    pre_run_executable: /bin/sync
`

func TestParseWorkload(t *testing.T) {
	w, err := Parse([]byte(fullWorkload))
	require.NoError(t, err)

	g := w.Globals
	assert.Equal(t, 3, g.SampleSize)
	assert.Equal(t, []int{1, 2}, g.NumThreads)
	assert.Equal(t, []string{"64M", "128M"}, g.EnclaveSize)
	assert.Equal(t, []string{"page-faults"}, g.ExtraPerfEvents)
	assert.True(t, g.Debug)
	assert.True(t, g.DeepTrace)
	assert.False(t, g.FailFast)
	assert.Equal(t, 100*time.Millisecond, g.EnergySampleInterval.Duration)
	assert.Equal(t, DefaultPerfBinary, g.PerfBinary)
	assert.Equal(t, DefaultTracerObject, g.TracerObject)
	assert.Equal(t, DefaultPartitionsFile, g.PartitionsFile)
	assert.Equal(t, DefaultRAPLRoot, g.RAPLRoot)

	require.Len(t, w.Tasks, 2)
	assert.Equal(t, []StorageType{Untrusted}, w.Tasks[0].StorageType)
	assert.Equal(t, []StorageType{Tmpfs, Encrypted}, w.Tasks[1].StorageType)
	assert.Equal(t, "/bin/sync", w.Tasks[1].PreRunExecutable)
	assert.Len(t, w.Tasks[1].Args, 3)
}

func TestDefaultEnergyInterval(t *testing.T) {
	w, err := Parse([]byte(`
globals:
  sample_size: 1
  num_threads: [1]
  output_directory: /tmp/out
tasks:
  - executable: /bin/true
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultEnergySampleInterval, w.Globals.EnergySampleInterval.Duration)
	assert.Empty(t, w.Globals.EnclaveSize)
	assert.Equal(t, []StorageType{Untrusted}, w.Tasks[0].StorageType)
}

func TestDefaultsMatchCollectors(t *testing.T) {
	w, err := Parse([]byte(`
globals:
  sample_size: 1
  num_threads: [1]
  output_directory: /tmp/out
tasks:
  - executable: /bin/true
`))
	require.NoError(t, err)
	g := w.Globals
	assert.Equal(t, probe.DefaultEnergyInterval, g.EnergySampleInterval.Duration)
	assert.Equal(t, probe.DefaultPerfBinary, g.PerfBinary)
	assert.Equal(t, tracer.DefaultObjectPath, g.TracerObject)
	assert.Equal(t, stats.DefaultPartitionsFile, g.PartitionsFile)
	assert.Equal(t, probe.DefaultRAPLRoot, g.RAPLRoot)
}

func TestInvalidStorageType(t *testing.T) {
	_, err := Parse([]byte(`
globals:
  sample_size: 1
  num_threads: [1]
  output_directory: /test
tasks:
  - executable: /bin/ls
    storage_type: [invalid_storage_type, tmpfs]
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidStorageType))
}

func TestValidate(t *testing.T) {
	tests := map[string]string{
		"no sample size": `
globals: {num_threads: [1], output_directory: /o}
tasks: [{executable: /bin/ls}]`,
		"no threads": `
globals: {sample_size: 1, output_directory: /o}
tasks: [{executable: /bin/ls}]`,
		"no output": `
globals: {sample_size: 1, num_threads: [1]}
tasks: [{executable: /bin/ls}]`,
		"no executable": `
globals: {sample_size: 1, num_threads: [1], output_directory: /o}
tasks: [{args: [a]}]`,
		"bad duration": `
globals: {sample_size: 1, num_threads: [1], output_directory: /o, energy_sample_interval: soon}
tasks: [{executable: /bin/ls}]`,
	}
	for name, doc := range tests {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}

	_, err := Parse([]byte(`globals: {sample_size: 1, num_threads: [1], output_directory: /o}`))
	assert.True(t, errors.Is(err, ErrNoTasks))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullWorkload), 0644))

	w, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, w.Tasks, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStorageMountPoints(t *testing.T) {
	assert.Equal(t, "/encrypted/", Encrypted.MountPoint())
	assert.Equal(t, "/untrusted/", Untrusted.MountPoint())
	assert.Equal(t, "/tmp", Tmpfs.MountPoint())
}
