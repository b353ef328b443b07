package collector

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/estesp/enclavebench/driver"
	"github.com/estesp/enclavebench/output"
	"github.com/estesp/enclavebench/probe"
	"github.com/estesp/enclavebench/stats"
	"github.com/estesp/enclavebench/tracer"
	"github.com/estesp/enclavebench/tracer/tracertest"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounters struct {
	mu   sync.Mutex
	pids []int
}

func (f *fakeCounters) Run(ctx context.Context, pid int) []byte {
	f.mu.Lock()
	f.pids = append(f.pids, pid)
	f.mu.Unlock()
	return []byte("1000,,cpu-cycles\n")
}

type enclaveDriver struct {
	*driver.NativeDriver
}

func (d enclaveDriver) Type() driver.Type { return driver.GramineSGX }
func (d enclaveDriver) Enclave() bool     { return true }

type fixedSampler struct{}

func (fixedSampler) Query() (*stats.ProcSample, error) {
	return &stats.ProcSample{Timestamp: 1, RSS: 4096, CPU: 50}, nil
}

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, v))
	return buf.Bytes()
}

func newTestCollector(t *testing.T, cfg Config, fake *tracertest.Tracer, opts ...Option) *Collector {
	t.Helper()
	base := []Option{
		WithTracerFactory(fake.Factory()),
		WithCounterRunner(&fakeCounters{}),
		WithPartitions(stats.NewPartitionIndex(stats.Partition{Name: "sda", Dev: stats.DeviceID(8, 0)})),
		WithEnergyDomains([]probe.Domain{}),
		WithSampler(func(int) (stats.Sampler, error) { return fixedSampler{}, nil }),
		WithWatchInterval(10 * time.Millisecond),
	}
	return New(cfg, append(base, opts...)...)
}

func shellTask(t *testing.T, script string) Task {
	return Task{
		Driver:          driver.NewNativeDriver(),
		Program:         "/bin/sh",
		Args:            []string{"-c", script},
		Env:             []string{"OMP_NUM_THREADS=4"},
		OutputDirectory: t.TempDir(),
	}
}

func TestAttachRunsSamplesAndDeepTrace(t *testing.T) {
	fake := tracertest.New()
	fake.Maps[tracer.MapAggregate] = []tracer.Entry{
		{Key: encode(t, stats.OpWrite), Value: encode(t, stats.IoCounterSample{Count: 2, TotalDuration: 20})},
	}
	fake.Maps[tracer.MapCounters] = []tracer.Entry{
		{Key: encode(t, stats.DeviceID(8, 0)), Value: encode(t, [4]uint64{0, 512, 1, 1})},
	}

	c := newTestCollector(t, Config{SampleSize: 2, DeepTrace: true}, fake)
	assert.Equal(t, Idle, c.State())

	task := shellTask(t, "echo $OMP_NUM_THREADS")
	results, err := c.Attach(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, Done, c.State())

	for i, res := range results[:2] {
		assert.Equal(t, i+1, res.Iteration)
		assert.False(t, res.DeepTrace)
		assert.Equal(t, filepath.Join(task.OutputDirectory, strconv.Itoa(i+1)), res.Dir)
	}
	deep := results[2]
	assert.True(t, deep.DeepTrace)
	assert.Equal(t, filepath.Join(task.OutputDirectory, DeepTraceDir), deep.Dir)

	m := results[0].Metrics
	assert.Equal(t, "4\n", string(m.Stdout))
	assert.Equal(t, "1000,,cpu-cycles\n", string(m.PerfOutput))
	assert.Equal(t, uint64(2), m.SysWriteCount)
	assert.Equal(t, uint64(10), m.SysWriteAvg)
	require.Len(t, m.Disk, 1)
	assert.Equal(t, "sda", m.Disk[0].Name)
	assert.Nil(t, m.SGX)

	for _, res := range results {
		assert.FileExists(t, filepath.Join(res.Dir, output.IOFile))
		assert.FileExists(t, filepath.Join(res.Dir, output.StdoutFile))
	}

	calls := fake.AttachCalls()
	require.Len(t, calls, 3)
	assert.False(t, calls[0].DeepTrace)
	assert.False(t, calls[1].DeepTrace)
	assert.True(t, calls[2].DeepTrace)
}

func TestAttachWithoutDeepTrace(t *testing.T) {
	c := newTestCollector(t, Config{SampleSize: 1}, tracertest.New())
	task := shellTask(t, "true")

	results, err := c.Attach(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoDirExists(t, filepath.Join(task.OutputDirectory, DeepTraceDir))
}

func TestStopTerminatesRunningChild(t *testing.T) {
	c := newTestCollector(t, Config{SampleSize: 3, DeepTrace: true}, tracertest.New())
	task := shellTask(t, "sleep 30")

	go func() {
		time.Sleep(200 * time.Millisecond)
		c.Stop()
	}()

	start := time.Now()
	results, err := c.Attach(context.Background(), task)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, c.Stopped())

	// the interrupted run is still recorded, later iterations never start
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Iteration)
	assert.NotEmpty(t, results[0].Metrics.Process)
	assert.NoDirExists(t, filepath.Join(task.OutputDirectory, "2"))
	assert.NoDirExists(t, filepath.Join(task.OutputDirectory, DeepTraceDir))

	results, err = c.Attach(context.Background(), task)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCancelledContextSkipsIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestCollector(t, Config{SampleSize: 2, DeepTrace: true}, tracertest.New())
	task := shellTask(t, "true")

	results, err := c.Attach(ctx, task)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoDirExists(t, filepath.Join(task.OutputDirectory, "1"))
}

func TestCancelDuringRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestCollector(t, Config{SampleSize: 2}, tracertest.New())
	task := shellTask(t, "sleep 30")

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results, err := c.Attach(ctx, task)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Len(t, results, 1)
	assert.False(t, c.Stopped())
}

func TestTracerAttachFailure(t *testing.T) {
	attachErr := errors.New("no bpf")

	fake := tracertest.New()
	fake.AttachErr = attachErr
	c := newTestCollector(t, Config{SampleSize: 2}, fake)

	start := time.Now()
	results, err := c.Attach(context.Background(), shellTask(t, "sleep 30"))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Less(t, time.Since(start), 10*time.Second)

	c = newTestCollector(t, Config{SampleSize: 2, FailFast: true}, fake)
	results, err = c.Attach(context.Background(), shellTask(t, "sleep 30"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, attachErr))
	assert.Empty(t, results)
}

func TestSpawnFailureSkipsRun(t *testing.T) {
	fake := tracertest.New()
	c := newTestCollector(t, Config{SampleSize: 2}, fake)
	task := shellTask(t, "")
	task.Program = filepath.Join(t.TempDir(), "missing")

	results, err := c.Attach(context.Background(), task)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, fake.AttachCalls())
}

func TestSkipEnclaveRuns(t *testing.T) {
	t.Setenv(driver.SkipEnclaveEnv, "1")

	fake := tracertest.New()
	c := newTestCollector(t, Config{SampleSize: 1}, fake)
	task := shellTask(t, "true")
	task.Driver = enclaveDriver{driver.NewNativeDriver()}

	results, err := c.Attach(context.Background(), task)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, fake.AttachCalls())
}

func TestEnclaveRunReportsSGXStats(t *testing.T) {
	fake := tracertest.New()
	fake.Maps[tracer.MapSgx] = []tracer.Entry{
		{Key: encode(t, uint32(0)), Value: encode(t, stats.LowLevelSgxCounters{VmaFault: 7})},
	}
	c := newTestCollector(t, Config{SampleSize: 1}, fake)
	task := shellTask(t, "echo '# of EENTERs: 12' >&2")
	task.Driver = enclaveDriver{driver.NewNativeDriver()}

	results, err := c.Attach(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, results, 1)

	sgx := results[0].Metrics.SGX
	require.NotNil(t, sgx)
	assert.Equal(t, uint64(12), sgx.EEnter)
	assert.Equal(t, uint64(7), sgx.Counters.VmaFault)
	assert.True(t, fake.AttachCalls()[0].Enclave)
}

func TestPreAndPostRunCommands(t *testing.T) {
	c := newTestCollector(t, Config{SampleSize: 2}, tracertest.New())
	logFile := filepath.Join(t.TempDir(), "log")

	task := shellTask(t, "echo run >> "+logFile)
	task.PreRun = &Command{Path: "/bin/sh", Args: []string{"-c", "echo pre >> " + logFile + "; exit 3"}}
	task.PostRun = &Command{Path: "/bin/sh", Args: []string{"-c", "echo post >> " + logFile}}

	results, err := c.Attach(context.Background(), task)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	b, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "pre\nrun\npost\npre\nrun\npost\n", string(b))
}

type failingWriter struct{}

func (failingWriter) Write(string, *stats.Metrics) error {
	return errors.New("disk full")
}

func TestWriterFailure(t *testing.T) {
	c := newTestCollector(t, Config{SampleSize: 2}, tracertest.New(), WithWriter(failingWriter{}))
	results, err := c.Attach(context.Background(), shellTask(t, "true"))
	require.NoError(t, err)
	assert.Len(t, results, 2)

	c = newTestCollector(t, Config{SampleSize: 2, FailFast: true}, tracertest.New(), WithWriter(failingWriter{}))
	results, err = c.Attach(context.Background(), shellTask(t, "true"))
	assert.Error(t, err)
	assert.Empty(t, results)
}

func TestChildKillAfterExit(t *testing.T) {
	child, err := StartChild(exec.Command("/bin/sh", "-c", "echo out; echo err >&2; exit 2"))
	require.NoError(t, err)

	stdout, stderr := child.Output()
	assert.Equal(t, "out\n", string(stdout))
	assert.Equal(t, "err\n", string(stderr))
	assert.Equal(t, 2, child.ExitCode())
	assert.Error(t, child.Err())
	assert.True(t, errors.Is(child.Kill(), os.ErrProcessDone))
}

func TestChildKill(t *testing.T) {
	child, err := StartChild(exec.Command("sleep", "30"))
	require.NoError(t, err)
	assert.Equal(t, -1, child.ExitCode())

	require.NoError(t, child.Kill())
	select {
	case <-child.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("child not reaped after kill")
	}
	assert.Equal(t, -1, child.ExitCode())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "deep-tracing", DeepTracing.String())
	assert.Equal(t, "(unknown)", State(9).String())
}

// processGone reports whether pid no longer runs; zombies count as gone
func processGone(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// the state follows the parenthesised command name
	fields := strings.Fields(string(data[bytes.LastIndexByte(data, ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	return pid
}

func TestStopKillsForkedDescendants(t *testing.T) {
	c := newTestCollector(t, Config{SampleSize: 1}, tracertest.New())
	pidFile := filepath.Join(t.TempDir(), "pid")
	task := shellTask(t, "sleep 30 & echo $! > "+pidFile+"; sleep 30")

	go func() {
		time.Sleep(300 * time.Millisecond)
		c.Stop()
	}()

	start := time.Now()
	results, err := c.Attach(context.Background(), task)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, results, 1)

	pid := readPID(t, pidFile)
	assert.Eventually(t, func() bool { return processGone(pid) }, 5*time.Second, 50*time.Millisecond)
}

func TestChildExitKillsLeftoverDescendants(t *testing.T) {
	c := newTestCollector(t, Config{SampleSize: 1}, tracertest.New())
	pidFile := filepath.Join(t.TempDir(), "pid")
	task := shellTask(t, "sleep 30 & echo $! > "+pidFile+"; echo done")

	start := time.Now()
	results, err := c.Attach(context.Background(), task)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, "done\n", string(results[0].Metrics.Stdout))

	pid := readPID(t, pidFile)
	assert.Eventually(t, func() bool { return processGone(pid) }, 5*time.Second, 50*time.Millisecond)
}

func statusWarnings(hook *logtest.Hook) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && strings.HasPrefix(e.Message, "child process exited with status") {
			n++
		}
	}
	return n
}

func TestExitStatusLogLevel(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	c := newTestCollector(t, Config{SampleSize: 1}, tracertest.New())
	go func() {
		time.Sleep(200 * time.Millisecond)
		c.Stop()
	}()
	_, err := c.Attach(context.Background(), shellTask(t, "sleep 30"))
	require.NoError(t, err)
	assert.Zero(t, statusWarnings(hook))

	hook.Reset()
	c = newTestCollector(t, Config{SampleSize: 1}, tracertest.New())
	_, err = c.Attach(context.Background(), shellTask(t, "exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 1, statusWarnings(hook))
}
