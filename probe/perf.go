package probe

import (
	"bytes"
	"context"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	log "github.com/sirupsen/logrus"
)

// DefaultPerfBinary is the hardware counter collector looked up in $PATH
const DefaultPerfBinary = "perf"

// DefaultPerfEvents are always collected
var DefaultPerfEvents = []string{
	"branch-misses",
	"cache-misses",
	"cpu-cycles",
	"duration_time",
	"instructions",
	"stalled-cycles-frontend",
	"system_time",
	"user_time",
}

// PerfEvents returns the sorted union of the default events and extra
func PerfEvents(extra []string) []string {
	set := mapset.NewThreadUnsafeSet(DefaultPerfEvents...)
	for _, e := range extra {
		if e = strings.TrimSpace(e); e != "" {
			set.Add(e)
		}
	}
	events := set.ToSlice()
	sort.Strings(events)
	return events
}

// CounterRunner collects hardware counters of a process until it exits
type CounterRunner interface {
	// Run blocks until the counter collection ends and returns its report
	Run(ctx context.Context, pid int) []byte
}

// PerfRunner runs `perf stat` attached to the target pid
type PerfRunner struct {
	Binary string
	Events []string
}

// NewPerfRunner creates a runner for the default events plus extra
func NewPerfRunner(binary string, extra []string) *PerfRunner {
	if binary == "" {
		binary = DefaultPerfBinary
	}
	return &PerfRunner{
		Binary: binary,
		Events: PerfEvents(extra),
	}
}

// Args returns the perf command line for pid
func (r *PerfRunner) Args(pid int) []string {
	return []string{
		"stat",
		"--field-separator", ",",
		"--event", strings.Join(r.Events, ","),
		"--pid", strconv.Itoa(pid),
	}
}

// Run executes perf and returns its stderr, where the csv report is printed.
// A failing perf is logged and whatever it printed is still returned.
func (r *PerfRunner) Run(ctx context.Context, pid int) []byte {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, r.Binary, r.Args(pid)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.WithError(err).Warnf("perf process failed: %s %s", strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()))
	}
	return stderr.Bytes()
}
