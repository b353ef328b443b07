package stats

import (
	log "github.com/sirupsen/logrus"
)

// IoEntry is a decoded entry of the aggregate I/O map
type IoEntry struct {
	Op     uint32
	Sample IoCounterSample
}

// DiskEntry is a decoded entry of the per-device counter map
type DiskEntry struct {
	Dev    uint32
	Sample DiskCounterSample
}

// TraceResult is what the kernel trace probe hands over at the end of a run
type TraceResult struct {
	IO   []IoEntry
	Disk []DiskEntry

	// SgxCounters is only set for enclave executions
	SgxCounters *LowLevelSgxCounters

	// DeepTrace is only set when the event stream was consumed
	DeepTrace []DeepTraceEvent
}

// RunOutputs gathers the partial results of the probes of a single run
type RunOutputs struct {
	Trace   TraceResult
	Stdout  []byte
	Stderr  []byte
	Perf    []byte
	Energy  map[string][]EnergySample
	Process []ProcSample
}

// Aggregate merges the outputs of the probes of a run into one record
func Aggregate(partitions *PartitionIndex, out RunOutputs) *Metrics {
	m := &Metrics{
		Stdout:     nonNil(out.Stdout),
		Stderr:     nonNil(out.Stderr),
		PerfOutput: nonNil(out.Perf),
		Energy:     out.Energy,
		DeepTrace:  out.Trace.DeepTrace,
		Process:    out.Process,
	}
	if m.Energy == nil {
		m.Energy = map[string][]EnergySample{}
	}

	for _, e := range out.Trace.IO {
		switch e.Op {
		case OpWrite:
			m.SysWriteCount = e.Sample.Count
			m.SysWriteAvg = e.Sample.AvgDuration()
		case OpRead:
			m.SysReadCount = e.Sample.Count
			m.SysReadAvg = e.Sample.AvgDuration()
		default:
			log.Warnf("ignoring unknown io operation code %d", e.Op)
		}
	}

	m.Disk = make([]DiskStats, 0, len(out.Trace.Disk))
	for _, e := range out.Trace.Disk {
		m.Disk = append(m.Disk, DiskStats{
			Name:       partitions.Lookup(e.Dev),
			Bytes:      e.Sample.Bytes,
			PercRandom: e.Sample.PercRandom(),
			PercSeq:    e.Sample.PercSeq(),
		})
	}

	if out.Trace.SgxCounters != nil {
		sgx := ParseSGXStats(m.Stderr, *out.Trace.SgxCounters)
		m.SGX = &sgx
	}

	m.Summary = Summarize(m.Process, m.Energy)
	return m
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
