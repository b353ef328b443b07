package stats

// Operation codes used as keys of the aggregate I/O map
const (
	OpWrite uint32 = 0
	OpRead  uint32 = 1
)

// UnknownDevice labels disk statistics whose device id is missing from the
// partition index
const UnknownDevice = "unknown device"

// IoCounterSample is the value of one entry of the aggregate I/O map
type IoCounterSample struct {
	Count         uint64
	TotalDuration uint64
}

// AvgDuration returns the average duration of a single operation in
// nanoseconds, or 0 when no operation was recorded
func (s IoCounterSample) AvgDuration() uint64 {
	if s.Count == 0 {
		return 0
	}
	return s.TotalDuration / s.Count
}

// DiskCounterSample is the value of one entry of the per-device counter map
type DiskCounterSample struct {
	Bytes      uint64
	Random     uint64
	Sequential uint64
}

// PercRandom returns the share of random accesses, 0 if there were none at all
func (s DiskCounterSample) PercRandom() uint32 {
	return percentOf(s.Random, s.Random+s.Sequential)
}

// PercSeq returns the share of sequential accesses, 0 if there were none at all
func (s DiskCounterSample) PercSeq() uint32 {
	return percentOf(s.Sequential, s.Random+s.Sequential)
}

func percentOf(count, total uint64) uint32 {
	if total == 0 {
		return 0
	}
	return uint32(count * 100 / total)
}

// LowLevelSgxCounters are the kernel-side enclave counters read from the
// single-slot map of the tracer
type LowLevelSgxCounters struct {
	EnclLoadPage uint64
	EnclWb       uint64
	VmaAccess    uint64
	VmaFault     uint64
}

// SGXStats combines the loader statistics printed on stderr with the
// kernel-side enclave counters
type SGXStats struct {
	EEnter       uint64
	EExit        uint64
	AExit        uint64
	SyncSignals  uint64
	AsyncSignals uint64
	Counters     LowLevelSgxCounters
}

// DeepTraceEvent is a single record of the tracer event stream
type DeepTraceEvent struct {
	EvType    uint32
	Timestamp uint64
}

var deepTraceEventNames = [...]string{
	"sys-read",
	"sys-write",
	"mm-page-alloc",
	"mm-page-free",
	"kmalloc",
	"kfree",
	"disk-read",
	"disk-write",
}

// String returns the label of the event kind
func (e DeepTraceEvent) String() string {
	if int(e.EvType) < len(deepTraceEventNames) {
		return deepTraceEventNames[e.EvType]
	}
	return "unknown"
}

// EnergySample is a single reading of an energy-accounting counter.
// Timestamp is in nanoseconds since the Unix epoch.
type EnergySample struct {
	Timestamp uint64
	EnergyUJ  uint64
}

// ProcSample is a resource usage sample of the traced process
type ProcSample struct {
	Timestamp uint64
	RSS       uint64
	CPU       float64
}

// DiskStats are the derived per-device disk statistics of a run
type DiskStats struct {
	Name       string
	Bytes      uint64
	PercRandom uint32
	PercSeq    uint32
}

// Metrics is the merged record of a single run
type Metrics struct {
	Stdout     []byte
	Stderr     []byte
	PerfOutput []byte

	// Energy maps an energy domain name to its samples, in acquisition order
	Energy map[string][]EnergySample

	SysWriteCount uint64
	SysWriteAvg   uint64
	SysReadCount  uint64
	SysReadAvg    uint64

	Disk []DiskStats

	// SGX is only set for enclave executions
	SGX *SGXStats

	// DeepTrace is only set for the extended tracing run
	DeepTrace []DeepTraceEvent

	Process []ProcSample
	Summary Summary
}
