package output

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/estesp/enclavebench/stats"
	"github.com/pkg/errors"
)

// File names and headers of a run directory
const (
	PerfFile      = "perf.csv"
	StdoutFile    = "stdout"
	StderrFile    = "stderr"
	IOFile        = "io.csv"
	DeepTraceFile = "deep-trace.csv"
	ProcessFile   = "process.csv"
	SummaryFile   = "summary.csv"

	EnergyHeader    = "timestamp (ns),energy (microjoule)"
	IOHeader        = "dimension,unit,value,description"
	DeepTraceHeader = "timestamp (ns),event"
	ProcessHeader   = "timestamp (ns),rss (bytes),cpu (%)"
)

// Writer persists the metrics of a run into its directory
type Writer interface {
	Write(dir string, m *stats.Metrics) error
}

// CSVWriter writes raw captures as is and everything else as csv files
type CSVWriter struct{}

// NewCSVWriter creates a csv writer
func NewCSVWriter() *CSVWriter {
	return &CSVWriter{}
}

// Write stores m under dir, which must exist
func (w *CSVWriter) Write(dir string, m *stats.Metrics) error {
	raw := []struct {
		name string
		data []byte
	}{
		{PerfFile, m.PerfOutput},
		{StdoutFile, m.Stdout},
		{StderrFile, m.Stderr},
	}
	for _, r := range raw {
		if err := os.WriteFile(filepath.Join(dir, r.name), r.data, 0644); err != nil {
			return errors.Wrapf(err, "writing %s", r.name)
		}
	}

	for domain, series := range m.Energy {
		rows := make([][]string, 0, len(series))
		for _, s := range series {
			rows = append(rows, []string{u64(s.Timestamp), u64(s.EnergyUJ)})
		}
		if err := writeCSV(filepath.Join(dir, domain+".csv"), EnergyHeader, rows); err != nil {
			return err
		}
	}

	if err := writeCSV(filepath.Join(dir, IOFile), IOHeader, ioRows(m)); err != nil {
		return err
	}

	if len(m.DeepTrace) > 0 {
		rows := make([][]string, 0, len(m.DeepTrace))
		for _, ev := range m.DeepTrace {
			rows = append(rows, []string{u64(ev.Timestamp), ev.String()})
		}
		if err := writeCSV(filepath.Join(dir, DeepTraceFile), DeepTraceHeader, rows); err != nil {
			return err
		}
	}

	if len(m.Process) > 0 {
		rows := make([][]string, 0, len(m.Process))
		for _, p := range m.Process {
			rows = append(rows, []string{u64(p.Timestamp), u64(p.RSS), f64(p.CPU)})
		}
		if err := writeCSV(filepath.Join(dir, ProcessFile), ProcessHeader, rows); err != nil {
			return err
		}
	}

	return writeCSV(filepath.Join(dir, SummaryFile), IOHeader, summaryRows(m.Summary))
}

func ioRows(m *stats.Metrics) [][]string {
	var rows [][]string
	if sgx := m.SGX; sgx != nil {
		rows = append(rows,
			[]string{"sgx_enter", "#", u64(sgx.EEnter), ""},
			[]string{"sgx_eexit", "#", u64(sgx.EExit), ""},
			[]string{"sgx_aexit", "#", u64(sgx.AExit), ""},
			[]string{"sgx_async_signals", "#", u64(sgx.AsyncSignals), ""},
			[]string{"sgx_sync_signals", "#", u64(sgx.SyncSignals), ""},
			[]string{"sgx_encl_load_page", "#", u64(sgx.Counters.EnclLoadPage), ""},
			[]string{"sgx_encl_wb", "#", u64(sgx.Counters.EnclWb), ""},
			[]string{"sgx_vma_access", "#", u64(sgx.Counters.VmaAccess), ""},
			[]string{"sgx_vma_fault", "#", u64(sgx.Counters.VmaFault), ""},
		)
	}
	rows = append(rows,
		[]string{"sys_read", "#", u64(m.SysReadCount), ""},
		[]string{"sys_read", "ns", u64(m.SysReadAvg), ""},
		[]string{"sys_write", "#", u64(m.SysWriteCount), ""},
		[]string{"sys_write", "ns", u64(m.SysWriteAvg), ""},
	)
	for _, d := range m.Disk {
		rows = append(rows,
			[]string{"disk_write_seq", "%", u64(uint64(d.PercSeq)), d.Name},
			[]string{"disk_write_rand", "%", u64(uint64(d.PercRandom)), d.Name},
			[]string{"disk_tot_written_bytes", "bytes", u64(d.Bytes), d.Name},
		)
	}
	return rows
}

func summaryRows(s stats.Summary) [][]string {
	rows := [][]string{
		{"rss_mean", "bytes", f64(s.MeanRSS), ""},
		{"rss_max", "bytes", f64(s.MaxRSS), ""},
		{"cpu_mean", "%", f64(s.MeanCPU), ""},
		{"cpu_max", "%", f64(s.MaxCPU), ""},
	}
	domains := make([]string, 0, len(s.Power))
	for d := range s.Power {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		rows = append(rows, []string{"power_mean", "W", f64(s.Power[d]), d})
	}
	return rows
}

func writeCSV(path, header string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	// headers contain unit annotations written verbatim
	if _, err := f.WriteString(header + "\n"); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	cw := csv.NewWriter(f)
	if err := cw.WriteAll(rows); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func f64(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
