package tracer

import (
	"bytes"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultObjectPath is where the compiled tracer object is installed
const DefaultObjectPath = "/usr/lib/enclavebench/tracer.bpf.o"

type objects struct {
	TraceEnterRead  *ebpf.Program `ebpf:"trace_enter_read"`
	TraceEnterWrite *ebpf.Program `ebpf:"trace_enter_write"`
	TraceExitRead   *ebpf.Program `ebpf:"trace_exit_read"`
	TraceExitWrite  *ebpf.Program `ebpf:"trace_exit_write"`
	BlockRqComplete *ebpf.Program `ebpf:"handle__block_rq_complete"`

	MmPageAlloc *ebpf.Program `ebpf:"trace_mm_page_alloc"`
	MmPageFree  *ebpf.Program `ebpf:"trace_mm_page_free"`
	Kmalloc     *ebpf.Program `ebpf:"trace_kmalloc"`
	Kfree       *ebpf.Program `ebpf:"trace_kfree"`

	SgxVmaAccess *ebpf.Program `ebpf:"count_sgx_vma_access"`
	SgxVmaFault  *ebpf.Program `ebpf:"count_sgx_vma_fault"`
	SgxEnclLoad  *ebpf.Program `ebpf:"count_sgx_encl_load"`
	SgxEnclEwb   *ebpf.Program `ebpf:"count_sgx_encl_ewb"`

	AggMap   *ebpf.Map `ebpf:"agg_map"`
	Counters *ebpf.Map `ebpf:"counters"`
	SgxStats *ebpf.Map `ebpf:"sgx_stats"`
	Events   *ebpf.Map `ebpf:"events"`
}

func (o *objects) close() {
	for _, c := range []interface{ Close() error }{
		o.TraceEnterRead, o.TraceEnterWrite, o.TraceExitRead, o.TraceExitWrite, o.BlockRqComplete,
		o.MmPageAlloc, o.MmPageFree, o.Kmalloc, o.Kfree,
		o.SgxVmaAccess, o.SgxVmaFault, o.SgxEnclLoad, o.SgxEnclEwb,
		o.AggMap, o.Counters, o.SgxStats, o.Events,
	} {
		if c != nil {
			c.Close()
		}
	}
}

// BPFTracer loads the tracer from a compiled object file with cilium/ebpf
type BPFTracer struct {
	objectPath string
	objs       *objects
	links      []link.Link
	rd         *ringbuf.Reader
}

// NewBPFFactory returns a Factory creating tracers from the object at path
func NewBPFFactory(path string) Factory {
	if path == "" {
		path = DefaultObjectPath
	}
	return func() (Tracer, error) {
		return &BPFTracer{objectPath: path}, nil
	}
}

// Attach loads the object with the target pid and deep trace flag rewritten
// into its read-only data, then attaches the syscall and block tracepoints.
// Deep trace runs also attach the kmem tracepoints and open the event
// stream, enclave runs the sgx driver kprobes.
func (t *BPFTracer) Attach(cfg Config) error {
	if err := t.attach(cfg); err != nil {
		t.Close()
		log.WithError(err).Errorf("attaching tracer to pid %d", cfg.TargetPID)
		return errors.Wrap(ErrAttach, err.Error())
	}
	return nil
}

func (t *BPFTracer) attach(cfg Config) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return errors.Wrap(err, "removing memlock limit")
	}

	spec, err := ebpf.LoadCollectionSpec(t.objectPath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", t.objectPath)
	}
	if err := setVariable(spec, "targ_pid", cfg.TargetPID); err != nil {
		return err
	}
	if err := setVariable(spec, "deep_trace", cfg.DeepTrace); err != nil {
		return err
	}

	objs := &objects{}
	if err := spec.LoadAndAssign(objs, nil); err != nil {
		return errors.Wrap(err, "loading tracer")
	}
	t.objs = objs

	type tracepoint struct {
		group, name string
		prog        *ebpf.Program
	}
	tracepoints := []tracepoint{
		{"syscalls", "sys_enter_read", objs.TraceEnterRead},
		{"syscalls", "sys_enter_write", objs.TraceEnterWrite},
		{"syscalls", "sys_exit_read", objs.TraceExitRead},
		{"syscalls", "sys_exit_write", objs.TraceExitWrite},
		{"block", "block_rq_complete", objs.BlockRqComplete},
	}
	if cfg.DeepTrace {
		tracepoints = append(tracepoints,
			tracepoint{"kmem", "mm_page_alloc", objs.MmPageAlloc},
			tracepoint{"kmem", "mm_page_free", objs.MmPageFree},
			tracepoint{"kmem", "kmalloc", objs.Kmalloc},
			tracepoint{"kmem", "kfree", objs.Kfree},
		)
	}
	for _, tp := range tracepoints {
		l, err := link.Tracepoint(tp.group, tp.name, tp.prog, nil)
		if err != nil {
			return errors.Wrapf(err, "attaching tracepoint %s/%s", tp.group, tp.name)
		}
		t.links = append(t.links, l)
	}

	if cfg.Enclave {
		kprobes := []struct {
			symbol string
			prog   *ebpf.Program
		}{
			{"sgx_vma_access", objs.SgxVmaAccess},
			{"sgx_vma_fault", objs.SgxVmaFault},
			{"sgx_encl_load_page", objs.SgxEnclLoad},
			{"__sgx_encl_ewb", objs.SgxEnclEwb},
		}
		for _, kp := range kprobes {
			l, err := link.Kprobe(kp.symbol, kp.prog, nil)
			if err != nil {
				return errors.Wrapf(err, "attaching kprobe %s", kp.symbol)
			}
			t.links = append(t.links, l)
		}

		// the kprobes only increment an existing slot
		zero := make([]byte, objs.SgxStats.ValueSize())
		if err := objs.SgxStats.Update(uint32(0), zero, ebpf.UpdateAny); err != nil {
			return errors.Wrap(err, "initialising sgx counters")
		}
	}

	if cfg.DeepTrace {
		rd, err := ringbuf.NewReader(objs.Events)
		if err != nil {
			return errors.Wrap(err, "opening event stream")
		}
		t.rd = rd
	}

	log.Debugf("tracer attached to pid %d (deep trace %t, enclave %t)", cfg.TargetPID, cfg.DeepTrace, cfg.Enclave)
	return nil
}

func setVariable(spec *ebpf.CollectionSpec, name string, value interface{}) error {
	v, ok := spec.Variables[name]
	if !ok {
		return errors.Errorf("variable %s not found in tracer object", name)
	}
	if err := v.Set(value); err != nil {
		return errors.Wrapf(err, "setting %s", name)
	}
	return nil
}

func (t *BPFTracer) lookupMap(name string) (*ebpf.Map, error) {
	if t.objs == nil {
		return nil, ErrNotAttached
	}
	var m *ebpf.Map
	switch name {
	case MapAggregate:
		m = t.objs.AggMap
	case MapCounters:
		m = t.objs.Counters
	case MapSgx:
		m = t.objs.SgxStats
	}
	if m == nil {
		return nil, errors.Wrapf(ErrMapRead, "unknown map %s", name)
	}
	return m, nil
}

// ReadMap iterates the named map and copies out every entry
func (t *BPFTracer) ReadMap(name string) ([]Entry, error) {
	m, err := t.lookupMap(name)
	if err != nil {
		return nil, err
	}

	var (
		entries []Entry
		key     = make([]byte, m.KeySize())
		value   = make([]byte, m.ValueSize())
	)
	iter := m.Iterate()
	for iter.Next(key, value) {
		entries = append(entries, Entry{Key: bytes.Clone(key), Value: bytes.Clone(value)})
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(ErrMapRead, "iterating %s: %v", name, err)
	}
	return entries, nil
}

// Lookup reads a single value of the named map
func (t *BPFTracer) Lookup(name string, key []byte) ([]byte, error) {
	m, err := t.lookupMap(name)
	if err != nil {
		return nil, err
	}

	value := make([]byte, m.ValueSize())
	if err := m.Lookup(key, value); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, ErrKeyNotExist
		}
		return nil, errors.Wrapf(ErrMapRead, "looking up %s: %v", name, err)
	}
	return value, nil
}

// Poll drains the event stream until timeout elapses
func (t *BPFTracer) Poll(timeout time.Duration, fn func(raw []byte)) error {
	if t.rd == nil {
		return ErrNotAttached
	}

	t.rd.SetDeadline(time.Now().Add(timeout))
	for {
		record, err := t.rd.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			if errors.Is(err, ringbuf.ErrClosed) {
				return ErrClosed
			}
			return errors.Wrap(err, "reading event stream")
		}
		fn(record.RawSample)
	}
}

// Close detaches all probes and releases maps and programs
func (t *BPFTracer) Close() error {
	if t.rd != nil {
		t.rd.Close()
		t.rd = nil
	}
	for _, l := range t.links {
		l.Close()
	}
	t.links = nil
	if t.objs != nil {
		t.objs.close()
		t.objs = nil
	}
	return nil
}
