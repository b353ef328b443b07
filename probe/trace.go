package probe

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/estesp/enclavebench/stats"
	"github.com/estesp/enclavebench/tracer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PollTimeout bounds each wait on the tracer event stream
const PollTimeout = 250 * time.Millisecond

// EventLog is the append-only list of deep trace events of a run
type EventLog struct {
	mu     sync.Mutex
	events []stats.DeepTraceEvent
}

// Append adds an event at the end of the log
func (l *EventLog) Append(ev stats.DeepTraceEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// Events returns a copy of the logged events
func (l *EventLog) Events() []stats.DeepTraceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil {
		return nil
	}
	return append([]stats.DeepTraceEvent(nil), l.events...)
}

// TraceProbe attaches the kernel tracer to the target process for the
// duration of a run and reads its maps once the run is over
type TraceProbe struct {
	newTracer tracer.Factory
	deepTrace bool
	enclave   bool
	log       EventLog
}

// NewTraceProbe creates a trace probe for a single run
func NewTraceProbe(factory tracer.Factory, deepTrace, enclave bool) *TraceProbe {
	return &TraceProbe{
		newTracer: factory,
		deepTrace: deepTrace,
		enclave:   enclave,
	}
}

// Run attaches the tracer to pid and blocks until ctx is done. Attach and
// map read failures are returned and leave the result empty.
func (p *TraceProbe) Run(ctx context.Context, pid int) (stats.TraceResult, error) {
	tr, err := p.newTracer()
	if err != nil {
		return stats.TraceResult{}, errors.Wrap(tracer.ErrAttach, err.Error())
	}
	defer tr.Close()

	log.Tracef("attaching kernel tracer on target process with pid %d", pid)
	if err := tr.Attach(tracer.Config{
		TargetPID: int32(pid),
		DeepTrace: p.deepTrace,
		Enclave:   p.enclave,
	}); err != nil {
		return stats.TraceResult{}, err
	}

	if p.deepTrace {
		p.consume(ctx, tr)
	} else {
		<-ctx.Done()
	}

	return p.collect(tr)
}

func (p *TraceProbe) consume(ctx context.Context, tr tracer.Tracer) {
	for ctx.Err() == nil {
		err := tr.Poll(PollTimeout, p.record)
		if errors.Is(err, tracer.ErrClosed) {
			return
		}
		if err != nil {
			log.WithError(err).Warn("polling deep trace events")
			// avoid spinning on a failing stream
			select {
			case <-ctx.Done():
			case <-time.After(PollTimeout):
			}
		}
	}
}

func (p *TraceProbe) record(raw []byte) {
	ev, err := stats.DecodeDeepTraceEvent(raw)
	if err != nil {
		log.WithError(err).Debug("dropping deep trace record")
		return
	}
	p.log.Append(ev)
}

func (p *TraceProbe) collect(tr tracer.Tracer) (stats.TraceResult, error) {
	var res stats.TraceResult

	entries, err := readMap(tr, tracer.MapAggregate)
	if err != nil {
		return stats.TraceResult{}, err
	}
	for _, e := range entries {
		op, kerr := stats.DecodeOpCode(e.Key)
		s, verr := stats.DecodeIoCounter(e.Value)
		if err := firstErr(kerr, verr); err != nil {
			return stats.TraceResult{}, errors.Wrapf(tracer.ErrMapRead, "%s: %v", tracer.MapAggregate, err)
		}
		log.Tracef("got %d %s operations; average duration %dns", s.Count, opName(op), s.AvgDuration())
		res.IO = append(res.IO, stats.IoEntry{Op: op, Sample: s})
	}

	entries, err = readMap(tr, tracer.MapCounters)
	if err != nil {
		return stats.TraceResult{}, err
	}
	for _, e := range entries {
		dev, kerr := stats.DecodeDeviceID(e.Key)
		s, verr := stats.DecodeDiskCounter(e.Value)
		if err := firstErr(kerr, verr); err != nil {
			return stats.TraceResult{}, errors.Wrapf(tracer.ErrMapRead, "%s: %v", tracer.MapCounters, err)
		}
		log.Tracef("dev=%d random=%d%% seq=%d%% bytes=%d", dev, s.PercRandom(), s.PercSeq(), s.Bytes)
		res.Disk = append(res.Disk, stats.DiskEntry{Dev: dev, Sample: s})
	}

	if p.enclave {
		counters, err := p.sgxCounters(tr)
		if err != nil {
			return stats.TraceResult{}, err
		}
		res.SgxCounters = counters
	}
	if p.deepTrace {
		res.DeepTrace = p.log.Events()
	}
	return res, nil
}

// sgxCounters reads slot 0 of the enclave counters map. An absent slot
// yields zero counters, any other failure is a map read error.
func (p *TraceProbe) sgxCounters(tr tracer.Tracer) (*stats.LowLevelSgxCounters, error) {
	key := binary.NativeEndian.AppendUint32(nil, 0)
	raw, err := tr.Lookup(tracer.MapSgx, key)
	if errors.Is(err, tracer.ErrKeyNotExist) {
		log.Debug("sgx counters slot absent; reporting zero counters")
		return &stats.LowLevelSgxCounters{}, nil
	}
	if err != nil {
		if errors.Is(err, tracer.ErrMapRead) {
			return nil, err
		}
		return nil, errors.Wrapf(tracer.ErrMapRead, "%s: %v", tracer.MapSgx, err)
	}
	c, err := stats.DecodeSgxCounters(raw)
	if err != nil {
		return nil, errors.Wrapf(tracer.ErrMapRead, "%s: %v", tracer.MapSgx, err)
	}
	return &c, nil
}

func readMap(tr tracer.Tracer, name string) ([]tracer.Entry, error) {
	entries, err := tr.ReadMap(name)
	if err != nil {
		if errors.Is(err, tracer.ErrMapRead) {
			return nil, err
		}
		return nil, errors.Wrapf(tracer.ErrMapRead, "%s: %v", name, err)
	}
	return entries, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func opName(op uint32) string {
	switch op {
	case stats.OpWrite:
		return "write"
	case stats.OpRead:
		return "read"
	}
	return "unknown"
}
