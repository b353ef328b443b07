// Package tracertest provides an in-memory kernel tracer for tests
package tracertest

import (
	"sync"
	"time"

	"github.com/estesp/enclavebench/tracer"
)

// Tracer is an in-memory tracer.Tracer. Maps are filled before the run and
// Events are delivered, one batch per Poll call, while the tracer is attached.
type Tracer struct {
	mu sync.Mutex

	Maps   map[string][]tracer.Entry
	Events [][]byte

	AttachErr error
	ReadErr   map[string]error

	Attaches []tracer.Config
	Polls    int
	Closed   bool
}

// New returns an empty fake tracer
func New() *Tracer {
	return &Tracer{
		Maps:    map[string][]tracer.Entry{},
		ReadErr: map[string]error{},
	}
}

// Factory returns a tracer.Factory always handing out t
func (t *Tracer) Factory() tracer.Factory {
	return func() (tracer.Tracer, error) {
		return t, nil
	}
}

func (t *Tracer) Attach(cfg tracer.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.AttachErr != nil {
		return t.AttachErr
	}
	t.Attaches = append(t.Attaches, cfg)
	t.Closed = false
	return nil
}

func (t *Tracer) ReadMap(name string) ([]tracer.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ReadErr[name]; err != nil {
		return nil, err
	}
	return t.Maps[name], nil
}

func (t *Tracer) Lookup(name string, key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ReadErr[name]; err != nil {
		return nil, err
	}
	for _, e := range t.Maps[name] {
		if string(e.Key) == string(key) {
			return e.Value, nil
		}
	}
	return nil, tracer.ErrKeyNotExist
}

func (t *Tracer) Poll(timeout time.Duration, fn func(raw []byte)) error {
	t.mu.Lock()
	t.Polls++
	if t.Closed {
		t.mu.Unlock()
		return tracer.ErrClosed
	}
	events := t.Events
	t.Events = nil
	t.mu.Unlock()

	if len(events) == 0 {
		time.Sleep(timeout)
		return nil
	}
	for _, raw := range events {
		fn(raw)
	}
	return nil
}

func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// AttachCalls returns the configurations of every successful Attach
func (t *Tracer) AttachCalls() []tracer.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]tracer.Config(nil), t.Attaches...)
}
