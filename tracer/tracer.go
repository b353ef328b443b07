package tracer

import (
	"time"

	"github.com/pkg/errors"
)

// Names of the maps exposed by the kernel tracer
const (
	MapAggregate = "agg_map"
	MapCounters  = "counters"
	MapSgx       = "sgx_stats"
	MapEvents    = "events"
)

var (
	// ErrAttach is returned when the tracer cannot be opened, loaded or attached
	ErrAttach = errors.New("cannot attach kernel tracer")

	// ErrMapRead is returned when a tracer map cannot be read
	ErrMapRead = errors.New("cannot read tracer map")

	// ErrNotAttached is returned by operations issued before Attach succeeded
	ErrNotAttached = errors.New("kernel tracer not attached")

	// ErrKeyNotExist is returned by Lookup for a missing key
	ErrKeyNotExist = errors.New("key does not exist")

	// ErrClosed is returned by Poll once the tracer has been closed
	ErrClosed = errors.New("kernel tracer closed")
)

// Config holds the settings applied to the tracer before attaching it
type Config struct {
	// TargetPID restricts the syscall probes to a single process
	TargetPID int32

	// DeepTrace enables the event stream
	DeepTrace bool

	// Enclave additionally attaches the enclave driver probes
	Enclave bool
}

// Entry is a raw key/value pair read from a tracer map
type Entry struct {
	Key   []byte
	Value []byte
}

// Tracer is a kernel resident tracer consumed through its maps and event stream
type Tracer interface {
	// Attach configures, loads and attaches the tracer. On failure nothing
	// stays attached.
	Attach(cfg Config) error

	// ReadMap returns every entry present in the named map
	ReadMap(name string) ([]Entry, error)

	// Lookup returns the value stored under key in the named map
	Lookup(name string, key []byte) ([]byte, error)

	// Poll waits up to timeout for event stream records and hands each one
	// to fn. It returns nil when the timeout expires.
	Poll(timeout time.Duration, fn func(raw []byte)) error

	// Close detaches the tracer and releases its kernel resources
	Close() error
}

// Factory creates a fresh, unattached tracer for a run
type Factory func() (Tracer, error)
