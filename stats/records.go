package stats

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

// ErrShortRecord is returned when a raw record is smaller than the layout it
// is decoded into
var ErrShortRecord = errors.New("record too short")

// rawDeepTraceEvent mirrors the C layout of the ring buffer record, including
// the padding between the 32 bit type and the 64 bit timestamp
type rawDeepTraceEvent struct {
	EvType    uint32
	_         uint32
	Timestamp uint64
}

// rawDiskCounter mirrors struct disk_counter of the tracer
type rawDiskCounter struct {
	LastSector uint64
	Bytes      uint64
	Random     uint64
	Sequential uint64
}

// Sizes of the fixed-layout records exposed by the tracer
var (
	IoCounterSize      = int(unsafe.Sizeof(IoCounterSample{}))
	DiskCounterSize    = int(unsafe.Sizeof(rawDiskCounter{}))
	SgxCountersSize    = int(unsafe.Sizeof(LowLevelSgxCounters{}))
	DeepTraceEventSize = int(unsafe.Sizeof(rawDeepTraceEvent{}))
)

func decode(raw []byte, size int, v interface{}) error {
	if len(raw) < size {
		return errors.Wrapf(ErrShortRecord, "got %d bytes, want %d", len(raw), size)
	}
	return binary.Read(bytes.NewReader(raw[:size]), binary.NativeEndian, v)
}

// DecodeOpCode decodes a key of the aggregate I/O map
func DecodeOpCode(raw []byte) (uint32, error) {
	var op uint32
	if err := decode(raw, 4, &op); err != nil {
		return 0, errors.Wrap(err, "decoding operation code")
	}
	return op, nil
}

// DecodeDeviceID decodes a key of the per-device counter map
func DecodeDeviceID(raw []byte) (uint32, error) {
	var dev uint32
	if err := decode(raw, 4, &dev); err != nil {
		return 0, errors.Wrap(err, "decoding device id")
	}
	return dev, nil
}

// DecodeIoCounter decodes a value of the aggregate I/O map
func DecodeIoCounter(raw []byte) (IoCounterSample, error) {
	var s IoCounterSample
	if err := decode(raw, IoCounterSize, &s); err != nil {
		return IoCounterSample{}, errors.Wrap(err, "decoding io counter")
	}
	return s, nil
}

// DecodeDiskCounter decodes a value of the per-device counter map
func DecodeDiskCounter(raw []byte) (DiskCounterSample, error) {
	var r rawDiskCounter
	if err := decode(raw, DiskCounterSize, &r); err != nil {
		return DiskCounterSample{}, errors.Wrap(err, "decoding disk counter")
	}
	return DiskCounterSample{
		Bytes:      r.Bytes,
		Random:     r.Random,
		Sequential: r.Sequential,
	}, nil
}

// DecodeSgxCounters decodes the single slot of the enclave counters map
func DecodeSgxCounters(raw []byte) (LowLevelSgxCounters, error) {
	var c LowLevelSgxCounters
	if err := decode(raw, SgxCountersSize, &c); err != nil {
		return LowLevelSgxCounters{}, errors.Wrap(err, "decoding sgx counters")
	}
	return c, nil
}

// DecodeDeepTraceEvent decodes a record of the tracer event stream
func DecodeDeepTraceEvent(raw []byte) (DeepTraceEvent, error) {
	var r rawDeepTraceEvent
	if err := decode(raw, DeepTraceEventSize, &r); err != nil {
		return DeepTraceEvent{}, errors.Wrap(err, "decoding deep trace event")
	}
	return DeepTraceEvent{EvType: r.EvType, Timestamp: r.Timestamp}, nil
}
