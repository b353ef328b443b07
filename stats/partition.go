package stats

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultPartitionsFile is the OS listing of block devices
const DefaultPartitionsFile = "/proc/partitions"

// Partition is a block device as listed by the OS
type Partition struct {
	Name string
	Dev  uint32
}

// PartitionIndex maps tracer device ids to partition names
type PartitionIndex struct {
	byDev map[uint32]string
	list  []Partition
}

// DeviceID encodes a major/minor pair the way the tracer does
func DeviceID(major, minor uint32) uint32 {
	return major<<20 | minor
}

// LoadPartitions reads the partition listing at path
func LoadPartitions(path string) (*PartitionIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s", path)
	}
	defer f.Close()

	return ParsePartitions(f)
}

// ParsePartitions builds an index from a listing of the form
//
//	major minor  #blocks  name
//
//	 259        0  250059096 nvme0n1
//	   8        1  976760832 sda1
func ParsePartitions(r io.Reader) (*PartitionIndex, error) {
	idx := &PartitionIndex{byDev: make(map[uint32]string)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "major") {
			continue
		}
		p, err := parsePartitionLine(line)
		if err != nil {
			log.Warnf("skipping partition line %q: %v", line, err)
			continue
		}
		idx.add(p)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading partitions")
	}
	return idx, nil
}

// NewPartitionIndex builds an index from already known partitions
func NewPartitionIndex(partitions ...Partition) *PartitionIndex {
	idx := &PartitionIndex{byDev: make(map[uint32]string)}
	for _, p := range partitions {
		idx.add(p)
	}
	return idx
}

func parsePartitionLine(line string) (Partition, error) {
	parts := strings.Fields(line)
	if len(parts) != 4 {
		return Partition{}, errors.Errorf("expected 4 fields, got %d", len(parts))
	}
	major, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Partition{}, errors.Wrap(err, "major")
	}
	minor, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Partition{}, errors.Wrap(err, "minor")
	}
	return Partition{
		Name: parts[3],
		Dev:  DeviceID(uint32(major), uint32(minor)),
	}, nil
}

func (idx *PartitionIndex) add(p Partition) {
	if _, ok := idx.byDev[p.Dev]; !ok {
		idx.list = append(idx.list, p)
	}
	idx.byDev[p.Dev] = p.Name
}

// Lookup returns the partition name of a device id, UnknownDevice when the
// id is not listed. A nil index knows no device.
func (idx *PartitionIndex) Lookup(dev uint32) string {
	if idx == nil {
		return UnknownDevice
	}
	if name, ok := idx.byDev[dev]; ok {
		return name
	}
	return UnknownDevice
}

// Partitions returns the loaded partitions in listing order
func (idx *PartitionIndex) Partitions() []Partition {
	if idx == nil {
		return nil
	}
	return idx.list
}
