package probe

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/estesp/enclavebench/stats"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultRAPLRoot is the powercap tree of the intel-rapl control type
const DefaultRAPLRoot = "/sys/devices/virtual/powercap/intel-rapl"

// DefaultEnergyInterval separates two energy samples
const DefaultEnergyInterval = 500 * time.Millisecond

const raplPrefix = "intel-rapl:"

// Domain is an energy accounting counter
type Domain struct {
	Name string
	Path string
}

// DiscoverRAPL lists the energy counters under root. Zones are named after
// their name file, subzones are prefixed with their parent zone name. A
// missing tree yields no domain.
func DiscoverRAPL(root string) []Domain {
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		log.Warn("system does not support RAPL interface; skipping")
		return nil
	}

	var domains []Domain
	for _, zone := range raplZones(root) {
		name, err := readZoneName(zone)
		if err != nil {
			log.WithError(err).Warnf("skipping RAPL zone %s", zone)
			continue
		}
		domains = append(domains, Domain{Name: name, Path: filepath.Join(zone, "energy_uj")})

		for _, sub := range raplZones(zone) {
			subName, err := readZoneName(sub)
			if err != nil {
				log.WithError(err).Warnf("skipping RAPL zone %s", sub)
				continue
			}
			domains = append(domains, Domain{Name: name + "-" + subName, Path: filepath.Join(sub, "energy_uj")})
		}
	}
	return domains
}

func raplZones(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var zones []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), raplPrefix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		// sysfs zones may be symlinks
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			zones = append(zones, path)
		}
	}
	return zones
}

func readZoneName(zone string) (string, error) {
	b, err := os.ReadFile(filepath.Join(zone, "name"))
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(b))
	if name == "" {
		return "", errors.New("empty zone name")
	}
	return name, nil
}

// ReadEnergy reads an energy counter in microjoules
func ReadEnergy(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}

// EnergyProbe samples every energy domain at a fixed interval
type EnergyProbe struct {
	domains  []Domain
	interval time.Duration
	read     func(path string) (uint64, error)
}

// NewEnergyProbe creates an energy probe over domains
func NewEnergyProbe(domains []Domain, interval time.Duration) *EnergyProbe {
	if interval <= 0 {
		interval = DefaultEnergyInterval
	}
	return &EnergyProbe{
		domains:  domains,
		interval: interval,
		read:     ReadEnergy,
	}
}

// Run samples until ctx is done and returns one series per domain. A domain
// whose counter cannot be read is skipped for that tick. Samples of a tick
// completed after ctx is done are dropped.
func (p *EnergyProbe) Run(ctx context.Context) map[string][]stats.EnergySample {
	series := make(map[string][]stats.EnergySample, len(p.domains))

	// timestamps follow the monotonic clock so a series never goes backwards
	base := time.Now()
	baseNs := uint64(base.UnixNano())

	type reading struct {
		domain string
		value  uint64
	}
	tick := make([]reading, 0, len(p.domains))

	for ctx.Err() == nil {
		ts := baseNs + uint64(time.Since(base))
		tick = tick[:0]
		for _, d := range p.domains {
			v, err := p.read(d.Path)
			if err != nil {
				continue
			}
			tick = append(tick, reading{d.Name, v})
		}
		if ctx.Err() != nil {
			break
		}
		for _, r := range tick {
			series[r.domain] = append(series[r.domain], stats.EnergySample{Timestamp: ts, EnergyUJ: r.value})
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.interval):
		}
	}
	return series
}
